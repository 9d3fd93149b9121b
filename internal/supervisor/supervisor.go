// Package supervisor spawns external language-model worker processes,
// enforces per-invocation timeouts, and normalizes their output. It applies
// no retry policy: retries belong to the orchestrator.
package supervisor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"specdrive/internal/config"
	"specdrive/internal/models"
)

type Supervisor struct {
	grace         time.Duration
	fileThreshold int
	log           *slog.Logger
}

func New(cfg *config.Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		grace:         cfg.GracePeriod,
		fileThreshold: cfg.PromptFileThreshold,
		log:           log,
	}
}

// Handle tracks one in-flight invocation. Callers observe completion via
// Done and read the final record afterwards; they never block the
// supervisor's internals.
type Handle struct {
	AgentName string

	done chan struct{}
	mu   sync.Mutex
	inv  models.AgentInvocation
}

// Done is closed when the invocation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Snapshot returns a copy of the invocation record as it currently stands.
func (h *Handle) Snapshot() models.AgentInvocation {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inv
}

func (h *Handle) update(fn func(*models.AgentInvocation)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.inv)
}

// PromptDigest is the stable identifier recorded for a prompt.
func PromptDigest(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:8])
}

// Invoke spawns the worker and returns immediately. The prompt travels as
// the final argv element; above the size threshold it is streamed over
// stdin instead, with a marker argument so the worker knows to read it.
func (s *Supervisor) Invoke(ctx context.Context, agent config.AgentConfig, stage models.Stage, prompt string) *Handle {
	h := &Handle{
		AgentName: agent.Name,
		done:      make(chan struct{}),
	}
	now := time.Now().UTC()
	h.inv = models.AgentInvocation{
		AgentName:    agent.Name,
		Stage:        stage,
		PromptDigest: PromptDigest(prompt),
		Status:       models.InvocationRunning,
		StartedAt:    &now,
	}

	go s.run(ctx, agent, prompt, h)
	return h
}

func (s *Supervisor) run(ctx context.Context, agent config.AgentConfig, prompt string, h *Handle) {
	defer close(h.done)

	timeout := agent.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	args := append([]string(nil), agent.Command[1:]...)
	useStdin := len(prompt) > s.fileThreshold
	if useStdin {
		args = append(args, "-")
	} else {
		args = append(args, prompt)
	}

	cmd := exec.Command(agent.Command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if useStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}
	setProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		s.finish(h, models.InvocationFailed, nil, "", "", &ProcessError{Agent: agent.Name, Err: err})
		return
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool
	var err error
	select {
	case err = <-waitErr:
	case <-timer.C:
		timedOut = true
		s.terminate(cmd, waitErr)
		err = <-waitErr
	case <-ctx.Done():
		cancelled = true
		s.terminate(cmd, waitErr)
		err = <-waitErr
	}

	out := stdout.String()
	errOut := stderr.String()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case timedOut:
		s.log.Warn("invocation timed out", "agent", agent.Name, "timeout", timeout)
		s.finish(h, models.InvocationTimedOut, &exitCode, out, errOut,
			&TimeoutError{Agent: agent.Name, Limit: timeout})
	case cancelled:
		s.finish(h, models.InvocationFailed, &exitCode, out, errOut,
			&ProcessError{Agent: agent.Name, ExitCode: exitCode, Stderr: errOut, Err: ctx.Err()})
	case err != nil:
		s.finish(h, models.InvocationFailed, &exitCode, out, errOut,
			&ProcessError{Agent: agent.Name, ExitCode: exitCode, Stderr: errOut, Err: err})
	default:
		s.finish(h, models.InvocationCompleted, &exitCode, out, errOut, nil)
	}
}

// terminate sends the termination signal to the worker's process group,
// waits out the grace period, then force-kills.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr chan error) {
	if cmd.Process == nil {
		return
	}
	signalTerm(cmd)
	select {
	case err := <-waitErr:
		waitErr <- err
	case <-time.After(s.grace):
		signalKill(cmd)
	}
}

func (s *Supervisor) finish(h *Handle, status models.InvocationStatus, exitCode *int, out, errOut string, invErr error) {
	now := time.Now().UTC()
	var payload *models.Payload
	if status == models.InvocationCompleted {
		var perr error
		payload, perr = Normalize(h.AgentName, out)
		if perr != nil {
			// Empty output from a zero-exit worker: treat as failed with
			// a structured extraction error, not a silent empty payload.
			status = models.InvocationFailed
			invErr = perr
		}
	}

	h.update(func(inv *models.AgentInvocation) {
		inv.Status = status
		inv.ExitCode = exitCode
		inv.CompletedAt = &now
		inv.RawOutput = out
		inv.Stderr = errOut
		inv.Result = payload
		if invErr != nil {
			inv.ErrText = invErr.Error()
		}
	})
}
