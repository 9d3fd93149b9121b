package supervisor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"specdrive/internal/config"
	"specdrive/internal/models"
)

func testSupervisor() *Supervisor {
	cfg := &config.Config{
		GracePeriod:         100 * time.Millisecond,
		PromptFileThreshold: 64 * 1024,
	}
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInvokeCompletes(t *testing.T) {
	s := testSupervisor()
	agent := config.AgentConfig{
		Name:    "echoer",
		Command: []string{"sh", "-c", `echo '{"verdict":"pass"}'`},
		Timeout: 5 * time.Second,
	}

	h := s.Invoke(context.Background(), agent, models.StageValidate, "prompt text")
	<-h.Done()

	inv := h.Snapshot()
	if inv.Status != models.InvocationCompleted {
		t.Fatalf("status = %s (%s)", inv.Status, inv.ErrText)
	}
	if inv.Result == nil || inv.Result.Fields["verdict"] != "pass" {
		t.Errorf("payload = %+v", inv.Result)
	}
	if inv.ExitCode == nil || *inv.ExitCode != 0 {
		t.Errorf("exit code = %v", inv.ExitCode)
	}
	if inv.PromptDigest == "" {
		t.Error("prompt digest should be recorded")
	}
}

func TestInvokeNonZeroExitFails(t *testing.T) {
	s := testSupervisor()
	agent := config.AgentConfig{
		Name:    "crasher",
		Command: []string{"sh", "-c", "echo oops >&2; exit 3"},
		Timeout: 5 * time.Second,
	}

	h := s.Invoke(context.Background(), agent, models.StagePlan, "p")
	<-h.Done()

	inv := h.Snapshot()
	if inv.Status != models.InvocationFailed {
		t.Fatalf("status = %s, want failed", inv.Status)
	}
	if inv.ExitCode == nil || *inv.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", inv.ExitCode)
	}
	if inv.Stderr == "" {
		t.Error("stderr should be captured")
	}
}

func TestInvokeTimesOut(t *testing.T) {
	s := testSupervisor()
	agent := config.AgentConfig{
		Name:    "sleeper",
		Command: []string{"sh", "-c", "sleep 5"},
		Timeout: 100 * time.Millisecond,
	}

	start := time.Now()
	h := s.Invoke(context.Background(), agent, models.StagePlan, "p")
	<-h.Done()

	inv := h.Snapshot()
	if inv.Status != models.InvocationTimedOut {
		t.Fatalf("status = %s, want timed_out", inv.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("termination took %v, grace period not honored", elapsed)
	}
}

func TestInvokeEmptyOutputFails(t *testing.T) {
	s := testSupervisor()
	agent := config.AgentConfig{
		Name:    "silent",
		Command: []string{"true"},
		Timeout: 5 * time.Second,
	}

	h := s.Invoke(context.Background(), agent, models.StagePlan, "p")
	<-h.Done()

	inv := h.Snapshot()
	if inv.Status != models.InvocationFailed {
		t.Fatalf("zero-exit empty output must fail, got %s", inv.Status)
	}
	if inv.ErrText == "" {
		t.Error("extraction error should be recorded")
	}
}

func TestInvokeLargePromptOverStdin(t *testing.T) {
	s := testSupervisor()
	s.fileThreshold = 16
	agent := config.AgentConfig{
		Name: "reader",
		// With the stdin marker as $0, the script reads the prompt from
		// stdin and wraps it in JSON.
		Command: []string{"sh", "-c", `printf '{"len":%d}' "$(wc -c)"`},
		Timeout: 5 * time.Second,
	}

	prompt := "this prompt is longer than the threshold"
	h := s.Invoke(context.Background(), agent, models.StagePlan, prompt)
	<-h.Done()

	inv := h.Snapshot()
	if inv.Status != models.InvocationCompleted {
		t.Fatalf("status = %s (%s)", inv.Status, inv.ErrText)
	}
	if n, ok := inv.Result.Fields["len"].(float64); !ok || int(n) != len(prompt) {
		t.Errorf("worker read %v bytes over stdin, want %d", inv.Result.Fields["len"], len(prompt))
	}
}
