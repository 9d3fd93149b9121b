// Package arbiter resolves consensus conflicts with one additional
// high-capability invocation per attempt, under a bounded retry budget.
package arbiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"specdrive/internal/config"
	"specdrive/internal/evidence"
	"specdrive/internal/models"
	"specdrive/internal/supervisor"
)

// ExhaustedError means the retry budget ran out without a binding verdict.
// The stage proceeds degraded rather than hard-failing; callers must surface
// the escalation to operators.
type ExhaustedError struct {
	Stage   models.Stage
	Retries int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("arbiter exhausted after %d retr%s for stage %s",
		e.Retries, plural(e.Retries), e.Stage)
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

type Arbiter struct {
	agent  config.AgentConfig
	budget int
	log    *slog.Logger

	// invoke runs one arbiter call and blocks until terminal. Swappable
	// for tests.
	invoke func(ctx context.Context, prompt string) (*models.Payload, error)
}

func New(sup *supervisor.Supervisor, cfg *config.Config, log *slog.Logger) *Arbiter {
	if log == nil {
		log = slog.Default()
	}
	agent := cfg.ArbiterAgent()
	a := &Arbiter{
		agent:  agent,
		budget: cfg.RetryBudget,
		log:    log,
	}
	a.invoke = func(ctx context.Context, prompt string) (*models.Payload, error) {
		h := sup.Invoke(ctx, agent, "", prompt)
		<-h.Done()
		inv := h.Snapshot()
		if inv.Status != models.InvocationCompleted {
			return nil, fmt.Errorf("arbiter invocation %s: %s", inv.Status, inv.ErrText)
		}
		return inv.Result, nil
	}
	return a
}

// Resolve issues the arbitration invocation, retrying up to the budget.
// Every attempt emits an arbitration event. On success the returned verdict
// is binding; on exhaustion the caller receives ExhaustedError and must
// degrade the stage instead of failing it.
func (a *Arbiter) Resolve(ctx context.Context, specID string, runID int64, artifact *models.ConsensusArtifact, events *evidence.EventLog) (*models.ArbiterVerdict, error) {
	var history []string

	for attempt := 0; attempt <= a.budget; attempt++ {
		prompt := a.buildPrompt(artifact, history)
		start := time.Now()
		payload, err := a.invoke(ctx, prompt)
		latency := time.Since(start).Milliseconds()

		if err == nil {
			if verdict := extractVerdict(payload); verdict != nil {
				verdict.Model = a.agent.Model
				verdict.RetryCount = attempt
				verdict.RecordedAt = time.Now().UTC()
				a.emit(events, specID, runID, "resolved", latency, attempt, false)
				return verdict, nil
			}
			err = fmt.Errorf("arbiter output carried no verdict field")
		}

		a.log.Warn("arbitration attempt failed",
			"stage", artifact.Stage, "attempt", attempt, "err", err)
		history = append(history, fmt.Sprintf("attempt %d failed: %v", attempt+1, err))
		a.emit(events, specID, runID, "attempt_failed", latency, attempt, attempt == a.budget)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, &ExhaustedError{Stage: artifact.Stage, Retries: a.budget}
}

// Override records an operator-supplied verdict, kept distinct from
// automated ones by identity and the manual flag.
func (a *Arbiter) Override(specID string, runID int64, artifact *models.ConsensusArtifact, operator, verdict, rationale string, events *evidence.EventLog) *models.ArbiterVerdict {
	v := &models.ArbiterVerdict{
		Verdict:         verdict,
		Rationale:       rationale,
		RationaleDigest: digest(rationale),
		Manual:          true,
		Operator:        operator,
		RecordedAt:      time.Now().UTC(),
	}
	a.emit(events, specID, runID, "manual_override", 0, 0, false)
	return v
}

func (a *Arbiter) emit(events *evidence.EventLog, specID string, runID int64, reason string, latency int64, retry int, escalated bool) {
	if events == nil {
		return
	}
	if err := events.Append(specID, runID, models.RoutingEvent{
		EventType:  models.EventArbitration,
		Role:       a.agent.Name,
		Mode:       a.agent.Model,
		Reason:     reason,
		LatencyMS:  latency,
		IsFallback: escalated,
		RetryCount: retry,
	}); err != nil {
		a.log.Warn("append arbitration event", "err", err)
	}
}

func (a *Arbiter) buildPrompt(artifact *models.ConsensusArtifact, history []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the arbiter for stage %q of spec pipeline run.\n", artifact.Stage)
	b.WriteString("Multiple agents disagreed. Review their outputs and issue a binding verdict.\n\n")

	conflictsJSON, _ := json.MarshalIndent(artifact.Conflicts, "", "  ")
	fmt.Fprintf(&b, "Conflicts:\n%s\n\n", conflictsJSON)
	fmt.Fprintf(&b, "Agreements: %s\n", strings.Join(artifact.Agreements, ", "))
	fmt.Fprintf(&b, "Synthesis so far: %s\n", artifact.Synthesis)

	if len(history) > 0 {
		b.WriteString("\nPrior arbitration attempts:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	b.WriteString("\nRespond with JSON: {\"verdict\": \"...\", \"rationale\": \"...\"}\n")
	return b.String()
}

func extractVerdict(p *models.Payload) *models.ArbiterVerdict {
	if p == nil || p.Degraded {
		return nil
	}
	verdict := p.Verdict("verdict")
	if verdict == "" {
		return nil
	}
	rationale := p.Verdict("rationale")
	return &models.ArbiterVerdict{
		Verdict:         verdict,
		Rationale:       rationale,
		RationaleDigest: digest(rationale),
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
