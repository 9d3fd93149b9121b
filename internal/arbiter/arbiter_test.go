package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"specdrive/internal/config"
	"specdrive/internal/evidence"
	"specdrive/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testArbiter(budget int, invoke func(context.Context, string) (*models.Payload, error)) *Arbiter {
	return &Arbiter{
		agent:  config.AgentConfig{Name: "arbiter", Model: "opus"},
		budget: budget,
		log:    discardLogger(),
		invoke: invoke,
	}
}

func conflictedArtifact() *models.ConsensusArtifact {
	return &models.ConsensusArtifact{
		SpecID: "spec-1",
		Stage:  models.StagePlan,
		Conflicts: []models.Conflict{
			{Key: "approach", Values: map[string]string{"a": "X", "b": "Y"}},
		},
	}
}

func TestResolveSuccess(t *testing.T) {
	a := testArbiter(1, func(ctx context.Context, prompt string) (*models.Payload, error) {
		return &models.Payload{Fields: map[string]any{
			"verdict":   "X",
			"rationale": "agent a's plan is complete",
		}}, nil
	})

	events := evidence.NewEventLog(t.TempDir())
	verdict, err := a.Resolve(context.Background(), "spec-1", 1, conflictedArtifact(), events)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if verdict.Verdict != "X" {
		t.Errorf("verdict = %q, want X", verdict.Verdict)
	}
	if verdict.RetryCount != 0 {
		t.Errorf("first-attempt success should record retry 0, got %d", verdict.RetryCount)
	}
	if verdict.RationaleDigest == "" {
		t.Error("rationale digest should be recorded")
	}

	recorded, err := events.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != 1 || recorded[0].Routing.EventType != models.EventArbitration {
		t.Errorf("expected one arbitration event, got %v", recorded)
	}
}

func TestResolveRetriesThenExhausts(t *testing.T) {
	attempts := 0
	a := testArbiter(1, func(ctx context.Context, prompt string) (*models.Payload, error) {
		attempts++
		return nil, fmt.Errorf("worker crashed")
	})

	events := evidence.NewEventLog(t.TempDir())
	_, err := a.Resolve(context.Background(), "spec-1", 1, conflictedArtifact(), events)

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("budget 1 means initial attempt plus one retry, got %d attempts", attempts)
	}
	if exhausted.Retries != 1 {
		t.Errorf("Retries = %d, want 1", exhausted.Retries)
	}

	recorded, _ := events.Read()
	if len(recorded) != 2 {
		t.Fatalf("expected one event per attempt, got %d", len(recorded))
	}
	if !recorded[1].Routing.IsFallback {
		t.Error("final attempt should be flagged as fallback")
	}
}

func TestResolveRecoversOnRetry(t *testing.T) {
	attempts := 0
	a := testArbiter(1, func(ctx context.Context, prompt string) (*models.Payload, error) {
		attempts++
		if attempts == 1 {
			return &models.Payload{Degraded: true, Raw: "garbage"}, nil
		}
		return &models.Payload{Fields: map[string]any{"verdict": "Y"}}, nil
	})

	verdict, err := a.Resolve(context.Background(), "spec-1", 1, conflictedArtifact(), nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if verdict.Verdict != "Y" || verdict.RetryCount != 1 {
		t.Errorf("verdict=%q retry=%d, want Y/1", verdict.Verdict, verdict.RetryCount)
	}
}

func TestResolveStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := testArbiter(10, func(ctx context.Context, prompt string) (*models.Payload, error) {
		cancel()
		return nil, fmt.Errorf("interrupted")
	})

	_, err := a.Resolve(ctx, "spec-1", 1, conflictedArtifact(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation to stop retries, got %v", err)
	}
}

func TestOverrideRecordsOperator(t *testing.T) {
	a := testArbiter(0, nil)

	events := evidence.NewEventLog(t.TempDir())
	v := a.Override("spec-1", 1, conflictedArtifact(), "alex", "X", "picked after review", events)

	if !v.Manual || v.Operator != "alex" {
		t.Errorf("manual verdict should carry operator identity, got %+v", v)
	}
	recorded, _ := events.Read()
	if len(recorded) != 1 || recorded[0].Routing.Reason != "manual_override" {
		t.Errorf("expected manual_override event, got %v", recorded)
	}
}
