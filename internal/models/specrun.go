package models

import (
	"fmt"
	"time"
)

type RunStatus string

const (
	RunStatusIdle         RunStatus = "idle"
	RunStatusRunning      RunStatus = "running"
	RunStatusAwaitingGate RunStatus = "awaiting_gate"
	RunStatusBlocked      RunStatus = "blocked"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
)

// SpecRun is one pipeline execution for a named unit of work. Rows are
// append-only: a run is only ever updated in place by the orchestrator that
// owns it, and never deleted.
type SpecRun struct {
	ID           int64
	SpecID       string
	CurrentStage Stage
	Status       RunStatus
	Degraded     bool
	BlockReason  string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Stage is one fixed phase of the pipeline. The set is totally ordered and
// no stage is skippable except via an explicit, recorded override.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageTasks     Stage = "tasks"
	StageImplement Stage = "implement"
	StageValidate  Stage = "validate"
	StageAudit     Stage = "audit"
	StageUnlock    Stage = "unlock"
)

// StageOrder is the canonical pipeline sequence.
var StageOrder = []Stage{
	StagePlan,
	StageTasks,
	StageImplement,
	StageValidate,
	StageAudit,
	StageUnlock,
}

func ParseStage(s string) (Stage, error) {
	for _, st := range StageOrder {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Index returns the position of the stage in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage and false when s is the last one.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[i+1], true
}

// Parallel reports whether the stage's roster spawns concurrently.
// Plan/Tasks/Implement run agents sequentially so later agents can see
// earlier output; Validate/Audit/Unlock are independent checks.
func (s Stage) Parallel() bool {
	switch s {
	case StageValidate, StageAudit, StageUnlock:
		return true
	}
	return false
}

// GuardrailCommand is the command name the stage's telemetry envelope must
// carry.
func (s Stage) GuardrailCommand() string {
	return "spec-" + string(s)
}
