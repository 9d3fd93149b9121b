package models

import "testing"

func TestStageOrderAndNext(t *testing.T) {
	if len(StageOrder) != 6 {
		t.Fatalf("pipeline has %d stages, want 6", len(StageOrder))
	}
	next, ok := StagePlan.Next()
	if !ok || next != StageTasks {
		t.Errorf("plan.Next() = %s, %v", next, ok)
	}
	if _, ok := StageUnlock.Next(); ok {
		t.Error("unlock is the last stage")
	}
}

func TestParseStage(t *testing.T) {
	stage, err := ParseStage("implement")
	if err != nil || stage != StageImplement {
		t.Errorf("ParseStage(implement) = %s, %v", stage, err)
	}
	if _, err := ParseStage("deploy"); err == nil {
		t.Error("unknown stage should fail to parse")
	}
}

func TestParallelRosters(t *testing.T) {
	sequential := []Stage{StagePlan, StageTasks, StageImplement}
	for _, s := range sequential {
		if s.Parallel() {
			t.Errorf("%s should run its roster sequentially", s)
		}
	}
	parallel := []Stage{StageValidate, StageAudit, StageUnlock}
	for _, s := range parallel {
		if !s.Parallel() {
			t.Errorf("%s should run its roster in parallel", s)
		}
	}
}

func TestGuardrailCommand(t *testing.T) {
	if got := StageValidate.GuardrailCommand(); got != "spec-validate" {
		t.Errorf("GuardrailCommand = %q", got)
	}
}

func TestInvocationTerminal(t *testing.T) {
	terminal := []InvocationStatus{InvocationCompleted, InvocationFailed, InvocationTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if InvocationRunning.Terminal() || InvocationPending.Terminal() {
		t.Error("pending/running are not terminal")
	}
}
