package consensus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"specdrive/internal/models"
)

func completedInv(agent string, fields map[string]any) *models.AgentInvocation {
	return &models.AgentInvocation{
		AgentName: agent,
		Status:    models.InvocationCompleted,
		Result:    &models.Payload{Fields: fields},
	}
}

func TestSynthesizeValidateRosterWithTimeout(t *testing.T) {
	invs := []*models.AgentInvocation{
		completedInv("a", map[string]any{"verdict": "pass"}),
		completedInv("b", map[string]any{"verdict": "pass"}),
		{AgentName: "c", Status: models.InvocationTimedOut},
	}

	artifact, err := Synthesize(models.StageValidate, 3, invs, StructuralDiff{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(artifact.Conflicts) != 0 {
		t.Errorf("expected no conflicts, got %v", artifact.Conflicts)
	}
	if len(artifact.MissingAgents) != 1 || artifact.MissingAgents[0] != "c" {
		t.Errorf("expected c recorded missing, got %v", artifact.MissingAgents)
	}
	if !artifact.QuorumMet {
		t.Error("2 of 3 completed should meet quorum")
	}
	if len(artifact.Agreements) != 1 || artifact.Agreements[0] != "verdict" {
		t.Errorf("expected agreement on verdict, got %v", artifact.Agreements)
	}
}

func TestSynthesizePlanApproachConflict(t *testing.T) {
	invs := []*models.AgentInvocation{
		completedInv("a", map[string]any{"approach": "X"}),
		completedInv("b", map[string]any{"approach": "Y"}),
	}

	artifact, err := Synthesize(models.StagePlan, 2, invs, StructuralDiff{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(artifact.Conflicts) != 1 || artifact.Conflicts[0].Key != "approach" {
		t.Fatalf("expected one conflict on approach, got %v", artifact.Conflicts)
	}
	if !artifact.Conflicted() {
		t.Error("artifact with conflicts and no verdict should be conflicted")
	}
	artifact.Arbiter = &models.ArbiterVerdict{Verdict: "X"}
	if artifact.Conflicted() {
		t.Error("a recorded verdict should settle the conflict")
	}
}

func TestSynthesizeAllFailed(t *testing.T) {
	invs := []*models.AgentInvocation{
		{AgentName: "a", Status: models.InvocationFailed},
		{AgentName: "b", Status: models.InvocationTimedOut},
	}
	_, err := Synthesize(models.StagePlan, 2, invs, StructuralDiff{})
	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllFailedError, got %v", err)
	}
}

func TestSynthesizeDegradedPayloadExcluded(t *testing.T) {
	invs := []*models.AgentInvocation{
		completedInv("a", map[string]any{"verdict": "pass"}),
		{
			AgentName: "b",
			Status:    models.InvocationCompleted,
			Result:    &models.Payload{Degraded: true, Raw: "not json at all"},
		},
	}
	artifact, err := Synthesize(models.StageAudit, 2, invs, StructuralDiff{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !artifact.Degraded {
		t.Error("degraded payload should mark the artifact degraded")
	}
	if len(artifact.Conflicts) != 0 {
		t.Errorf("degraded payload must not enter comparison, got conflicts %v", artifact.Conflicts)
	}
}

func TestSynthesizeQuorumNotMet(t *testing.T) {
	invs := []*models.AgentInvocation{
		completedInv("a", map[string]any{"verdict": "pass"}),
		{AgentName: "b", Status: models.InvocationFailed},
		{AgentName: "c", Status: models.InvocationFailed},
	}
	artifact, err := Synthesize(models.StageValidate, 3, invs, StructuralDiff{})
	if err != nil {
		t.Fatalf("one success should still proceed: %v", err)
	}
	if artifact.QuorumMet {
		t.Error("1 of 3 must not meet quorum")
	}
}

func TestStructuralDiffShortStrings(t *testing.T) {
	conflicts := StructuralDiff{}.Conflicts(map[string]*models.Payload{
		"a": {Fields: map[string]any{"verdict": " Pass "}},
		"b": {Fields: map[string]any{"verdict": "pass"}},
	})
	if len(conflicts) != 0 {
		t.Errorf("trim+lowercase equal verdicts should agree, got %v", conflicts)
	}
}

func TestStructuralDiffFreeText(t *testing.T) {
	similar := map[string]*models.Payload{
		"a": {Fields: map[string]any{"summary": "the parser rejects malformed records and logs every skipped line for later"}},
		"b": {Fields: map[string]any{"summary": "the parser rejects malformed records and logs every skipped line for review"}},
	}
	if c := (StructuralDiff{}).Conflicts(similar); len(c) != 0 {
		t.Errorf("high-overlap text should agree, got %v", c)
	}

	disjoint := map[string]*models.Payload{
		"a": {Fields: map[string]any{"summary": "rewrite the storage layer around a single append only log structure now"}},
		"b": {Fields: map[string]any{"summary": "keep everything in memory and snapshot periodically to object buckets instead"}},
	}
	if c := (StructuralDiff{}).Conflicts(disjoint); len(c) != 1 {
		t.Errorf("disjoint text should conflict, got %v", c)
	}
}

func TestStructuralDiffNonStringValues(t *testing.T) {
	conflicts := StructuralDiff{}.Conflicts(map[string]*models.Payload{
		"a": {Fields: map[string]any{"steps": []any{"one", "two"}}},
		"b": {Fields: map[string]any{"steps": []any{"one", "three"}}},
	})
	if len(conflicts) != 1 || conflicts[0].Key != "steps" {
		t.Errorf("differing arrays should conflict, got %v", conflicts)
	}
}

func TestLuaStrategy(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "rule.lua")
	rule := `
function conflicts(payloads)
  local out = {}
  if payloads.a.verdict ~= payloads.b.verdict then
    out[1] = { key = "verdict", values = { a = payloads.a.verdict, b = payloads.b.verdict } }
  end
  return out
end
`
	if err := os.WriteFile(script, []byte(rule), 0644); err != nil {
		t.Fatal(err)
	}

	strategy := LuaStrategy{ScriptPath: script}
	conflicts := strategy.Conflicts(map[string]*models.Payload{
		"a": {Fields: map[string]any{"verdict": "pass"}},
		"b": {Fields: map[string]any{"verdict": "fail"}},
	})
	if len(conflicts) != 1 || conflicts[0].Key != "verdict" {
		t.Fatalf("expected verdict conflict from rule script, got %v", conflicts)
	}
	if conflicts[0].Values["a"] != "pass" || conflicts[0].Values["b"] != "fail" {
		t.Errorf("unexpected conflict values: %v", conflicts[0].Values)
	}
}

func TestLuaStrategyFallsBackOnBrokenScript(t *testing.T) {
	strategy := LuaStrategy{ScriptPath: filepath.Join(t.TempDir(), "missing.lua")}
	conflicts := strategy.Conflicts(map[string]*models.Payload{
		"a": {Fields: map[string]any{"approach": "X"}},
		"b": {Fields: map[string]any{"approach": "Y"}},
	})
	// Structural fallback must still see the disagreement.
	if len(conflicts) != 1 || conflicts[0].Key != "approach" {
		t.Fatalf("expected structural fallback conflict, got %v", conflicts)
	}
}

func TestStrategyFor(t *testing.T) {
	if name := StrategyFor("").Name(); name != "structural" {
		t.Errorf("empty rule should resolve structural, got %s", name)
	}
	if name := StrategyFor("rules/custom.lua").Name(); name != "lua:rules/custom.lua" {
		t.Errorf("path rule should resolve lua, got %s", name)
	}
}
