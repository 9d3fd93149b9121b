package gate

import (
	"encoding/json"
	"fmt"

	"specdrive/internal/models"
)

// ParseTelemetry is phase one of gate evaluation: structural parse.
// Malformed JSON is its own failure class, distinct from schema violations.
func ParseTelemetry(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed telemetry JSON: %w", err)
	}
	return doc, nil
}

// EnvelopeViolations checks the common envelope every stage requires.
// These are schema violations: blocking in strict mode, advisory otherwise.
func EnvelopeViolations(stage models.Stage, doc map[string]any) []string {
	var failures []string

	switch command, ok := doc["command"].(string); {
	case !ok:
		failures = append(failures, "missing required string field command")
	case command != stage.GuardrailCommand():
		failures = append(failures, fmt.Sprintf("unexpected command %q (expected %s)", command, stage.GuardrailCommand()))
	}

	requireString(doc, "spec_id", &failures)
	requireString(doc, "session_id", &failures)
	requireString(doc, "timestamp", &failures)
	requireString(doc, "schema_version", &failures)

	return failures
}

// ArtifactViolations validates the artifacts list. Validate and Audit may
// omit it; every other stage must supply a non-empty array.
func ArtifactViolations(stage models.Stage, doc map[string]any) []string {
	var failures []string
	value, present := doc["artifacts"]

	switch stage {
	case models.StageValidate, models.StageAudit:
		if present {
			if _, ok := value.([]any); !ok {
				failures = append(failures, "field artifacts must be an array when present")
			}
		}
	default:
		arr, ok := value.([]any)
		switch {
		case !present:
			failures = append(failures, "missing required array field artifacts")
		case !ok:
			failures = append(failures, "field artifacts must be an array")
		case len(arr) == 0:
			failures = append(failures, "telemetry artifacts array is empty")
		}
	}
	return failures
}

// StageViolations applies the per-stage required-field table. These fields
// are required evidence in every mode, not schema niceties: a stage whose
// payload lacks them cannot pass its gate.
func StageViolations(stage models.Stage, doc map[string]any) []string {
	var failures []string

	switch stage {
	case models.StagePlan:
		if baseline := requireObject(doc, "baseline", &failures); baseline != nil {
			requireString(baseline, "mode", &failures)
			requireString(baseline, "artifact", &failures)
			requireString(baseline, "status", &failures)
		}
		if hooks := requireObject(doc, "hooks", &failures); hooks != nil {
			requireString(hooks, "session.start", &failures)
		}

	case models.StageTasks:
		if tool := requireObject(doc, "tool", &failures); tool != nil {
			requireString(tool, "status", &failures)
		}

	case models.StageImplement:
		requireString(doc, "lock_status", &failures)
		requireString(doc, "hook_status", &failures)

	case models.StageValidate, models.StageAudit:
		failures = append(failures, scenarioViolations(doc)...)

	case models.StageUnlock:
		requireString(doc, "unlock_status", &failures)
	}

	return failures
}

var allowedScenarioStatus = []string{"passed", "failed", "skipped"}

func scenarioViolations(doc map[string]any) []string {
	var failures []string
	value, present := doc["scenarios"]
	if !present {
		return []string{"missing required array field scenarios"}
	}
	arr, ok := value.([]any)
	if !ok {
		return []string{"field scenarios must be an array of objects"}
	}
	if len(arr) == 0 {
		return []string{"scenarios array must not be empty"}
	}
	for i, item := range arr {
		scenario, ok := item.(map[string]any)
		if !ok {
			failures = append(failures, fmt.Sprintf("scenario #%d must be an object", i+1))
			continue
		}
		requireString(scenario, "name", &failures)
		status, ok := scenario["status"].(string)
		if !ok {
			failures = append(failures, fmt.Sprintf("scenario #%d missing required string field status", i+1))
			continue
		}
		if !contains(allowedScenarioStatus, status) {
			failures = append(failures, fmt.Sprintf("scenario status must be one of %v (got %q)", allowedScenarioStatus, status))
		}
	}
	return failures
}

func requireString(doc map[string]any, field string, failures *[]string) string {
	value, ok := doc[field].(string)
	if !ok || value == "" {
		*failures = append(*failures, "missing required string field "+field)
		return ""
	}
	return value
}

func requireObject(doc map[string]any, field string, failures *[]string) map[string]any {
	value, ok := doc[field].(map[string]any)
	if !ok {
		*failures = append(*failures, "missing required object field "+field)
		return nil
	}
	return value
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
