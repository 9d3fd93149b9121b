package models

import "time"

// TelemetryEnvelope is the common portion every guardrail telemetry record
// must carry. Stage-specific payload fields live alongside it in the raw
// document and are validated by the gate's per-stage table.
type TelemetryEnvelope struct {
	Command       string     `json:"command"`
	SpecID        string     `json:"spec_id"`
	SessionID     string     `json:"session_id"`
	Timestamp     string     `json:"timestamp"` // RFC3339 UTC
	SchemaVersion string     `json:"schema_version"`
	Artifacts     []Artifact `json:"artifacts,omitempty"`
}

type Artifact struct {
	Path string `json:"path"`
}

// Failure classes for GateDecision.Class. Empty when the decision passes.
const (
	GateClassParse    = "parse"    // telemetry was not valid JSON
	GateClassSchema   = "schema"   // envelope violation blocking in strict mode
	GateClassEvidence = "evidence" // required stage evidence missing
	GateClassPolicy   = "policy"   // a policy rule vetoed the transition
)

// GateDecision is the pass/fail outcome for a stage transition. Immutable
// once recorded; a failing decision blocks progression until a newer passing
// decision exists for the same (spec_id, stage).
type GateDecision struct {
	ID           int64
	RunID        int64
	SpecID       string
	Stage        Stage
	Pass         bool
	Class        string   // dominant failure class, empty on pass
	Violations   []string // blocking: violated fields and rules
	Advisories   []string // non-blocking signals
	EvidencePath string
	RecordedAt   time.Time
}
