package models

import "time"

// ConsensusArtifact is the synthesized result for (spec_id, stage) from N
// invocations. Artifacts are append-only: reruns create new versions and the
// highest version is authoritative.
type ConsensusArtifact struct {
	ID            int64
	RunID         int64
	SpecID        string
	Stage         Stage
	Version       int
	Agreements    []string
	Conflicts     []Conflict
	MissingAgents []string
	Synthesis     string
	QuorumMet     bool
	Degraded      bool
	Escalated     bool
	Arbiter       *ArbiterVerdict
	RecordedAt    time.Time
}

// Conflicted reports whether the artifact still carries unresolved
// disagreement. An arbiter verdict, automated or manual, settles it.
func (a *ConsensusArtifact) Conflicted() bool {
	return len(a.Conflicts) > 0 && a.Arbiter == nil
}

// Conflict is one decision point where at least two completed agents
// produced materially different values.
type Conflict struct {
	Key    string            `json:"key"`
	Values map[string]string `json:"values"` // agent name -> value
}

// ArbiterVerdict is the binding resolution of a conflicted artifact.
// Manual verdicts record the operator identity and are kept distinct from
// automated ones.
type ArbiterVerdict struct {
	Verdict         string    `json:"verdict"`
	Rationale       string    `json:"rationale"`
	RationaleDigest string    `json:"rationale_digest"`
	Model           string    `json:"model"`
	Manual          bool      `json:"manual"`
	Operator        string    `json:"operator,omitempty"`
	RetryCount      int       `json:"retry_count"`
	Escalated       bool      `json:"escalated"`
	RecordedAt      time.Time `json:"recorded_at"`
}
