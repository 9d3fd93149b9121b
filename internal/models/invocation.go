package models

import "time"

type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Terminal reports whether the status is one of the three end states.
// An invocation transitions into a terminal state exactly once and is
// immutable afterwards.
func (s InvocationStatus) Terminal() bool {
	switch s {
	case InvocationCompleted, InvocationFailed, InvocationTimedOut:
		return true
	}
	return false
}

// AgentInvocation is one worker call. Created at spawn time; the storage
// layer rejects updates once a terminal status has been recorded.
type AgentInvocation struct {
	ID           int64
	RunID        int64
	AgentName    string
	Stage        Stage
	PromptDigest string
	Status       InvocationStatus
	ExitCode     *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	RawOutput    string
	Stderr       string
	Result       *Payload
	ErrText      string
}

// Payload is the normalized result of a worker invocation. Degraded marks
// output that could not be parsed but was non-empty; Raw carries the
// original text in that case so nothing is silently dropped.
type Payload struct {
	Fields   map[string]any `json:"fields,omitempty"`
	Degraded bool           `json:"degraded,omitempty"`
	Raw      string         `json:"raw,omitempty"`
}

// Verdict returns the value of a decision field as a string, or "".
func (p *Payload) Verdict(key string) string {
	if p == nil || p.Fields == nil {
		return ""
	}
	if v, ok := p.Fields[key].(string); ok {
		return v
	}
	return ""
}
