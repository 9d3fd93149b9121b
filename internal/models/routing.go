package models

// RoutingEvent records which execution mode/role was chosen for a step,
// with a reason code. Emitted regardless of outcome; the same shape carries
// arbitration and retrieval diagnostics so the audit log stays uniform.
type RoutingEvent struct {
	EventType  string `json:"event_type"`
	Role       string `json:"role"`
	Mode       string `json:"mode"`
	Reason     string `json:"reason"`
	LatencyMS  int64  `json:"latency_ms"`
	IsFallback bool   `json:"is_fallback"`
	RetryCount int    `json:"retry_count"`
}

// Routing event types.
const (
	EventRouting     = "routing_decision"
	EventArbitration = "arbitration"
	EventTierSkip    = "tier2_skip"
	EventOverride    = "stage_override"
)
