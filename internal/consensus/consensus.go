// Package consensus merges normalized agent outputs for a stage into a
// versioned artifact and detects disagreement between agents.
package consensus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"specdrive/internal/models"
)

// AllFailedError means no invocation in the roster completed, which fails
// the stage outright.
type AllFailedError struct {
	Stage models.Stage
}

func (e *AllFailedError) Error() string {
	return fmt.Sprintf("stage %s: every roster invocation failed", e.Stage)
}

// Strategy is the pluggable conflict-detection rule. Implementations
// document their comparison semantics; the structural diff is the default.
type Strategy interface {
	Name() string
	// Conflicts returns the decision points where at least two agents
	// produced materially different values. Keys of the outer map are
	// agent names.
	Conflicts(payloads map[string]*models.Payload) []models.Conflict
}

// Synthesize builds a consensus artifact for a stage from its invocations.
// Only Completed invocations contribute; Failed/TimedOut agents are
// recorded as missing. Degraded payloads are carried but excluded from
// comparison, marking the artifact degraded.
func Synthesize(stage models.Stage, rosterSize int, invocations []*models.AgentInvocation, strategy Strategy) (*models.ConsensusArtifact, error) {
	artifact := &models.ConsensusArtifact{
		Stage:      stage,
		RecordedAt: time.Now().UTC(),
	}

	comparable := make(map[string]*models.Payload)
	completed := 0
	for _, inv := range invocations {
		switch inv.Status {
		case models.InvocationCompleted:
			completed++
			if inv.Result != nil && inv.Result.Degraded {
				artifact.Degraded = true
				continue
			}
			comparable[inv.AgentName] = inv.Result
		default:
			artifact.MissingAgents = append(artifact.MissingAgents, inv.AgentName)
		}
	}

	if completed == 0 {
		return nil, &AllFailedError{Stage: stage}
	}

	// Quorum: at least half the configured roster completed. A thinner
	// result still proceeds but the weakened guarantee is surfaced.
	artifact.QuorumMet = completed*2 >= rosterSize

	artifact.Conflicts = strategy.Conflicts(comparable)
	artifact.Agreements = agreements(comparable, artifact.Conflicts)
	artifact.Synthesis = summarize(stage, completed, artifact)

	return artifact, nil
}

// agreements lists the decision keys shared by every comparable payload
// that did not conflict.
func agreements(payloads map[string]*models.Payload, conflicts []models.Conflict) []string {
	if len(payloads) == 0 {
		return nil
	}
	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.Key] = true
	}

	counts := make(map[string]int)
	for _, p := range payloads {
		for key := range p.Fields {
			counts[key]++
		}
	}

	var agreed []string
	for key, n := range counts {
		if n == len(payloads) && !conflicted[key] {
			agreed = append(agreed, key)
		}
	}
	sort.Strings(agreed)
	return agreed
}

func summarize(stage models.Stage, completed int, a *models.ConsensusArtifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d agent(s) completed for stage %s.", completed, stage)
	if len(a.MissingAgents) > 0 {
		fmt.Fprintf(&b, " Missing: %s.", strings.Join(a.MissingAgents, ", "))
	}
	if len(a.Conflicts) == 0 {
		b.WriteString(" No conflicts.")
	} else {
		keys := make([]string, 0, len(a.Conflicts))
		for _, c := range a.Conflicts {
			keys = append(keys, c.Key)
		}
		fmt.Fprintf(&b, " Conflicts on: %s.", strings.Join(keys, ", "))
	}
	if !a.QuorumMet {
		b.WriteString(" Quorum not met.")
	}
	if a.Degraded {
		b.WriteString(" Degraded output present.")
	}
	return b.String()
}
