package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"specdrive/internal/models"
)

// shortValueLimit separates verdict-like strings, compared exactly, from
// free text, compared by token overlap.
const shortValueLimit = 48

// StructuralDiff is the default conflict rule. The comparison semantics,
// stated explicitly:
//
//   - Every top-level field present in at least two comparable payloads is
//     a decision point.
//   - Strings up to 48 characters are verdicts: trimmed, lowercased, and
//     compared for exact equality.
//   - Longer strings are free text: compared by Jaccard token overlap, and
//     conflicting when the overlap falls below Threshold.
//   - All other values are compared by canonical (marshaled) JSON equality.
//
// Two or more distinct values at a decision point declare a conflict.
type StructuralDiff struct {
	// Threshold is the minimum Jaccard similarity for free text to count
	// as agreement. Zero means the default of 0.3.
	Threshold float64
}

func (StructuralDiff) Name() string { return "structural" }

func (d StructuralDiff) Conflicts(payloads map[string]*models.Payload) []models.Conflict {
	threshold := d.Threshold
	if threshold == 0 {
		threshold = 0.3
	}

	// key -> agent -> rendered value
	values := make(map[string]map[string]string)
	freeText := make(map[string]bool)
	for agent, p := range payloads {
		if p == nil {
			continue
		}
		for key, v := range p.Fields {
			rendered, isText := renderValue(v)
			if values[key] == nil {
				values[key] = make(map[string]string)
			}
			values[key][agent] = rendered
			if isText {
				freeText[key] = true
			}
		}
	}

	var conflicts []models.Conflict
	for key, byAgent := range values {
		if len(byAgent) < 2 {
			continue
		}
		if freeText[key] {
			if textConflicts(byAgent, threshold) {
				conflicts = append(conflicts, models.Conflict{Key: key, Values: byAgent})
			}
			continue
		}
		if distinctCount(byAgent) >= 2 {
			conflicts = append(conflicts, models.Conflict{Key: key, Values: byAgent})
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Key < conflicts[j].Key })
	return conflicts
}

// renderValue normalizes a field value for comparison. The bool reports
// whether it should be treated as free text.
func renderValue(v any) (string, bool) {
	if s, ok := v.(string); ok {
		normalized := strings.ToLower(strings.TrimSpace(s))
		return normalized, len(normalized) > shortValueLimit
	}
	data, err := json.Marshal(canonicalize(v))
	if err != nil {
		return fmt.Sprintf("%v", v), false
	}
	return string(data), false
}

// canonicalize sorts map keys recursively so marshaled JSON is stable.
// encoding/json already sorts map[string]any keys; nested []any need a pass.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return v
	}
}

func distinctCount(byAgent map[string]string) int {
	seen := make(map[string]bool)
	for _, v := range byAgent {
		seen[v] = true
	}
	return len(seen)
}

// textConflicts declares a conflict when any pair of free-text values falls
// below the similarity threshold.
func textConflicts(byAgent map[string]string, threshold float64) bool {
	texts := make([]string, 0, len(byAgent))
	for _, v := range byAgent {
		texts = append(texts, v)
	}
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			if jaccard(texts[i], texts[j]) < threshold {
				return true
			}
		}
	}
	return false
}

func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[strings.Trim(tok, ".,;:!?\"'()[]{}")] = true
	}
	delete(set, "")
	return set
}
