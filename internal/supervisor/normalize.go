package supervisor

import (
	"encoding/json"
	"strings"

	"specdrive/internal/models"
)

// Normalize turns raw worker output into a structured payload. Strict JSON
// parse first, then extraction of a fenced or embedded object; output that
// resists both but is non-empty becomes a degraded payload carrying the raw
// text. Only empty output is an error.
func Normalize(agent, raw string) (*models.Payload, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ExtractionError{Agent: agent, Reason: "empty output"}
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
		return &models.Payload{Fields: fields}, nil
	}

	if candidate := extractJSON(trimmed); candidate != "" {
		if err := json.Unmarshal([]byte(candidate), &fields); err == nil {
			return &models.Payload{Fields: fields}, nil
		}
	}

	return &models.Payload{Degraded: true, Raw: raw}, nil
}

// extractJSON strips a markdown code fence and pulls out the first balanced
// JSON object, respecting string literals.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimLeft(rest, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		trimmed = strings.TrimSpace(rest)
	}
	if obj, ok := extractObject(trimmed); ok {
		return obj
	}
	return ""
}

func extractObject(text string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escape := false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			if r == '\\' {
				escape = true
				continue
			}
			if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1]), true
			}
		}
	}
	return "", false
}
