package parser

import (
	"encoding/json"
	"errors"
	"strings"

	"orbital/internal/domain"
)

type modelScriptPayload struct {
	Meta  domain.ScriptMeta `json:"meta"`
	Steps []domain.Step     `json:"steps"`
}

func coalesce(values ...string) string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return ""
}

func parseModelPayload[T any](raw string) (T, error) {
	var zero T
	cleaned := extractJSONFragment(raw)
	if cleaned == "" {
		return zero, errors.New("empty payload")
	}
	var decoded T
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return zero, err
	}
	return decoded, nil
}

// extractJSONFragment drops code fences and any prose around the outermost
// JSON value.
func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	text = trimCodeFence(text)
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start >= 0 && end >= start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// cleanSteps drops steps with no narration and trims the rest.
func cleanSteps(steps []domain.Step) []domain.Step {
	out := make([]domain.Step, 0, len(steps))
	for _, s := range steps {
		s.Narration = strings.TrimSpace(s.Narration)
		s.LaTeX = strings.TrimSpace(s.LaTeX)
		if s.Narration == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
