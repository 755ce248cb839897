package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSONResponse parses a JSON object from an LLM response, handling
// markdown code fences and prose around the object. Failures wrap
// ErrMalformedOutput.
func ParseJSONResponse(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil && result != nil {
		return result, nil
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &result); err == nil && result != nil {
			return result, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", ErrMalformedOutput, truncate(text, 120))
}
