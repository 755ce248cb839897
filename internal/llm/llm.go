package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Prompt is a single system+user exchange sent to a provider.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSON asks providers that support it for a JSON object response.
	JSON bool
}

// Provider is the interface for LLM providers. A provider is bound to a
// single credential; the gateway rotates between providers.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt) (string, error)
}

// StatusError is a non-2xx answer from a provider's HTTP API.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Code, e.Body)
}

// IsRateLimit reports whether err looks like a quota or rate-limit refusal.
// SDK errors are matched by message since each SDK has its own type.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
