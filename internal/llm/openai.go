package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOpenRouterURL is the OpenAI-compatible endpoint used for fallback.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions API,
// such as OpenRouter.
type OpenAIProvider struct {
	Model   string
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewOpenAIProvider creates a provider for the given base URL and key.
func NewOpenAIProvider(model, baseURL, apiKey string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	return &OpenAIProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (o *OpenAIProvider) Name() string { return "openrouter" }

// Complete sends the prompt and returns the first choice's content.
func (o *OpenAIProvider) Complete(ctx context.Context, p Prompt) (string, error) {
	if o.APIKey == "" {
		return "", fmt.Errorf("openrouter API key not configured")
	}

	messages := []map[string]string{}
	if p.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": p.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": p.User})

	body := map[string]any{
		"model":       o.Model,
		"messages":    messages,
		"max_tokens":  p.MaxTokens,
		"temperature": p.Temperature,
	}
	if p.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openrouter API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StatusError{Provider: o.Name(), Code: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in openrouter response")
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
