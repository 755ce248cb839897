package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider is one Gemini API key. The gateway holds one per key.
type GeminiProvider struct {
	Model  string
	label  string
	client *genai.Client
}

// NewGeminiProvider creates a client bound to a single API key. label
// identifies the key in logs without exposing it.
func NewGeminiProvider(ctx context.Context, model, apiKey, label string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing gemini client %s: %w", label, err)
	}
	return &GeminiProvider{Model: model, label: label, client: client}, nil
}

func (g *GeminiProvider) Name() string { return "gemini/" + g.label }

// Complete sends the prompt to the generateContent endpoint.
func (g *GeminiProvider) Complete(ctx context.Context, p Prompt) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.Temperature)),
		MaxOutputTokens: int32(p.MaxTokens),
	}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.Model, genai.Text(p.User), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini API error: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text, nil
}
