package llm

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSONResponsePlain(t *testing.T) {
	result, err := ParseJSONResponse(`{"key": "value", "num": 42}`)
	require.NoError(t, err)
	assert.Equal(t, "value", result["key"])
	assert.Equal(t, float64(42), result["num"])
}

func TestParseJSONResponseWithCodeFence(t *testing.T) {
	result, err := ParseJSONResponse("```json\n{\"key\": \"value\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "value", result["key"])
}

func TestParseJSONResponseWithPlainFence(t *testing.T) {
	result, err := ParseJSONResponse("```\n{\"key\": \"value\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "value", result["key"])
}

func TestParseJSONResponseSurroundingProse(t *testing.T) {
	result, err := ParseJSONResponse("Sure! Here it is: {\"is_junk\": true} Hope that helps.")
	require.NoError(t, err)
	assert.Equal(t, true, result["is_junk"])
}

func TestParseJSONResponseInvalid(t *testing.T) {
	for _, text := range []string{"not json at all", "", "  \n ", "[1, 2]", "{broken"} {
		_, err := ParseJSONResponse(text)
		assert.ErrorIs(t, err, ErrMalformedOutput, "input %q", text)
	}
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(&StatusError{Provider: "openrouter", Code: 429}))
	assert.False(t, IsRateLimit(&StatusError{Provider: "openrouter", Code: 500}))
	assert.True(t, IsRateLimit(errors.New("Error 429, Message: RESOURCE_EXHAUSTED")))
	assert.True(t, IsRateLimit(errors.New("Quota exceeded for metric")))
	assert.False(t, IsRateLimit(errors.New("connection reset")))
	assert.False(t, IsRateLimit(nil))
}

func TestOpenAIProviderComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" {\"ok\": true} "}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("anthropic/claude-3-haiku", srv.URL+"/", "sk-test")
	text, err := p.Complete(t.Context(), Prompt{System: "sys", User: "hello", MaxTokens: 50, Temperature: 0.1, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, text)

	assert.Equal(t, "anthropic/claude-3-haiku", got["model"])
	assert.Equal(t, float64(50), got["max_tokens"])
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
}

func TestOpenAIProviderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"slow down"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("m", srv.URL, "sk-test")
	_, err := p.Complete(t.Context(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 429, se.Code)
}

func TestOpenAIProviderNoKey(t *testing.T) {
	p := NewOpenAIProvider("m", "", "")
	assert.Equal(t, DefaultOpenRouterURL, p.BaseURL)
	_, err := p.Complete(t.Context(), Prompt{User: "hi"})
	require.Error(t, err)
}

func TestOllamaProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest"}]}`))
		case "/api/chat":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "json", body["format"])
			assert.Equal(t, false, body["stream"])
			_, _ = w.Write([]byte(`{"message":{"content":"{\"is_potentially_relevant\": true}"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider("llama3.2", srv.URL)
	assert.True(t, p.IsConfigured(t.Context()))

	text, err := p.Complete(t.Context(), Prompt{User: "x", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"is_potentially_relevant": true}`, text)

	missing := NewOllamaProvider("mistral", srv.URL)
	assert.False(t, missing.IsConfigured(t.Context()))
}
