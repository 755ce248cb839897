package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/config"
)

// NewGatewayFromConfig builds the primary rotation from every configured
// Gemini key and the fallback provider named by cfg.Fallback.Kind.
// Missing credentials are logged, not fatal: a gateway without any
// provider is returned in disabled mode.
func NewGatewayFromConfig(ctx context.Context, cfg config.AI, logger *zap.Logger) (*Gateway, error) {
	opts := []GatewayOption{WithLogger(logger), WithCallTimeout(cfg.CallTimeout)}
	if !cfg.Enabled {
		logger.Info("AI disabled by config")
		return NewGateway(nil, nil, cfg.Cooldown, opts...), nil
	}

	var primary []Provider
	for i, key := range cfg.Gemini.Keys() {
		p, err := NewGeminiProvider(ctx, cfg.Gemini.Model, key, fmt.Sprintf("key%d", i+1))
		if err != nil {
			return nil, err
		}
		primary = append(primary, p)
	}
	if len(primary) == 0 {
		logger.Warn("no gemini keys configured", zap.String("env", cfg.Gemini.APIKeysEnv))
	}

	fallback := newFallback(ctx, cfg.Fallback, logger)

	g := NewGateway(primary, fallback, cfg.Cooldown, opts...)
	fields := []zap.Field{
		zap.String("mode", g.Mode().String()),
		zap.Int("primary_keys", len(primary)),
	}
	if fallback != nil {
		fields = append(fields, zap.String("fallback", fallback.Name()))
	}
	if g.Disabled() {
		logger.Warn("no LLM credentials available, AI stages disabled", fields...)
	} else {
		logger.Info("LLM gateway ready", fields...)
	}
	return g, nil
}

func newFallback(ctx context.Context, cfg config.Fallback, logger *zap.Logger) Provider {
	switch strings.ToLower(cfg.Kind) {
	case "":
		return nil
	case "ollama":
		p := NewOllamaProvider(cfg.Model, cfg.BaseURL)
		if !p.IsConfigured(ctx) {
			logger.Warn("ollama fallback not reachable", zap.String("url", p.BaseURL))
			return nil
		}
		return p
	case "anthropic":
		key := cfg.Key()
		if key == "" {
			logger.Warn("no anthropic key configured", zap.String("env", cfg.APIKeyEnv))
			return nil
		}
		return NewAnthropicProvider(cfg.Model, key)
	default:
		key := cfg.Key()
		if key == "" {
			logger.Warn("no fallback key configured", zap.String("env", cfg.APIKeyEnv))
			return nil
		}
		return NewOpenAIProvider(cfg.Model, cfg.BaseURL, key)
	}
}

// Policy converts a configured call policy into a RetryPolicy.
func Policy(c config.CallPolicy, multiplier float64) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   c.MaxRetries,
		InitialDelay: c.InitialDelay,
		Multiplier:   multiplier,
	}
}
