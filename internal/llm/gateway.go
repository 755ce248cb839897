package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/metrics"
)

var (
	// ErrExhausted is returned once every attempt of a call has failed.
	ErrExhausted = errors.New("llm call failed")
	// ErrDisabled is returned when no provider credentials were configured.
	ErrDisabled = errors.New("llm service disabled")
	// ErrMalformedOutput marks a response that could not be decoded.
	ErrMalformedOutput = errors.New("malformed llm output")

	errUnavailable = errors.New("primary provider cooling down and no fallback configured")
)

// Mode is the gateway's active service.
type Mode int

const (
	ModePrimary Mode = iota
	ModeFallback
	ModeDisabled
)

func (m Mode) String() string {
	switch m {
	case ModePrimary:
		return "primary"
	case ModeFallback:
		return "fallback"
	default:
		return "disabled"
	}
}

// RetryPolicy bounds one logical call. MaxRetries counts attempts after
// the first; the delay between attempts grows by Multiplier.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
}

// Gateway spreads calls over a rotation of primary credentials and fails
// over to a single fallback provider while the primary is cooling down.
// It is safe for concurrent use; one gateway is shared by every worker.
type Gateway struct {
	mu            sync.Mutex
	primary       []Provider
	next          int
	failed        map[int]bool
	fallback      Provider
	mode          Mode
	cooldown      time.Duration
	cooldownUntil time.Time

	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithSleeper replaces the backoff sleep between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) GatewayOption {
	return func(g *Gateway) { g.sleep = sleep }
}

func WithLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = logger }
}

// WithCallTimeout bounds each individual provider call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.callTimeout = d }
}

// NewGateway builds a gateway over the primary rotation and an optional
// fallback. With neither, the gateway is disabled for its lifetime.
func NewGateway(primary []Provider, fallback Provider, cooldown time.Duration, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		primary:  primary,
		failed:   make(map[int]bool),
		fallback: fallback,
		cooldown: cooldown,
		logger:   zap.L(),
		now:      time.Now,
		sleep:    sleepContext,
	}
	switch {
	case len(primary) > 0:
		g.mode = ModePrimary
	case fallback != nil:
		g.mode = ModeFallback
	default:
		g.mode = ModeDisabled
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode returns the current service mode.
func (g *Gateway) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Disabled reports whether no provider can ever serve a call.
func (g *Gateway) Disabled() bool {
	return g.Mode() == ModeDisabled
}

// Complete returns the raw text of a successful call.
func (g *Gateway) Complete(ctx context.Context, p Prompt, policy RetryPolicy) (string, error) {
	var out string
	err := g.do(ctx, p, policy, func(text string) error {
		out = text
		return nil
	})
	return out, err
}

// CompleteJSON returns the decoded JSON object of a successful call.
// Undecodable responses are retried like any other failed attempt.
func (g *Gateway) CompleteJSON(ctx context.Context, p Prompt, policy RetryPolicy) (map[string]any, error) {
	p.JSON = true
	var out map[string]any
	err := g.do(ctx, p, policy, func(text string) error {
		m, err := ParseJSONResponse(text)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (g *Gateway) do(ctx context.Context, p Prompt, policy RetryPolicy, accept func(string) error) error {
	if g.Disabled() {
		return ErrDisabled
	}

	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = 1.5
	}
	delay := policy.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := g.attempt(ctx, p, accept)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		g.logger.Warn("llm attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("of", attempts),
			zap.Error(err),
		)

		if attempt < attempts && delay > 0 {
			if err := g.sleep(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * multiplier)
		}
	}

	g.logger.Error("llm call exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func (g *Gateway) attempt(ctx context.Context, p Prompt, accept func(string) error) error {
	provider, slot, err := g.acquire()
	if err != nil {
		return err
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	label := providerKind(provider)
	start := time.Now()
	text, err := provider.Complete(callCtx, p)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		outcome := "error"
		if IsRateLimit(err) {
			outcome = "rate_limited"
		}
		metrics.ObserveLLMCall(label, outcome, elapsed)
		g.markFailure(slot, provider, err)
		return fmt.Errorf("%s: %w", provider.Name(), err)
	}

	if err := accept(text); err != nil {
		// The provider answered; only the payload was bad. Retry without rotating.
		metrics.ObserveLLMCall(label, "malformed", elapsed)
		return fmt.Errorf("%s: %w", provider.Name(), err)
	}

	metrics.ObserveLLMCall(label, "ok", elapsed)
	g.markSuccess(slot)
	return nil
}

// acquire picks the provider for the current mode, expiring a finished
// cooldown first. slot is the primary rotation index, or -1 for fallback.
func (g *Gateway) acquire() (Provider, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.mode == ModeDisabled {
		return nil, -1, ErrDisabled
	}

	if !g.cooldownUntil.IsZero() && !g.now().Before(g.cooldownUntil) {
		g.cooldownUntil = time.Time{}
		g.failed = make(map[int]bool)
		if len(g.primary) > 0 && g.mode != ModePrimary {
			g.logger.Info("primary cooldown expired, switching back", zap.Int("keys", len(g.primary)))
			g.mode = ModePrimary
		}
	}

	if g.mode == ModeFallback {
		return g.fallback, -1, nil
	}
	if !g.cooldownUntil.IsZero() {
		return nil, -1, errUnavailable
	}
	return g.primary[g.next], g.next, nil
}

func (g *Gateway) markSuccess(slot int) {
	if slot < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.failed) > 0 {
		g.failed = make(map[int]bool)
	}
}

// markFailure rotates past a failed primary credential. Once every
// credential has failed without an intervening success, the primary is
// put on cooldown. Fallback failures only consume the retry budget.
func (g *Gateway) markFailure(slot int, provider Provider, err error) {
	if slot < 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// Another caller may already have moved the gateway on.
	if g.mode != ModePrimary || !g.cooldownUntil.IsZero() {
		return
	}

	n := len(g.primary)
	g.failed[slot] = true
	g.next = (slot + 1) % n

	if len(g.failed) < n {
		g.logger.Warn("rotating primary credential",
			zap.String("failed", provider.Name()),
			zap.String("next", g.primary[g.next].Name()),
			zap.Bool("rate_limited", IsRateLimit(err)),
		)
		return
	}

	g.failed = make(map[int]bool)
	g.cooldownUntil = g.now().Add(g.cooldown)
	if g.fallback != nil {
		g.mode = ModeFallback
		metrics.ObserveFailover()
		g.logger.Warn("all primary credentials failed, switching to fallback",
			zap.String("fallback", g.fallback.Name()),
			zap.Time("cooldown_until", g.cooldownUntil),
		)
		return
	}
	g.logger.Error("all primary credentials failed and no fallback configured",
		zap.Time("cooldown_until", g.cooldownUntil),
	)
}

func providerKind(p Provider) string {
	name := p.Name()
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
