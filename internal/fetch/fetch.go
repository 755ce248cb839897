package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/config"
)

var (
	// ErrAuth means the fetch service rejected our credentials. It is never retried.
	ErrAuth = errors.New("fetch service authentication failed")
	// ErrExhausted means every attempt for a URL failed.
	ErrExhausted = errors.New("fetch retries exhausted")
	// ErrMissingCredentials is returned by New when no credentials are set.
	ErrMissingCredentials = errors.New("fetch service credentials not configured")
)

// Client fetches rendered pages through a realtime scraping API that takes
// the target URL in a JSON payload and returns the page in results[0].
type Client struct {
	endpoint string
	username string
	password string
	source   string
	uaType   string
	render   string
	retries  int

	http    *http.Client
	limiter *HostLimiter
	logger  *zap.Logger
	stats   Stats

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSleeper replaces the backoff sleep between attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func WithJitter(jitter func() time.Duration) Option {
	return func(c *Client) { c.jitter = jitter }
}

func WithLimiter(l *HostLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates a client from config. Credentials come from the environment
// variables named in cfg.
func New(cfg config.Fetch, logger *zap.Logger, opts ...Option) (*Client, error) {
	user, pass := cfg.Credentials()
	if user == "" || pass == "" {
		return nil, fmt.Errorf("%w: set %s and %s", ErrMissingCredentials, cfg.UsernameEnv, cfg.PasswordEnv)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	retries := cfg.Retries
	if retries < 1 {
		retries = 3
	}

	c := &Client{
		endpoint: cfg.Endpoint,
		username: user,
		password: pass,
		source:   cfg.Source,
		uaType:   cfg.UserAgentType,
		render:   cfg.Render,
		retries:  retries,
		http:     &http.Client{Timeout: timeout},
		limiter:  NewHostLimiter(cfg.RequestsPerSecond, cfg.Burst),
		logger:   logger,
		sleep:    sleepContext,
		jitter:   func() time.Duration { return time.Duration(rand.Int64N(int64(time.Second))) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stats returns the client's counters.
func (c *Client) Stats() *Stats {
	return &c.stats
}

// Fetch returns the rendered content of target. retries <= 0 uses the
// configured count. Transient failures back off 2^attempt seconds plus
// jitter; ErrAuth returns at once.
func (c *Client) Fetch(ctx context.Context, target string, retries int) (string, error) {
	if retries <= 0 {
		retries = c.retries
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if err := c.limiter.WaitURL(ctx, target); err != nil {
			return "", err
		}

		c.logger.Debug("fetching", zap.String("url", target), zap.Int("attempt", attempt+1), zap.Int("of", retries))
		content, err := c.do(ctx, target)
		if err == nil {
			c.stats.success.Add(1)
			return content, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.stats.failure.Add(1)

		if errors.Is(err, ErrAuth) {
			c.logger.Error("fetch service rejected credentials", zap.String("url", target), zap.Error(err))
			return "", err
		}
		lastErr = err
		c.logger.Warn("fetch attempt failed", zap.String("url", target), zap.Int("attempt", attempt+1), zap.Error(err))

		if attempt < retries-1 {
			wait := time.Duration(math.Pow(2, float64(attempt)))*time.Second + c.jitter()
			if err := c.sleep(ctx, wait); err != nil {
				return "", err
			}
		}
	}

	c.stats.blocked.Add(1)
	c.logger.Error("fetch failed", zap.String("url", target), zap.Int("attempts", retries), zap.Error(lastErr))
	return "", fmt.Errorf("%w: %s after %d attempts: %w", ErrExhausted, target, retries, lastErr)
}

// Preflight fetches url once and checks that marker appears in it.
func (c *Client) Preflight(ctx context.Context, url, marker string) error {
	content, err := c.Fetch(ctx, url, 1)
	if err != nil {
		return fmt.Errorf("preflight fetch of %s: %w", url, err)
	}
	if marker != "" && !strings.Contains(strings.ToLower(content), strings.ToLower(marker)) {
		return fmt.Errorf("preflight fetch of %s: response does not mention %q", url, marker)
	}
	return nil
}

type queryResponse struct {
	Results []struct {
		Content    string `json:"content"`
		StatusCode int    `json:"status_code"`
	} `json:"results"`
	Error string `json:"_error"`
}

func (c *Client) do(ctx context.Context, target string) (string, error) {
	payload := map[string]string{"url": target}
	if c.source != "" {
		payload["source"] = c.source
	}
	if c.uaType != "" {
		payload["user_agent_type"] = c.uaType
	}
	if c.render != "" {
		payload["render"] = c.render
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch service request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("fetch service returned %d: %s", resp.StatusCode, string(body))
	}

	var result queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Results) == 0 {
		reason := result.Error
		if reason == "" {
			reason = "no results"
		}
		return "", fmt.Errorf("fetch service failed for %s: %s", target, reason)
	}
	if code := result.Results[0].StatusCode; code != http.StatusOK {
		return "", fmt.Errorf("target %s returned %d", target, code)
	}
	return result.Results[0].Content, nil
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
