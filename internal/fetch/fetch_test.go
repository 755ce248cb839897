package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TobiSchelling/leadcrawler/internal/config"
)

type sleepRecorder struct{ waits []time.Duration }

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("TEST_FETCH_USER", "user")
	t.Setenv("TEST_FETCH_PASS", "secret")
	rec := &sleepRecorder{}
	c, err := New(config.Fetch{
		Endpoint:      srv.URL,
		UsernameEnv:   "TEST_FETCH_USER",
		PasswordEnv:   "TEST_FETCH_PASS",
		Source:        "universal",
		UserAgentType: "desktop",
		Render:        "html",
		Timeout:       5 * time.Second,
		Retries:       3,
	}, zap.NewNop(), WithSleeper(rec.sleep), WithJitter(func() time.Duration { return 0 }))
	require.NoError(t, err)
	return c, rec
}

func writeResult(w http.ResponseWriter, status int, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"results": []map[string]any{{"content": content, "status_code": status}},
	})
}

func TestFetchSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "user", user)
		assert.Equal(t, "secret", pass)

		var payload map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "https://austin.craigslist.org/search/web", payload["url"])
		assert.Equal(t, "universal", payload["source"])
		assert.Equal(t, "desktop", payload["user_agent_type"])
		assert.Equal(t, "html", payload["render"])
		writeResult(w, 200, "<html>listing</html>")
	})

	content, err := c.Fetch(t.Context(), "https://austin.craigslist.org/search/web", 0)
	require.NoError(t, err)
	assert.Equal(t, "<html>listing</html>", content)
	assert.Equal(t, int64(1), c.Stats().Snapshot().Success)
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			http.Error(w, "busy", http.StatusTooManyRequests)
		case 2:
			writeResult(w, 503, "")
		default:
			writeResult(w, 200, "ok")
		}
	})

	content, err := c.Fetch(t.Context(), "https://boston.craigslist.org/search/web", 3)
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)

	snap := c.Stats().Snapshot()
	assert.Equal(t, int64(1), snap.Success)
	assert.Equal(t, int64(2), snap.Failure)
}

func TestFetchExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	})

	_, err := c.Fetch(t.Context(), "https://denver.craigslist.org/search/web", 2)
	require.ErrorIs(t, err, ErrExhausted)
	assert.NotErrorIs(t, err, ErrAuth)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), c.Stats().Snapshot().Blocked)
}

func TestFetchAuthIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		var calls atomic.Int32
		c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		})

		_, err := c.Fetch(t.Context(), "https://austin.craigslist.org/search/web", 3)
		require.ErrorIs(t, err, ErrAuth, "status %d", status)
		assert.Equal(t, int32(1), calls.Load())
		assert.Empty(t, rec.waits)
	}
}

func TestFetchMissingResults(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [], "_error": "quota"}`))
	})
	_, err := c.Fetch(t.Context(), "https://austin.craigslist.org/x", 1)
	require.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "quota")
}

func TestFetchHonorsCancellation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 200, "ok")
	})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.Fetch(ctx, "https://austin.craigslist.org/x", 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPreflight(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 200, "<title>new york web jobs - Craigslist</title>")
	})
	require.NoError(t, c.Preflight(t.Context(), "https://newyork.craigslist.org/search/web", "craigslist"))

	err := c.Preflight(t.Context(), "https://newyork.craigslist.org/search/web", "something else")
	assert.Error(t, err)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv("TEST_FETCH_EMPTY", "")
	_, err := New(config.Fetch{UsernameEnv: "TEST_FETCH_EMPTY", PasswordEnv: "TEST_FETCH_EMPTY"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestStatsHealthy(t *testing.T) {
	var s Stats
	assert.True(t, s.Healthy(0.8))

	s.success.Add(5)
	s.failure.Add(6)
	assert.False(t, s.Healthy(0.8))

	s.success.Add(30)
	assert.True(t, s.Healthy(0.8))
}

func TestHostLimiterPerHost(t *testing.T) {
	hl := NewHostLimiter(1, 1)
	ctx := t.Context()
	require.NoError(t, hl.WaitURL(ctx, "https://austin.craigslist.org/a"))
	// A different host has its own bucket and does not wait.
	start := time.Now()
	require.NoError(t, hl.WaitURL(ctx, "https://boston.craigslist.org/a"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The same host is out of tokens; a cancelled wait fails fast.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, hl.WaitURL(short, "https://austin.craigslist.org/b"))
}
