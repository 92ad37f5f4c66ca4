package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("k")
		assert.True(t, ok, "request %d is within the burst", i)
	}
	ok, wait := l.Allow("k")
	assert.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.01)

	*now = now.Add(time.Second)
	ok, _ = l.Allow("k")
	assert.True(t, ok, "one token refilled after a second at 60/min")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer l.Stop()

	l.Allow("a")
	l.Allow("a")
	ok, _ := l.Allow("a")
	assert.False(t, ok)

	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestLimiterRefillIsCapped(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 600, BurstSize: 2})
	defer l.Stop()

	l.Allow("k")
	*now = now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestEvictIdle(t *testing.T) {
	l, now := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	l.Allow("k")
	*now = now.Add(3 * time.Minute)
	l.evictIdle()
	assert.Empty(t, l.clients)
}

func TestFromRPM(t *testing.T) {
	cfg := FromRPM(120)
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)

	assert.Equal(t, 5, FromRPM(12).BurstSize)
	assert.Equal(t, DefaultConfig(), FromRPM(0))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("actorID", id)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusNoContent, do("usr_a").Code)
	w := do("usr_a")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusNoContent, do("usr_b").Code, "actors have separate buckets")
	assert.Equal(t, http.StatusNoContent, do("").Code, "anonymous callers are keyed by IP")
}
