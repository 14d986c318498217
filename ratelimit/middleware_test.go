package ratelimit_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/txcore/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestDefaultKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r.RemoteAddr = "10.0.0.9:5555"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8")

	assert.Equal(t, "10.0.0.9", ratelimit.DefaultKeyFunc("", false)(r))
	assert.Equal(t, "1.2.3.4", ratelimit.DefaultKeyFunc("", true)(r))

	r.Header.Set("X-Api-Key", " client-123 ")
	assert.Equal(t, "client-123", ratelimit.DefaultKeyFunc("X-Api-Key", true)(r))
}

func TestMiddleware_HeadersAndDenial(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	tier := ratelimit.Tier{Name: "minute", MaxRequests: 2, Window: time.Minute}
	h := ratelimit.Middleware(ratelimit.Options{Limiter: l, Tiers: []ratelimit.Tier{tier}, KeyHeader: "X-Api-Key"})(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/accounts", nil)
		req.Header.Set("X-Api-Key", "partner/one")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), rec.Header().Get("X-RateLimit-Reset"))

	rec = do()
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	clock.Advance(20 * time.Second)
	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, "minute", body["tier"])
}

func TestMiddleware_FailClosedAnswers503(t *testing.T) {
	l, _, mem := newTestLimiter(t, ratelimit.WithFailurePolicy(ratelimit.FailClosed))
	mem.SetUnavailable(true)
	h := ratelimit.Middleware(ratelimit.Options{Limiter: l})(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/a", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMiddleware_FailOpenPassesThrough(t *testing.T) {
	l, _, mem := newTestLimiter(t)
	mem.SetUnavailable(true)
	h := ratelimit.Middleware(ratelimit.Options{Limiter: l})(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accounts/a", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_LogsUsage(t *testing.T) {
	l, clock, _ := newTestLimiter(t)
	tier := ratelimit.Tier{Name: "minute", MaxRequests: 1, Window: time.Minute}
	h := ratelimit.Middleware(ratelimit.Options{Limiter: l, Tiers: []ratelimit.Tier{tier}, KeyHeader: "X-Api-Key", LogUsage: true})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/counters/poll", nil)
		req.Header.Set("X-Api-Key", "partner-1")
		req.Header.Set("User-Agent", "sdk/1.0")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	usage, err := l.Usage(context.Background(), "partner-1", clock.Now().Add(-time.Minute), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, usage.TotalRequests)
	assert.Equal(t, map[int]int{http.StatusNoContent: 1, http.StatusTooManyRequests: 1}, usage.RequestsByStatus)
	assert.Equal(t, map[string]int{"/api/counters/poll": 2}, usage.RequestsByEndpoint)
}
