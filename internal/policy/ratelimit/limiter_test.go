package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledLimiter(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	assert.False(t, l.Enabled())
	for i := 0; i < 5; i++ {
		assert.Zero(t, l.Reserve("k"))
	}
	assert.Zero(t, l.Keys())

	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := l.Middleware(next)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var nilLimiter *Limiter
	assert.False(t, nilLimiter.Enabled())
	assert.Zero(t, nilLimiter.Reserve("k"))
}

func TestReserveDoesNotConsumeWhenDenied(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 2})
	assert.Zero(t, l.Reserve("client"))
	assert.Zero(t, l.Reserve("client"))
	assert.Positive(t, l.Reserve("client"))
	assert.Positive(t, l.Reserve("client"))
	assert.Zero(t, l.Reserve("other"))
}

func TestMiddlewareReturns429(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.5, Burst: 1})
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/screenshot", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1234").Code)
	rec := call("10.0.0.1:5678")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1234").Code)
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4431"
	assert.Equal(t, "192.0.2.7", ClientKey(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientKey(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(req))
}

func TestIdleKeysAreSwept(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 100, Burst: 10, IdleTTL: time.Minute})
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Reserve("stale")

	now = now.Add(2 * time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Reserve("fresh")
	}
	assert.Equal(t, 1, l.Keys())
}
