package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"dynrest/internal/permission"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_Disabled(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, limiter)
	defer limiter.Close()

	rr := httptest.NewRecorder()
	limiter.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter_BurstExceeded(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{Enabled: true, RPS: 1, Burst: 2})
	require.NoError(t, err)
	defer limiter.Close()
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/users", nil)
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	limiter, err := NewRateLimiter(RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1})
	require.NoError(t, err)
	defer limiter.Close()
	handler := limiter.Middleware(okHandler())

	serve := func(req *http.Request) int {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	first := httptest.NewRequest(http.MethodGet, "/users", nil)
	first.RemoteAddr = "10.0.0.1:5000"
	second := httptest.NewRequest(http.MethodGet, "/users", nil)
	second.RemoteAddr = "10.0.0.2:5000"
	alice := httptest.NewRequest(http.MethodGet, "/users", nil)
	alice.RemoteAddr = "10.0.0.1:6000"
	alice = alice.WithContext(permission.WithIdentity(alice.Context(), permission.Identity{ID: int64(1)}))

	assert.Equal(t, http.StatusOK, serve(first))
	assert.Equal(t, http.StatusTooManyRequests, serve(first))
	assert.Equal(t, http.StatusOK, serve(second))
	assert.Equal(t, http.StatusOK, serve(alice), "identities are limited apart from their address")
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(rate.NewLimiter(5, 1)))
	assert.Equal(t, 4, retryAfterSeconds(rate.NewLimiter(0.25, 1)))
	assert.Equal(t, 1, retryAfterSeconds(rate.NewLimiter(rate.Inf, 0)))
}
