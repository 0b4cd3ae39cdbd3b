package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestIPRateLimiter_Middleware(t *testing.T) {
	req := require.New(t)
	l := NewIPRateLimiter(rate.Limit(0.001), 1)
	defer l.Stop()
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) int {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	// The burst is spent per address
	req.Equal(http.StatusNoContent, call("10.0.0.1:5000"))
	req.Equal(http.StatusTooManyRequests, call("10.0.0.1:5001"))
	req.Equal(http.StatusNoContent, call("10.0.0.2:5000"))
}

func TestClientIP(t *testing.T) {
	req := require.New(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:1234"
	req.Equal("192.0.2.7", ClientIP(r))

	r.RemoteAddr = "192.0.2.7"
	req.Equal("192.0.2.7", ClientIP(r))

	r.RemoteAddr = ""
	req.Equal("unknown_ip", ClientIP(r))
}

func TestIPRateLimiter_EvictsIdleVisitors(t *testing.T) {
	req := require.New(t)
	l := NewIPRateLimiter(rate.Limit(1), 1)
	defer l.Stop()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	req.True(l.Allow(r))

	removed, remaining := l.evictIdle(time.Now())
	req.Zero(removed)
	req.Equal(1, remaining)

	removed, remaining = l.evictIdle(time.Now().Add(idleTTL + time.Second))
	req.Equal(1, removed)
	req.Zero(remaining)
}
