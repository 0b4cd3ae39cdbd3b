/*
Package limiter rate limits requests per client IP address with token buckets.

Buckets of addresses that have not been seen for a while are evicted by a background
sweep so the map does not grow with every address that ever connected.
*/
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatgw/internal/pkg/errs"
	"chatgw/internal/pkg/logx"
	"chatgw/internal/pkg/resp"
)

const (
	sweepInterval = 3 * time.Minute
	idleTTL       = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter holds one token bucket per client address.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r rate.Limit
	b int

	stopOnce sync.Once
	stop     chan struct{}
}

// NewIPRateLimiter allows each address r events per second with bursts of b, and starts
// the idle sweep. Call Stop to end the sweep.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		r:        r,
		b:        b,
		stop:     make(chan struct{}),
	}

	go i.sweep()

	return i
}

// Stop ends the background sweep. The limiter keeps working afterwards.
func (i *IPRateLimiter) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

// Allow reports whether a request from r's client address may proceed, and spends a token if so.
func (i *IPRateLimiter) Allow(r *http.Request) bool {
	ip := ClientIP(r)

	i.mu.Lock()
	v, ok := i.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(i.r, i.b)}
		i.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	i.mu.Unlock()

	return v.limiter.Allow()
}

func (i *IPRateLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stop:
			return
		case now := <-ticker.C:
			removed, remaining := i.evictIdle(now)
			if removed > 0 {
				logx.Debug("Rate limiter sweep finished.", "removed", removed, "remaining", remaining)
			}
		}
	}
}

func (i *IPRateLimiter) evictIdle(now time.Time) (removed, remaining int) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for ip, v := range i.visitors {
		if now.Sub(v.lastSeen) > idleTTL {
			delete(i.visitors, ip)
			removed++
		}
	}
	return removed, len(i.visitors)
}

// Middleware rejects requests over the limit with errs.ErrRateLimitExceeded (HTTP 429).
func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Allow(r) {
			logx.Warn("Request rejected: Rate limit exceeded.", "ip", logx.AnonymizeIP(ClientIP(r)), "path", r.URL.Path)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of r.RemoteAddr. Behind chi's RealIP middleware this is
// the forwarded client address.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	if ip == "" {
		ip = "unknown_ip"
	}

	return ip
}
