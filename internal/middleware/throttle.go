package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// IPThrottle limits requests per client IP with a token bucket
type IPThrottle struct {
	rps   rate.Limit
	burst int
	ttl   time.Duration

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewIPThrottle creates a throttle allowing rps requests per second with
// burst per client IP. Idle clients are forgotten after ttl.
func NewIPThrottle(rps float64, burst int, ttl time.Duration) *IPThrottle {
	return &IPThrottle{
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      ttl,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (t *IPThrottle) allow(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[ip] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}

// Prune forgets clients idle for longer than ttl
func (t *IPThrottle) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for ip, v := range t.visitors {
		if now.Sub(v.seen) > t.ttl {
			delete(t.visitors, ip)
		}
	}
}

// Handler answers 429 to clients over their budget
func (t *IPThrottle) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if !t.allow(ip) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
