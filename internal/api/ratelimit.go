package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter applies a token-bucket rate limit per client IP. Idle
// entries are dropped so the map cannot grow without bound.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rps     rate.Limit
	burst   int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		clients: make(map[string]*clientEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

func (l *clientLimiter) allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.clients[host]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[host] = entry
	}
	entry.lastSeen = now

	if len(l.clients) > 1024 {
		for ip, e := range l.clients {
			if now.Sub(e.lastSeen) > 10*time.Minute {
				delete(l.clients, ip)
			}
		}
	}
	return entry.limiter.Allow()
}

// withRateLimit wraps next with the per-client limiter when configured.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
