// Package ratelimit provides per-client token bucket limiting middleware for
// net/http.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client IP.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	maxKeys int
	stop    chan struct{}
	counter prometheus.Counter // optional: incremented on each 429
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing rps requests per second with the given
// burst per client.
func New(rps float64, burst int, opts ...Option) *Limiter {
	l := &Limiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(rps),
		burst:   burst,
		maxKeys: 100000,
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup()
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter sets a Prometheus counter incremented on each rejection.
func WithCounter(c prometheus.Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithMaxKeys caps the number of tracked clients before LRU eviction.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxKeys = n
		}
	}
}

// Middleware enforces the limit per client IP (X-Real-IP, then RemoteAddr
// host).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether the client may proceed, consuming a token.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= l.maxKeys {
			l.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()
	return c.limiter.Allow()
}

// evictOldest removes the least recently seen client. Caller holds l.mu.
func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, c := range l.clients {
		if first || c.lastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = c.lastSeen
			first = false
		}
	}
	if !first {
		delete(l.clients, oldestKey)
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, k)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
