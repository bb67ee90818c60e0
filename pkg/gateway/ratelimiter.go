package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// ClientRateLimiter implements a sliding one-minute window plus a cap on
// concurrent requests for one client.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	requests           []time.Time
	concurrentRequests int
	lastSeen           time.Time
}

// NewClientRateLimiterWithLimits creates a limiter with custom limits.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		lastSeen:          time.Now(),
	}
}

func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := r.requests[:0]
	for _, t := range r.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.requests = kept
}

// Acquire admits a request, returning a release func, or the reason it was
// rejected.
func (r *ClientRateLimiter) Acquire() (func(), string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.lastSeen = now
	r.prune(now)

	if r.concurrentRequests >= r.maxConcurrent {
		return nil, "too many concurrent requests"
	}
	if len(r.requests) >= r.requestsPerMinute {
		return nil, "rate limit exceeded"
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.concurrentRequests > 0 {
				r.concurrentRequests--
			}
			r.mu.Unlock()
		})
	}, ""
}

// Stats returns the requests in the current window and the in-flight count.
func (r *ClientRateLimiter) Stats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.concurrentRequests
}

func (r *ClientRateLimiter) idleSince(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.concurrentRequests > 0 {
		return 0
	}
	return now.Sub(r.lastSeen)
}

// RateLimiter keeps one ClientRateLimiter per remote address.
type RateLimiter struct {
	mu                sync.Mutex
	clients           map[string]*ClientRateLimiter
	requestsPerMinute int
	maxConcurrent     int
}

// NewRateLimiter creates a per-client limiter.
func NewRateLimiter(requestsPerMinute, maxConcurrent int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &RateLimiter{
		clients:           make(map[string]*ClientRateLimiter),
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
	}
}

func (l *RateLimiter) client(key string) *ClientRateLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, c := range l.clients {
		if k != key && c.idleSince(now) > 10*time.Minute {
			delete(l.clients, k)
		}
	}

	c, ok := l.clients[key]
	if !ok {
		c = NewClientRateLimiterWithLimits(l.requestsPerMinute, l.maxConcurrent)
		l.clients[key] = c
	}
	return c
}

// Middleware answers 429 once a client exceeds its limits.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		release, reason := l.client(key).Acquire()
		if release == nil {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, reason)
			return
		}
		defer release()
		next.ServeHTTP(w, r)
	})
}
