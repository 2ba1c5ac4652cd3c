package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/errors"
	"github.com/teilomillet/rephrase/server/metrics"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client. Clients are identified by
// their gateway API key when one is sent, otherwise by remote IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *metrics.Metrics

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter creates a limiter from config. m may be nil.
func NewRateLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60),
		burst:    cfg.Burst,
		metrics:  m,
		visitors: make(map[string]*visitor),
	}
}

func (l *RateLimiter) get(client string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, exists := l.visitors[client]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[client] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Cleanup forgets clients not seen for maxIdle and returns how many were
// removed.
func (l *RateLimiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for client, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware rejects requests over the limit with RATE_LIMITED.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r)
		now := time.Now()
		limiter := l.get(client, now)

		res := limiter.ReserveN(now, 1)
		if !res.OK() {
			l.reject(w, r, client, time.Minute)
			return
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			l.reject(w, r, client, delay)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) reject(w http.ResponseWriter, r *http.Request, client string, wait time.Duration) {
	if l.metrics != nil {
		l.metrics.RateLimitHits.WithLabelValues(client).Inc()
		l.metrics.ErrorsTotal.WithLabelValues(string(errors.CodeRateLimited)).Inc()
	}
	retryAfter := int(math.Ceil(wait.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	rephraseErr := errors.NewRateLimitError(GetRequestID(r.Context()), retryAfter)
	rephraseErr.RetryAfter = strconv.Itoa(retryAfter)
	errors.WriteError(w, rephraseErr)
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return "key:" + keyFingerprint(key)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
