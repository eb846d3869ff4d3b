package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	DoctorPerMinute int
	DoctorBurst     int
	IdleTTL         time.Duration
}

// RateLimiter applies one token bucket per client IP and one per doctor
// addressed under /api/doctors/{id}.
type RateLimiter struct {
	ipLimiter     *keyedLimiter
	doctorLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	doctorPerMinute, doctorBurst := cfg.DoctorPerMinute, cfg.DoctorBurst
	if doctorPerMinute <= 0 {
		doctorPerMinute = 5 * max(cfg.IPPerMinute, 60)
	}
	if doctorBurst <= 0 {
		doctorBurst = 5 * max(cfg.IPBurst, 20)
	}
	return &RateLimiter{
		ipLimiter:     newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst, ttl),
		doctorLimiter: newKeyedLimiter(doctorPerMinute, doctorBurst, ttl),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, "", http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if doctorID := doctorFromPath(r.URL.Path); doctorID != "" && !l.doctorLimiter.allow(doctorID) {
			writeError(w, "", http.StatusTooManyRequests, "rate_limited", "too many requests for this doctor")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters map[string]*visitor
	swept    time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newKeyedLimiter(perMinute, burst int, ttl time.Duration) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		ttl:      ttl,
		limiters: make(map[string]*visitor),
		swept:    time.Now(),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	now := time.Now()
	if now.Sub(l.swept) > l.ttl {
		for k, v := range l.limiters {
			if now.Sub(v.seen) > l.ttl {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}
	v, ok := l.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = v
	}
	v.seen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func doctorFromPath(path string) string {
	parts := splitPath(path, "/api/doctors/")
	if !strings.HasPrefix(path, "/api/doctors/") || len(parts) == 0 {
		return ""
	}
	return parts[0]
}
