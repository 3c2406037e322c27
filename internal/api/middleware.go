package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tidings/internal/logging"
)

// Logger wraps a handler with request logging.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)

		// Playback issues many Range requests; only log the first
		if r.Header.Get("Range") != "" && !strings.HasPrefix(r.Header.Get("Range"), "bytes=0-") {
			return
		}

		logging.HTTP.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins []string // Empty or nil means allow all (development mode)
}

// CORS adds CORS headers with configurable origin restrictions.
// In production, set AllowedOrigins to restrict which domains can access the API.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(cfg.AllowedOrigins) == 0

	allowedSet := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		allowedSet[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowedSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, HEAD, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Range")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, Content-Length, X-Downloads-Remaining")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streamed downloads reach the client as they are written.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general API requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// CheckoutRequestsPerMinute is the rate limit for checkout creation per IP
	CheckoutRequestsPerMinute float64
	// CheckoutBurstSize is the maximum burst for checkout creation
	CheckoutBurstSize int
	// IdleTTL is how long an idle IP keeps its limiter
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:         10,
		BurstSize:                 20,
		CheckoutRequestsPerMinute: 10,
		CheckoutBurstSize:         3,
		IdleTTL:                   10 * time.Minute,
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// ipRateLimiter manages per-IP rate limiters and forgets idle IPs.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func newIPRateLimiterWithTTL(r float64, burst int, ttl time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().Unix()
	if v, exists := rl.limiters.Load(ip); exists {
		e := v.(*limiterEntry)
		e.lastSeen.Store(now)
		return e.limiter
	}

	e := &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	e.lastSeen.Store(now)
	v, _ := rl.limiters.LoadOrStore(ip, e)
	return v.(*limiterEntry).limiter
}

func (rl *ipRateLimiter) cleanupLoop() {
	interval := rl.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.ttl).Unix()
	rl.limiters.Range(func(key, v any) bool {
		if v.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterMiddleware applies per-IP limits, stricter for checkout creation.
type RateLimiterMiddleware struct {
	general  *ipRateLimiter
	checkout *ipRateLimiter
}

// NewRateLimiter creates a rate limiter. Call Stop when done.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiterMiddleware {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultRateLimitConfig().IdleTTL
	}
	return &RateLimiterMiddleware{
		general:  newIPRateLimiterWithTTL(cfg.RequestsPerSecond, cfg.BurstSize, cfg.IdleTTL),
		checkout: newIPRateLimiterWithTTL(cfg.CheckoutRequestsPerMinute/60, cfg.CheckoutBurstSize, cfg.IdleTTL),
	}
}

// Middleware wraps next with the rate limits.
func (m *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)

		var limiter *rate.Limiter
		if r.Method == "POST" && r.URL.Path == "/api/checkout" {
			limiter = m.checkout.getLimiter(ip)
		} else {
			limiter = m.general.getLimiter(ip)
		}

		if !limiter.Allow() {
			logging.HTTP.Printf("rate limit exceeded for %s on %s %s", ip, r.Method, r.URL.Path)
			writeJSONError(w, http.StatusTooManyRequests, apiError{
				Error:    "Too many requests. Please wait a moment and try again.",
				Category: categoryTransient,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop ends the cleanup goroutines.
func (m *RateLimiterMiddleware) Stop() {
	m.general.Stop()
	m.checkout.Stop()
}

// requireAPIKey rejects requests without "Authorization: Bearer <key>".
func requireAPIKey(key string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, apiError{
				Error:    "Missing or invalid API key.",
				Category: categoryConfiguration,
			})
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// extractIP gets the client IP from the request, checking X-Forwarded-For for proxied requests.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
