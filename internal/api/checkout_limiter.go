package api

import (
	"sync"
	"time"

	"tidings/internal/payments"
)

// DefaultCheckoutDebounce is the minimum gap between checkout attempts from
// one client.
const DefaultCheckoutDebounce = time.Second

// CheckoutLimiter suppresses duplicate checkout submissions per client: an
// attempt within the debounce window of the previous one is a duplicate,
// and only one attempt per client may be in flight.
type CheckoutLimiter struct {
	mu       sync.Mutex
	debounce time.Duration
	lastByIP map[string]time.Time // IP -> start of the last accepted attempt
	inFlight map[string]bool      // IP -> attempt running
	now      func() time.Time
}

// NewCheckoutLimiter creates a limiter with the given debounce window.
func NewCheckoutLimiter(debounce time.Duration) *CheckoutLimiter {
	return &CheckoutLimiter{
		debounce: debounce,
		lastByIP: make(map[string]time.Time),
		inFlight: make(map[string]bool),
		now:      time.Now,
	}
}

// Begin starts an attempt for ip. The returned release must be called when
// the attempt finishes.
func (l *CheckoutLimiter) Begin(ip string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight[ip] {
		return nil, payments.ErrAttemptInFlight
	}
	now := l.now()
	if last, ok := l.lastByIP[ip]; ok && now.Sub(last) < l.debounce {
		return nil, payments.ErrDuplicateSubmission
	}

	l.lastByIP[ip] = now
	l.inFlight[ip] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.inFlight, ip)
			l.mu.Unlock()
		})
	}, nil
}

// InFlight reports whether ip has an attempt running.
func (l *CheckoutLimiter) InFlight(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight[ip]
}

// Tracked returns how many clients the limiter remembers.
func (l *CheckoutLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lastByIP)
}

// CleanupExpired forgets clients whose last attempt is older than maxAge and
// that have nothing in flight. Returns the number of entries removed.
func (l *CheckoutLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for ip, last := range l.lastByIP {
		if last.Before(cutoff) && !l.inFlight[ip] {
			delete(l.lastByIP, ip)
			removed++
		}
	}
	return removed
}
