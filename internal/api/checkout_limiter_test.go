package api

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tidings/internal/payments"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter() (*CheckoutLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := NewCheckoutLimiter(time.Second)
	l.now = clock.Now
	return l, clock
}

func TestCheckoutLimiter_Debounce(t *testing.T) {
	limiter, clock := newTestLimiter()
	ip := "192.168.1.1"

	release, err := limiter.Begin(ip)
	if err != nil {
		t.Fatalf("first attempt should be allowed: %v", err)
	}
	release()

	clock.Advance(500 * time.Millisecond)
	if _, err := limiter.Begin(ip); !errors.Is(err, payments.ErrDuplicateSubmission) {
		t.Errorf("expected ErrDuplicateSubmission within debounce, got %v", err)
	}

	clock.Advance(600 * time.Millisecond)
	release, err = limiter.Begin(ip)
	if err != nil {
		t.Errorf("attempt after debounce should be allowed: %v", err)
	}
	release()
}

func TestCheckoutLimiter_InFlight(t *testing.T) {
	limiter, clock := newTestLimiter()
	ip := "192.168.1.1"

	release, err := limiter.Begin(ip)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if !limiter.InFlight(ip) {
		t.Error("expected attempt in flight")
	}

	clock.Advance(5 * time.Second)
	if _, err := limiter.Begin(ip); !errors.Is(err, payments.ErrAttemptInFlight) {
		t.Errorf("expected ErrAttemptInFlight, got %v", err)
	}

	release()
	release() // releasing twice is harmless
	if limiter.InFlight(ip) {
		t.Error("expected nothing in flight after release")
	}
	if _, err := limiter.Begin(ip); err != nil {
		t.Errorf("attempt after release should be allowed: %v", err)
	}
}

func TestCheckoutLimiter_DifferentIPs(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Begin(fmt.Sprintf("192.168.1.%d", i)); err != nil {
			t.Errorf("IP %d should be independent: %v", i, err)
		}
	}
	if limiter.Tracked() != 3 {
		t.Errorf("expected 3 tracked clients, got %d", limiter.Tracked())
	}
}

func TestCheckoutLimiter_CleanupExpired(t *testing.T) {
	limiter, clock := newTestLimiter()

	r1, _ := limiter.Begin("10.0.0.1")
	r1()
	limiter.Begin("10.0.0.2") // still in flight

	clock.Advance(2 * time.Hour)
	r3, _ := limiter.Begin("10.0.0.3")
	r3()

	removed := limiter.CleanupExpired(time.Hour)
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if limiter.Tracked() != 2 {
		t.Errorf("expected in-flight and recent clients to remain, got %d", limiter.Tracked())
	}
}

func TestCheckoutLimiter_Concurrency(t *testing.T) {
	limiter := NewCheckoutLimiter(time.Minute)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, err := limiter.Begin("203.0.113.9"); err == nil {
				accepted.Add(1)
				release()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter.CleanupExpired(time.Hour)
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Errorf("expected exactly one accepted attempt, got %d", accepted.Load())
	}
}
