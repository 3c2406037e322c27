package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, Sleep: noSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Errorf("unexpected backoff delays: %v", delays)
	}
}

func TestDo_GivesUpAfterMaxRetries(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Sleep: noSleep(&delays)}
	want := errors.New("timeout")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxRetries: 5, BaseDelay: time.Millisecond, Sleep: noSleep(&delays)}
	want := errors.New("missing credentials")

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(want)
	})
	if err != want {
		t.Errorf("expected unwrapped %v, got %v", want, err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(delays) != 0 {
		t.Errorf("permanent errors must not sleep, got %v", delays)
	}
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxRetries: 5, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("unavailable")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}

	p.Jitter = 0.5
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v out of range", d)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("bad key")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Error("expected IsPermanent")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should unwrap to the original error")
	}
	if IsPermanent(base) {
		t.Error("plain errors are not permanent")
	}
}
