// Package retry runs an operation again after transient failures with
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry, doubled each time
	MaxDelay   time.Duration // ceiling for a single delay; zero means none
	Jitter     float64       // fraction of each delay randomized, 0..1

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, when set, is called before each retry.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default is two retries starting at 300ms.
func Default() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  300 * time.Millisecond,
		MaxDelay:   3 * time.Second,
		Jitter:     0.2,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the retries are
// used up, or ctx is done. The last error from fn is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.MaxRetries || ctx.Err() != nil {
			return err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

// Delay returns the wait before retry number attempt+1.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d < 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 && d > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
