package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tidings/internal/catalog"
	"tidings/internal/retry"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Item{
		{ID: "grace-1", Title: "Amazing Grace", Artist: "Pastor Lee", Language: "en", PriceCents: 500},
		{ID: "free-1", Title: "Welcome", Artist: "Choir", Language: "en", Free: true},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestInitiator(t *testing.T, backend CheckoutBackend, guard AttemptGuard) *Initiator {
	policy := retry.Default()
	policy.Sleep = noSleep
	return NewInitiator(backend, InitiatorConfig{
		Limits:  DefaultLimits(),
		BaseURL: "https://tidings.example/",
		Catalog: testCatalog(t),
		Guard:   guard,
		Retry:   &policy,
	})
}

func TestInitiator_AmountValidation(t *testing.T) {
	tests := []struct {
		amount float64
		ok     bool
	}{
		{0, false},
		{-5, false},
		{0.50, false},
		{0.994, false},
		{1.00, true},
		{25.5, true},
		{999999, true},
		{1000000, false},
		{1e17, false},
		{1e300, false},
	}

	for _, tt := range tests {
		backend := NewMockCheckoutClient()
		initiator := newTestInitiator(t, backend, nil)

		_, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: tt.amount, Description: "Gift"})
		if tt.ok && err != nil {
			t.Errorf("amount %v: expected accepted, got %v", tt.amount, err)
		}
		if !tt.ok {
			if !IsValidation(err) {
				t.Errorf("amount %v: expected validation error, got %v", tt.amount, err)
			}
			if backend.CreateCalls() != 0 {
				t.Errorf("amount %v: rejected amount reached the provider", tt.amount)
			}
		}
	}
}

func TestInitiator_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{"empty description", CheckoutRequest{Amount: 5, Description: "   "}},
		{"bad email", CheckoutRequest{Amount: 5, Description: "Gift", Email: "not-an-email"}},
		{"reserved metadata", CheckoutRequest{Amount: 5, Description: "Gift", Metadata: map[string]string{MetaType: "download"}}},
		{"long metadata key", CheckoutRequest{Amount: 5, Description: "Gift", Metadata: map[string]string{strings.Repeat("k", 41): "v"}}},
		{"long metadata value", CheckoutRequest{Amount: 5, Description: "Gift", Metadata: map[string]string{"note": strings.Repeat("v", 501)}}},
		{"unknown content", CheckoutRequest{Amount: 5, Description: "Gift", ContentID: "nope"}},
		{"below content price", CheckoutRequest{Amount: 4.99, Description: "Gift", ContentID: "grace-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := NewMockCheckoutClient()
			initiator := newTestInitiator(t, backend, nil)

			_, err := initiator.Start(context.Background(), &tt.req)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if backend.CreateCalls() != 0 {
				t.Error("invalid request reached the provider")
			}
		})
	}
}

func TestInitiator_Donation(t *testing.T) {
	backend := NewMockCheckoutClient()
	initiator := newTestInitiator(t, backend, nil)

	sess, err := initiator.Start(context.Background(), &CheckoutRequest{
		Amount:      10,
		Description: "Monthly gift",
		Metadata:    map[string]string{"campaign": "spring"},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sess.ID == "" || sess.URL == "" || sess.Mode != "payment" {
		t.Errorf("unexpected session %+v", sess)
	}
	if sess.AmountTotal != 1000 {
		t.Errorf("expected 1000 minor units, got %d", sess.AmountTotal)
	}
	if sess.Type() != TypeDonation || sess.Metadata["campaign"] != "spring" {
		t.Errorf("unexpected metadata %v", sess.Metadata)
	}
}

func TestInitiator_ContentPurchase(t *testing.T) {
	backend := NewMockCheckoutClient()
	initiator := newTestInitiator(t, backend, nil)

	var seen *SessionRequest
	spy := &spyBackend{CheckoutBackend: backend, onCreate: func(r *SessionRequest) { seen = r }}
	initiator.backend = spy

	sess, err := initiator.Start(context.Background(), &CheckoutRequest{
		Amount:      5,
		Description: "Amazing Grace download",
		ContentID:   "grace-1",
		Email:       "jane@example.org",
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if sess.Type() != TypeDownload {
		t.Errorf("expected download type, got %q", sess.Type())
	}
	if sess.Metadata[MetaContentID] != "grace-1" || sess.Metadata[MetaTitle] != "Amazing Grace" || sess.Metadata[MetaArtist] != "Pastor Lee" {
		t.Errorf("unexpected metadata %v", sess.Metadata)
	}
	if !strings.HasPrefix(seen.SuccessURL, "https://tidings.example/download/success?session_id=") {
		t.Errorf("unexpected success url %q", seen.SuccessURL)
	}
	if seen.CustomerEmail != "jane@example.org" {
		t.Errorf("expected customer email to be forwarded, got %q", seen.CustomerEmail)
	}
}

func TestInitiator_RetriesTransientFailures(t *testing.T) {
	backend := NewMockCheckoutClient()
	backend.FailNext(ErrUnavailable, ErrUnavailable)

	var keys []string
	initiator := newTestInitiator(t, backend, nil)
	initiator.backend = &spyBackend{CheckoutBackend: backend, onCreate: func(r *SessionRequest) { keys = append(keys, r.IdempotencyKey) }}

	if _, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift"}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if backend.CreateCalls() != 3 {
		t.Errorf("expected 3 calls, got %d", backend.CreateCalls())
	}
	for _, k := range keys {
		if k == "" || k != keys[0] {
			t.Errorf("retries must share one idempotency key, got %v", keys)
			break
		}
	}
}

func TestInitiator_RetriesExhausted(t *testing.T) {
	backend := NewMockCheckoutClient()
	backend.FailNext(ErrUnavailable, ErrUnavailable, ErrUnavailable, ErrUnavailable)
	initiator := newTestInitiator(t, backend, nil)

	_, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if backend.CreateCalls() != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d calls", backend.CreateCalls())
	}
}

func TestInitiator_DefaultRetryPolicy(t *testing.T) {
	backend := NewMockCheckoutClient()
	backend.FailNext(ErrUnavailable)
	initiator := NewInitiator(backend, InitiatorConfig{
		Limits:  DefaultLimits(),
		BaseURL: "https://tidings.example/",
		Catalog: testCatalog(t),
	})
	initiator.policy.Sleep = noSleep

	if _, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift"}); err != nil {
		t.Fatalf("expected success after a retry, got %v", err)
	}
	if backend.CreateCalls() != 2 {
		t.Errorf("expected 2 calls, got %d", backend.CreateCalls())
	}
}

func TestInitiator_AmountOverflowReportsMaximum(t *testing.T) {
	initiator := newTestInitiator(t, NewMockCheckoutClient(), nil)
	for _, amount := range []float64{1e17, 1e19, 1e300} {
		_, err := initiator.Validate(&CheckoutRequest{Amount: amount, Description: "Gift"})
		if !IsValidation(err) || !strings.Contains(err.Error(), "at most") {
			t.Errorf("amount %v: expected an at-most error, got %v", amount, err)
		}
	}
}

func TestInitiator_ConfigurationErrorNotRetried(t *testing.T) {
	for _, cause := range []error{ErrNotConfigured, ErrRejected} {
		backend := NewMockCheckoutClient()
		backend.FailNext(cause, cause, cause)
		initiator := newTestInitiator(t, backend, nil)

		_, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift"})
		if !errors.Is(err, cause) {
			t.Errorf("expected %v, got %v", cause, err)
		}
		if backend.CreateCalls() != 1 {
			t.Errorf("%v: expected a single call, got %d", cause, backend.CreateCalls())
		}
	}
}

// blockingBackend never answers until the context is done.
type blockingBackend struct {
	CheckoutBackend
}

func (b *blockingBackend) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInitiator_Timeout(t *testing.T) {
	initiator := newTestInitiator(t, &blockingBackend{NewMockCheckoutClient()}, nil)
	initiator.timeout = 20 * time.Millisecond

	_, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInitiator_CancelledByCaller(t *testing.T) {
	backend := NewMockCheckoutClient()
	ctx, cancel := context.WithCancel(context.Background())

	initiator := newTestInitiator(t, backend, nil)
	initiator.backend = &spyBackend{CheckoutBackend: backend, onCreate: func(*SessionRequest) { cancel() }}

	sess, err := initiator.Start(ctx, &CheckoutRequest{Amount: 5, Description: "Gift"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sess != nil {
		t.Error("a superseded attempt must not return its session")
	}
}

type fakeGuard struct {
	err      error
	released int
}

func (g *fakeGuard) Begin(key string) (func(), error) {
	if g.err != nil {
		return nil, g.err
	}
	return func() { g.released++ }, nil
}

func TestInitiator_Guard(t *testing.T) {
	backend := NewMockCheckoutClient()
	guard := &fakeGuard{err: ErrAttemptInFlight}
	initiator := newTestInitiator(t, backend, guard)

	_, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift", ClientKey: "10.0.0.1"})
	if !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight, got %v", err)
	}
	if backend.CreateCalls() != 0 {
		t.Error("guarded attempt reached the provider")
	}

	guard.err = nil
	if _, err := initiator.Start(context.Background(), &CheckoutRequest{Amount: 5, Description: "Gift", ClientKey: "10.0.0.1"}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if guard.released != 1 {
		t.Errorf("expected release to be called once, got %d", guard.released)
	}
}

// spyBackend records session requests before delegating.
type spyBackend struct {
	CheckoutBackend
	onCreate func(*SessionRequest)
}

func (s *spyBackend) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	s.onCreate(req)
	return s.CheckoutBackend.CreateSession(ctx, req)
}
