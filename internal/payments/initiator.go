package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"tidings/internal/catalog"
	"tidings/internal/logging"
	"tidings/internal/retry"
)

// DefaultAttemptTimeout bounds one checkout attempt end to end.
const DefaultAttemptTimeout = 10 * time.Second

// Provider limits on session metadata.
const (
	maxMetadataKeys   = 50
	maxMetadataKeyLen = 40
	maxMetadataValLen = 500
	maxDescriptionLen = 500
)

// ValidationError is a request problem found before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Limits are the accepted checkout amounts in minor units.
type Limits struct {
	MinMinor int64
	MaxMinor int64
	Currency string
}

// DefaultLimits accepts 1.00 to 999999.00 USD.
func DefaultLimits() Limits {
	return Limits{MinMinor: 100, MaxMinor: 99999900, Currency: "usd"}
}

// ToMinor converts a decimal amount to minor units, rounding to the nearest cent.
func ToMinor(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// AttemptGuard suppresses duplicate checkout submissions from one client.
// Begin returns ErrDuplicateSubmission or ErrAttemptInFlight to reject an
// attempt; otherwise the returned release must be called when it finishes.
type AttemptGuard interface {
	Begin(key string) (release func(), err error)
}

// CheckoutRequest is a donation or purchase as submitted by a client.
type CheckoutRequest struct {
	Amount      float64 // decimal currency units
	Description string
	Metadata    map[string]string
	ContentID   string
	Email       string

	// ClientKey identifies the submitter for duplicate suppression.
	ClientKey string
}

// InitiatorConfig configures an Initiator.
type InitiatorConfig struct {
	Limits  Limits
	BaseURL string // public site URL used for the return pages
	Catalog *catalog.Catalog
	Guard   AttemptGuard
	Retry   *retry.Policy // nil means retry.Default()
	Timeout time.Duration
}

// Initiator validates checkout requests and creates hosted checkout sessions.
type Initiator struct {
	backend CheckoutBackend
	limits  Limits
	baseURL string
	catalog *catalog.Catalog
	guard   AttemptGuard
	policy  retry.Policy
	timeout time.Duration
}

// NewInitiator creates an Initiator. A zero Timeout means DefaultAttemptTimeout.
// Transient provider failures are retried per cfg.Retry.
func NewInitiator(backend CheckoutBackend, cfg InitiatorConfig) *Initiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAttemptTimeout
	}
	if cfg.Limits.Currency == "" {
		cfg.Limits.Currency = DefaultLimits().Currency
	}
	policy := retry.Default()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}
	return &Initiator{
		backend: backend,
		limits:  cfg.Limits,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		catalog: cfg.Catalog,
		guard:   cfg.Guard,
		policy:  policy,
		timeout: cfg.Timeout,
	}
}

// Limits returns the configured amount limits.
func (i *Initiator) Limits() Limits {
	return i.limits
}

// Validate checks req locally and builds the session request it would send.
func (i *Initiator) Validate(req *CheckoutRequest) (*SessionRequest, error) {
	amount := req.Amount
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, invalid("amount must be a positive number")
	}
	// Compare before converting; int64 overflows for very large amounts.
	if math.Round(amount*100) > float64(i.limits.MaxMinor) {
		return nil, invalid("amount must be at most %s", formatMinor(i.limits.MaxMinor))
	}
	minor := ToMinor(amount)
	if minor < i.limits.MinMinor {
		return nil, invalid("amount must be at least %s", formatMinor(i.limits.MinMinor))
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return nil, invalid("description is required")
	}
	if len(desc) > maxDescriptionLen {
		return nil, invalid("description is too long")
	}

	email := strings.TrimSpace(req.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return nil, invalid("email address is not valid")
		}
	}

	if len(req.Metadata) > maxMetadataKeys-4 {
		return nil, invalid("too many metadata entries")
	}
	meta := make(map[string]string, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		switch {
		case k == "" || len(k) > maxMetadataKeyLen:
			return nil, invalid("metadata key %q is not valid", k)
		case len(v) > maxMetadataValLen:
			return nil, invalid("metadata value for %q is too long", k)
		case k == MetaType || k == MetaContentID || k == MetaTitle || k == MetaArtist:
			return nil, invalid("metadata key %q is reserved", k)
		}
		meta[k] = v
	}

	sreq := &SessionRequest{
		AmountMinor:   minor,
		Currency:      i.limits.Currency,
		Description:   desc,
		CustomerEmail: email,
		SuccessURL:    i.baseURL + "/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     i.baseURL + "/donate?canceled=1",
	}

	if req.ContentID == "" {
		meta[MetaType] = TypeDonation
		sreq.Metadata = meta
		return sreq, nil
	}

	if i.catalog == nil {
		return nil, invalid("content purchases are not available")
	}
	item, err := i.catalog.Get(req.ContentID)
	if err != nil {
		return nil, invalid("unknown content %q", req.ContentID)
	}
	if minor < item.PriceCents {
		return nil, invalid("amount must be at least %s for %q", formatMinor(item.PriceCents), item.Title)
	}
	meta[MetaType] = TypeDownload
	meta[MetaContentID] = item.ID
	meta[MetaTitle] = truncate(item.Title, maxMetadataValLen)
	meta[MetaArtist] = truncate(item.Artist, maxMetadataValLen)
	sreq.Metadata = meta
	sreq.SuccessURL = i.baseURL + "/download/success?session_id={CHECKOUT_SESSION_ID}"
	sreq.CancelURL = i.baseURL + "/content/" + item.ID + "?canceled=1"
	return sreq, nil
}

// Start validates req and creates a checkout session for it. Transient
// provider failures are retried; configuration and rejection errors are not.
// If ctx is cancelled before the session comes back, the session is
// discarded and ctx.Err() is returned.
func (i *Initiator) Start(ctx context.Context, req *CheckoutRequest) (*Session, error) {
	sreq, err := i.Validate(req)
	if err != nil {
		return nil, err
	}

	if i.guard != nil {
		release, err := i.guard.Begin(req.ClientKey)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	// Retries reuse the key so the provider never creates two sessions for one attempt.
	sreq.IdempotencyKey = uuid.NewString()

	policy := i.policy
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			logging.Stripe.Printf("create session retry %d in %v: %v", attempt, delay, err)
		}
	}

	var sess *Session
	err = policy.Do(attemptCtx, func(ctx context.Context) error {
		s, err := i.backend.CreateSession(ctx, sreq)
		if err != nil {
			if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrRejected) {
				return retry.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	})

	if ctx.Err() != nil {
		if sess != nil {
			logging.Stripe.Printf("discarding session %s: client went away", sess.ID)
		}
		return nil, ctx.Err()
	}
	if err != nil {
		if attemptCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %v: %v", ErrTimeout, i.timeout, err)
		}
		return nil, err
	}
	if attemptCtx.Err() != nil {
		return nil, fmt.Errorf("%w after %v", ErrTimeout, i.timeout)
	}
	return sess, nil
}

func formatMinor(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// copyMetadata returns a shallow copy that is never nil.
func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}
