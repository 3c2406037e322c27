package payments

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrNotConfigured means credentials are missing or rejected. Never retried.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrUnavailable is a transient network or provider failure.
	ErrUnavailable = errors.New("payment provider unavailable")
	// ErrRejected means the provider refused the request as invalid.
	ErrRejected = errors.New("payment provider rejected the request")

	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrInvalidSessionID = errors.New("invalid checkout session id")

	ErrTimeout             = errors.New("checkout timed out")
	ErrDuplicateSubmission = errors.New("duplicate checkout submission")
	ErrAttemptInFlight     = errors.New("checkout already in progress")
)

// Payment statuses reported by the provider.
const (
	StatusPaid   = "paid"
	StatusUnpaid = "unpaid"
)

// Purchase types carried in session metadata under "type".
const (
	TypeDonation = "donation"
	TypeDownload = "download"
)

// Metadata keys attached to sessions.
const (
	MetaContentID = "contentId"
	MetaTitle     = "title"
	MetaArtist    = "artist"
	MetaType      = "type"
)

var sessionIDPattern = regexp.MustCompile(`^cs_[a-zA-Z0-9_]{1,250}$`)

// ValidSessionID reports whether id looks like a checkout session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// LineItem is one purchased line of a session.
type LineItem struct {
	Description string `json:"description"`
	AmountTotal int64  `json:"amount_total"`
	Quantity    int64  `json:"quantity"`
}

// Session is a hosted checkout session as seen by this service. It is owned
// by the payment provider and never mutated here.
type Session struct {
	ID            string
	URL           string
	Mode          string
	AmountTotal   int64 // minor units
	Currency      string
	CustomerEmail string
	PaymentStatus string
	Status        string
	Metadata      map[string]string
	Created       time.Time
	LineItems     []LineItem
}

// Paid reports whether the provider considers the session paid.
func (s *Session) Paid() bool {
	return s.PaymentStatus == StatusPaid
}

// Type returns the purchase type, defaulting to a plain donation.
func (s *Session) Type() string {
	if t := s.Metadata[MetaType]; t != "" {
		return t
	}
	return TypeDonation
}

// SessionRequest describes a checkout session to create.
type SessionRequest struct {
	AmountMinor    int64
	Currency       string
	Description    string
	Metadata       map[string]string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// SessionUpdate is emitted when the provider reports a completed session.
type SessionUpdate struct {
	Session *Session
}

// CheckoutBackend defines the hosted checkout operations.
type CheckoutBackend interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	SubscribeSessions(ctx context.Context) (<-chan SessionUpdate, error)
	Close() error
}
