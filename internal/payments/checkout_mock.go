package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"tidings/internal/logging"
)

// MockCheckoutClient implements CheckoutBackend for testing and development.
type MockCheckoutClient struct {
	mu       sync.Mutex
	sessions map[string]*Session
	updates  chan SessionUpdate
	closed   bool

	// AutoComplete marks sessions paid after the given delay when non-zero.
	AutoComplete time.Duration
	// CheckoutURL is the base of the fake hosted page.
	CheckoutURL string

	failures []error
	creates  int
}

// NewMockCheckoutClient creates a new mock checkout client.
func NewMockCheckoutClient() *MockCheckoutClient {
	return &MockCheckoutClient{
		sessions:    make(map[string]*Session),
		updates:     make(chan SessionUpdate, 100),
		CheckoutURL: "https://checkout.invalid/pay/",
	}
}

// FailNext queues errors returned by the next CreateSession calls, in order.
func (m *MockCheckoutClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// CreateCalls returns how many times CreateSession was invoked.
func (m *MockCheckoutClient) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

func (m *MockCheckoutClient) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creates++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:            id,
		URL:           m.CheckoutURL + id,
		Mode:          "payment",
		AmountTotal:   req.AmountMinor,
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		PaymentStatus: StatusUnpaid,
		Status:        "open",
		Metadata:      copyMetadata(req.Metadata),
		Created:       time.Now().UTC(),
		LineItems: []LineItem{{
			Description: req.Description,
			AmountTotal: req.AmountMinor,
			Quantity:    1,
		}},
	}
	m.sessions[id] = sess

	if m.AutoComplete > 0 {
		delay := m.AutoComplete
		go func() {
			time.Sleep(delay)
			logging.Stripe.Printf("mock: auto-completing session %s", id[:12])
			m.Complete(id, "")
		}()
	}

	return copySession(sess), nil
}

func (m *MockCheckoutClient) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return copySession(sess), nil
}

// AddSession registers a session as-is, for tests that need a specific state.
func (m *MockCheckoutClient) AddSession(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = copySession(sess)
}

// Complete marks a session paid and publishes the update, as the webhook would.
func (m *MockCheckoutClient) Complete(id, email string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || m.closed {
		return false
	}
	sess.PaymentStatus = StatusPaid
	sess.Status = "complete"
	if email != "" {
		sess.CustomerEmail = email
	}

	select {
	case m.updates <- SessionUpdate{Session: copySession(sess)}:
	default:
		logging.Stripe.Printf("mock: update channel full, dropping session %s", id)
	}
	return true
}

func (m *MockCheckoutClient) SubscribeSessions(ctx context.Context) (<-chan SessionUpdate, error) {
	return m.updates, nil
}

func (m *MockCheckoutClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.updates)
	}
	return nil
}

func copySession(s *Session) *Session {
	c := *s
	c.Metadata = copyMetadata(s.Metadata)
	c.LineItems = append([]LineItem(nil), s.LineItems...)
	return &c
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "cs_test_" + strings.ToLower(hex.EncodeToString(bytes)), nil
}
