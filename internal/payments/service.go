package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tidings/internal/logging"
	"tidings/internal/store"
)

// DonationStore is the persistence the payment service needs.
type DonationStore interface {
	SaveDonation(ctx context.Context, d *store.Donation) (*store.Donation, bool, error)
	GetDonationBySession(ctx context.Context, sessionID string) (*store.Donation, error)
}

// PaymentCallback is called when a paid session is seen. created reports
// whether the donation was recorded for the first time.
type PaymentCallback func(ctx context.Context, sess *Session, d *store.Donation, created bool)

// Service verifies checkout sessions and records donations.
type Service struct {
	backend CheckoutBackend
	store   DonationStore

	mu        sync.RWMutex
	onPayment PaymentCallback // optional callback when payment received
}

// NewService creates a new payment service.
func NewService(backend CheckoutBackend, st DonationStore) *Service {
	return &Service{
		backend: backend,
		store:   st,
	}
}

// VerifySession resolves a session id to its current state. It makes a
// single provider call and never retries. A paid session is recorded as a
// donation on the way through.
func (s *Service) VerifySession(ctx context.Context, id string) (*Session, error) {
	if !ValidSessionID(id) {
		return nil, ErrInvalidSessionID
	}

	sess, err := s.backend.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Paid() {
		if _, _, err := s.RecordDonation(ctx, sess); err != nil {
			logging.Internal.Printf("failed to record donation for session %s: %v", sess.ID, err)
		}
	}
	return sess, nil
}

// RecordDonation stores a paid session as a donation, once per session.
func (s *Service) RecordDonation(ctx context.Context, sess *Session) (*store.Donation, bool, error) {
	if !sess.Paid() {
		return nil, false, fmt.Errorf("session %s is not paid", sess.ID)
	}

	at := sess.Created
	if at.IsZero() {
		at = time.Now().UTC()
	}
	d, isNew, err := s.store.SaveDonation(ctx, &store.Donation{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		AmountMinor: sess.AmountTotal,
		Currency:    sess.Currency,
		Email:       sess.CustomerEmail,
		Type:        sess.Type(),
		ContentID:   sess.Metadata[MetaContentID],
		CreatedAt:   at,
	})
	if err != nil {
		return nil, false, err
	}
	if isNew {
		logging.Stripe.Printf("recorded %s %s: %d %s from %s",
			d.Type, d.SessionID, d.AmountMinor, d.Currency, logging.MaskEmail(d.Email))
	}
	return d, isNew, nil
}

// PaidDonation returns the recorded donation for a session.
func (s *Service) PaidDonation(ctx context.Context, sessionID string) (*store.Donation, error) {
	d, err := s.store.GetDonationBySession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return d, err
}

// SetPaymentCallback sets a callback function that will be called when a
// paid session arrives through the watcher.
func (s *Service) SetPaymentCallback(cb PaymentCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPayment = cb
}

// StartPaymentWatcher starts consuming completed sessions from the backend.
func (s *Service) StartPaymentWatcher(ctx context.Context) error {
	updates, err := s.backend.SubscribeSessions(ctx)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Session != nil && update.Session.Paid() {
					s.handlePayment(ctx, update.Session)
				}
			}
		}
	}()

	return nil
}

func (s *Service) handlePayment(ctx context.Context, sess *Session) {
	d, created, err := s.RecordDonation(ctx, sess)
	if err != nil {
		logging.Internal.Printf("CRITICAL: failed to record donation for paid session %s: %v", sess.ID, err)
		return
	}

	s.mu.RLock()
	cb := s.onPayment
	s.mu.RUnlock()
	if cb == nil {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Internal.Printf("payment callback panic for session %s: %v", sess.ID, r)
			}
		}()
		cb(ctx, sess, d, created)
	}()
}
