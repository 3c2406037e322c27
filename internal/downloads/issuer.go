package downloads

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"tidings/internal/catalog"
	"tidings/internal/logging"
	"tidings/internal/payments"
	"tidings/internal/store"
)

// Issuance defaults.
const (
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultMaxDownloads = 3
)

var (
	ErrNotPaid         = errors.New("purchase not paid")
	ErrNoToken         = errors.New("no download token for session")
	ErrContentMismatch = errors.New("session was not for this content")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrEmailMismatch   = errors.New("email does not match purchase")
	ErrMailFailed      = errors.New("backup email not sent")
)

// TokenStore is the token persistence the issuer needs.
type TokenStore interface {
	FindOrCreateToken(ctx context.Context, t *store.Token) (*store.Token, bool, error)
	GetTokenBySession(ctx context.Context, sessionID string) (*store.Token, error)
	GetToken(ctx context.Context, id string) (*store.Token, error)
}

// Sessions verifies purchases with the payment provider and its records.
type Sessions interface {
	VerifySession(ctx context.Context, id string) (*payments.Session, error)
	PaidDonation(ctx context.Context, sessionID string) (*store.Donation, error)
}

// Issuer creates download tokens for verified purchases, once per session.
type Issuer struct {
	tokens   TokenStore
	sessions Sessions
	catalog  *catalog.Catalog
	notifier Notifier

	TTL          time.Duration
	MaxDownloads int
	now          func() time.Time
}

// NewIssuer creates an Issuer with the default expiry and download limit.
func NewIssuer(tokens TokenStore, sessions Sessions, cat *catalog.Catalog, notifier Notifier) *Issuer {
	return &Issuer{
		tokens:       tokens,
		sessions:     sessions,
		catalog:      cat,
		notifier:     notifier,
		TTL:          DefaultTTL,
		MaxDownloads: DefaultMaxDownloads,
		now:          time.Now,
	}
}

// WithClock replaces the clock used for expiry stamps.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Lookup returns the token for a session. If none exists but a paid
// download was recorded for the session, the token is issued from that record.
func (i *Issuer) Lookup(ctx context.Context, sessionID string) (*store.Token, error) {
	t, err := i.tokens.GetTokenBySession(ctx, sessionID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	d, err := i.sessions.PaidDonation(ctx, sessionID)
	if errors.Is(err, payments.ErrSessionNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	if d.Type != payments.TypeDownload || d.ContentID == "" || d.Email == "" {
		return nil, ErrNoToken
	}

	t, created, err := i.findOrCreate(ctx, sessionID, d.ContentID, d.Email)
	if err != nil {
		return nil, err
	}
	if created {
		logging.Internal.Printf("issued token %s for session %s from donation record", t.ID, sessionID)
	}
	return t, nil
}

// Issue verifies that a session paid for contentID and returns its token,
// creating it on first call. The provider's buyer email wins over email.
func (i *Issuer) Issue(ctx context.Context, sessionID, contentID, email string) (*store.Token, bool, error) {
	sess, err := i.sessions.VerifySession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !sess.Paid() {
		return nil, false, ErrNotPaid
	}
	if sess.Type() != payments.TypeDownload || sess.Metadata[payments.MetaContentID] != contentID {
		return nil, false, ErrContentMismatch
	}

	buyer := sess.CustomerEmail
	if buyer == "" {
		buyer = email
	}
	return i.findOrCreate(ctx, sessionID, contentID, buyer)
}

// Fulfill issues the token for a paid download session reported by the
// provider and mails the backup link the first time.
func (i *Issuer) Fulfill(ctx context.Context, sess *payments.Session) (*store.Token, error) {
	if !sess.Paid() || sess.Type() != payments.TypeDownload {
		return nil, nil
	}
	contentID := sess.Metadata[payments.MetaContentID]
	t, created, err := i.findOrCreate(ctx, sess.ID, contentID, sess.CustomerEmail)
	if err != nil {
		return nil, err
	}
	if !created || i.notifier == nil {
		return t, nil
	}

	title, artist := sess.Metadata[payments.MetaTitle], sess.Metadata[payments.MetaArtist]
	if i.catalog != nil {
		if item, err := i.catalog.Get(contentID); err == nil {
			title, artist = item.Title, item.Artist
		}
	}
	if err := i.notifier.SendBackupLink(ctx, BackupLink{
		Email:   t.BuyerEmail,
		TokenID: t.ID,
		Title:   title,
		Artist:  artist,
	}); err != nil {
		logging.Mail.Printf("backup link for %s not sent: %v", t.ID, err)
	}
	return t, nil
}

// SendBackup mails the download link of a token to its buyer. The address
// must match the one the token was issued to.
func (i *Issuer) SendBackup(ctx context.Context, link BackupLink) error {
	addr, err := normalizeEmail(link.Email)
	if err != nil {
		return err
	}
	t, err := i.tokens.GetToken(ctx, link.TokenID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownToken
	}
	if err != nil {
		return err
	}
	if !strings.EqualFold(addr, t.BuyerEmail) {
		return ErrEmailMismatch
	}
	link.Email = t.BuyerEmail
	if err := i.notifier.SendBackupLink(ctx, link); err != nil {
		return fmt.Errorf("%w: %w", ErrMailFailed, err)
	}
	return nil
}

func (i *Issuer) findOrCreate(ctx context.Context, sessionID, contentID, email string) (*store.Token, bool, error) {
	if i.catalog != nil {
		if _, err := i.catalog.Get(contentID); err != nil {
			return nil, false, fmt.Errorf("content %q: %w", contentID, err)
		}
	}
	addr, err := normalizeEmail(email)
	if err != nil {
		return nil, false, err
	}

	now := i.now().UTC()
	t, created, err := i.tokens.FindOrCreateToken(ctx, &store.Token{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		ContentID:    contentID,
		BuyerEmail:   addr,
		ExpiresAt:    now.Add(i.TTL),
		MaxDownloads: i.MaxDownloads,
		IsActive:     true,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, false, err
	}
	if t.ContentID != contentID {
		return nil, false, ErrContentMismatch
	}
	if created {
		logging.Internal.Printf("issued token %s for %s to %s", t.ID, contentID, logging.MaskEmail(addr))
	}
	return t, created, nil
}

func normalizeEmail(email string) (string, error) {
	a, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return "", ErrInvalidEmail
	}
	return a.Address, nil
}
