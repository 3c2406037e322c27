package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrNoDownloadsLeft is returned when a slot cannot be reserved because the
	// token is inactive, expired, or every remaining use is taken.
	ErrNoDownloadsLeft = errors.New("no downloads left")
	// ErrNoReservation is returned when completing or releasing a download
	// that was never reserved.
	ErrNoReservation = errors.New("no download reserved")
)

// Token is a download token gating repeated access to one purchased audio item.
type Token struct {
	ID            string
	SessionID     string
	ContentID     string
	BuyerEmail    string
	ExpiresAt     time.Time
	DownloadCount int
	MaxDownloads  int
	Reserved      int // downloads currently streaming
	IsActive      bool
	CreatedAt     time.Time
}

// Remaining returns how many completed downloads the token still allows.
func (t *Token) Remaining() int {
	if n := t.MaxDownloads - t.DownloadCount; n > 0 {
		return n
	}
	return 0
}

// Donation is a completed checkout recorded from the payment provider.
type Donation struct {
	ID          string
	SessionID   string
	AmountMinor int64
	Currency    string
	Email       string
	Type        string // "donation" or "download"
	ContentID   string
	CreatedAt   time.Time
}

// DailyStat summarizes donations received on one UTC day.
type DailyStat struct {
	Date        string
	Donations   int
	AmountMinor int64
}

// Stats contains aggregate numbers for the admin dashboard.
type Stats struct {
	TotalDonations   int
	AmountByCurrency map[string]int64
	OldestDonation   time.Time
	NewestDonation   time.Time
	DailyStats       []DailyStat

	TotalTokens     int
	ActiveTokens    int
	ExpiredTokens   int
	ExhaustedTokens int
	RevokedTokens   int
	TotalDownloads  int
}

// Store defines the interface for token and donation persistence.
type Store interface {
	// FindOrCreateToken returns the token for t.SessionID, inserting t if none
	// exists. The boolean reports whether a new row was created.
	FindOrCreateToken(ctx context.Context, t *Token) (*Token, bool, error)
	GetToken(ctx context.Context, id string) (*Token, error)
	GetTokenBySession(ctx context.Context, sessionID string) (*Token, error)
	ReserveDownload(ctx context.Context, id string, now time.Time) error
	CompleteDownload(ctx context.Context, id string) (*Token, error)
	ReleaseDownload(ctx context.Context, id string) error
	ResetReservations(ctx context.Context) (int64, error)
	SetTokenActive(ctx context.Context, id string, active bool) (*Token, error)
	ListTokens(ctx context.Context, limit int) ([]*Token, error)

	SaveDonation(ctx context.Context, d *Donation) (*Donation, bool, error)
	GetDonationBySession(ctx context.Context, sessionID string) (*Donation, error)
	ListDonations(ctx context.Context, limit int) ([]*Donation, error)

	GetStats(ctx context.Context, now time.Time) (*Stats, error)
	Close() error
}

// dailyWindow is how many days of donations GetStats breaks down.
const dailyWindow = 14

type scanner interface {
	Scan(dest ...any) error
}

const tokenColumns = `id, session_id, content_id, buyer_email, expires_at, download_count, max_downloads, reserved, is_active, created_at`

const donationColumns = `id, session_id, amount_minor, currency, email, type, content_id, created_at`

func scanToken(row scanner) (*Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.SessionID, &t.ContentID, &t.BuyerEmail, &t.ExpiresAt,
		&t.DownloadCount, &t.MaxDownloads, &t.Reserved, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func scanDonation(row scanner) (*Donation, error) {
	var d Donation
	err := row.Scan(&d.ID, &d.SessionID, &d.AmountMinor, &d.Currency, &d.Email, &d.Type, &d.ContentID, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = d.CreatedAt.UTC()
	return &d, nil
}

// bucketDaily groups donations created on or after the start of the window
// into per-day totals, oldest day first.
func bucketDaily(donations []*Donation, now time.Time) []DailyStat {
	start := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -(dailyWindow - 1))
	byDay := make(map[string]*DailyStat)
	for _, d := range donations {
		if d.CreatedAt.Before(start) {
			continue
		}
		key := d.CreatedAt.UTC().Format("2006-01-02")
		ds, ok := byDay[key]
		if !ok {
			ds = &DailyStat{Date: key}
			byDay[key] = ds
		}
		ds.Donations++
		ds.AmountMinor += d.AmountMinor
	}

	var out []DailyStat
	for day := start; !day.After(now.UTC()); day = day.AddDate(0, 0, 1) {
		if ds, ok := byDay[day.Format("2006-01-02")]; ok {
			out = append(out, *ds)
		}
	}
	return out
}
