package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store on a hosted PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to PostgreSQL, pings, and runs migrations.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS download_tokens (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			content_id TEXT NOT NULL,
			buyer_email TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			max_downloads INTEGER NOT NULL DEFAULT 3,
			reserved INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (download_count >= 0 AND download_count <= max_downloads),
			CHECK (reserved >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS donations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_donations_created_at ON donations(created_at);",
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) FindOrCreateToken(ctx context.Context, t *Token) (*Token, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO download_tokens (id, session_id, content_id, buyer_email, expires_at, download_count, max_downloads, reserved, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
		ON CONFLICT (session_id) DO NOTHING
	`, t.ID, t.SessionID, t.ContentID, t.BuyerEmail, t.ExpiresAt.UTC(), t.DownloadCount, t.MaxDownloads, t.IsActive, t.CreatedAt.UTC())
	if err != nil {
		return nil, false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	got, err := s.GetTokenBySession(ctx, t.SessionID)
	if err != nil {
		return nil, false, err
	}
	return got, rows == 1, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, id string) (*Token, error) {
	return s.queryToken(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE id = $1`, id)
}

func (s *PostgresStore) GetTokenBySession(ctx context.Context, sessionID string) (*Token, error) {
	return s.queryToken(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE session_id = $1`, sessionID)
}

func (s *PostgresStore) queryToken(ctx context.Context, query string, args ...any) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ReserveDownload(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE download_tokens
		SET reserved = reserved + 1
		WHERE id = $1 AND is_active AND expires_at > $2 AND download_count + reserved < max_downloads
	`, id, now.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrNoDownloadsLeft)
}

func (s *PostgresStore) CompleteDownload(ctx context.Context, id string) (*Token, error) {
	t, err := s.queryToken(ctx, `
		UPDATE download_tokens
		SET download_count = download_count + 1, reserved = reserved - 1
		WHERE id = $1 AND reserved > 0 AND download_count < max_downloads
		RETURNING `+tokenColumns, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoReservation
	}
	return t, err
}

func (s *PostgresStore) ReleaseDownload(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE download_tokens SET reserved = reserved - 1 WHERE id = $1 AND reserved > 0
	`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrNoReservation)
}

func (s *PostgresStore) ResetReservations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE download_tokens SET reserved = 0 WHERE reserved > 0`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *PostgresStore) SetTokenActive(ctx context.Context, id string, active bool) (*Token, error) {
	return s.queryToken(ctx, `
		UPDATE download_tokens SET is_active = $2 WHERE id = $1 RETURNING `+tokenColumns, id, active)
}

func (s *PostgresStore) ListTokens(ctx context.Context, limit int) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM download_tokens ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) SaveDonation(ctx context.Context, d *Donation) (*Donation, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO donations (id, session_id, amount_minor, currency, email, type, content_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING
	`, d.ID, d.SessionID, d.AmountMinor, d.Currency, d.Email, d.Type, d.ContentID, d.CreatedAt.UTC())
	if err != nil {
		return nil, false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	got, err := s.GetDonationBySession(ctx, d.SessionID)
	if err != nil {
		return nil, false, err
	}
	return got, rows == 1, nil
}

func (s *PostgresStore) GetDonationBySession(ctx context.Context, sessionID string) (*Donation, error) {
	d, err := scanDonation(s.db.QueryRowContext(ctx, `
		SELECT `+donationColumns+` FROM donations WHERE session_id = $1
	`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDonations(ctx context.Context, limit int) ([]*Donation, error) {
	return s.queryDonations(ctx, `
		SELECT `+donationColumns+` FROM donations ORDER BY created_at DESC LIMIT $1
	`, limit)
}

func (s *PostgresStore) queryDonations(ctx context.Context, query string, args ...any) ([]*Donation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var donations []*Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, d)
	}
	return donations, rows.Err()
}

func (s *PostgresStore) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{AmountByCurrency: make(map[string]int64)}
	now = now.UTC()

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN NOT is_active THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND expires_at <= $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active AND expires_at > $1 AND download_count >= max_downloads THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(download_count), 0)
		FROM download_tokens
	`, now)
	if err := row.Scan(&stats.TotalTokens, &stats.RevokedTokens, &stats.ExpiredTokens, &stats.ExhaustedTokens, &stats.TotalDownloads); err != nil {
		return nil, err
	}
	stats.ActiveTokens = stats.TotalTokens - stats.RevokedTokens - stats.ExpiredTokens - stats.ExhaustedTokens

	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, COUNT(*), COALESCE(SUM(amount_minor), 0), MIN(created_at), MAX(created_at)
		FROM donations GROUP BY currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var currency string
		var count int
		var amount int64
		var oldest, newest time.Time
		if err := rows.Scan(&currency, &count, &amount, &oldest, &newest); err != nil {
			return nil, err
		}
		stats.TotalDonations += count
		stats.AmountByCurrency[currency] = amount
		if stats.OldestDonation.IsZero() || oldest.Before(stats.OldestDonation) {
			stats.OldestDonation = oldest.UTC()
		}
		if newest.After(stats.NewestDonation) {
			stats.NewestDonation = newest.UTC()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recent, err := s.queryDonations(ctx, `
		SELECT `+donationColumns+` FROM donations WHERE created_at >= $1 ORDER BY created_at
	`, now.AddDate(0, 0, -dailyWindow))
	if err != nil {
		return nil, err
	}
	stats.DailyStats = bucketDaily(recent, now)

	return stats, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
