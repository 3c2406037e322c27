package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// shared across the pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS download_tokens (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			content_id TEXT NOT NULL,
			buyer_email TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			max_downloads INTEGER NOT NULL DEFAULT 3,
			reserved INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			CHECK (download_count >= 0 AND download_count <= max_downloads),
			CHECK (reserved >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS donations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			content_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_donations_created_at ON donations(created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) FindOrCreateToken(ctx context.Context, t *Token) (*Token, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO download_tokens (id, session_id, content_id, buyer_email, expires_at, download_count, max_downloads, reserved, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
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

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*Token, error) {
	return s.queryToken(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE id = ?`, id)
}

func (s *SQLiteStore) GetTokenBySession(ctx context.Context, sessionID string) (*Token, error) {
	return s.queryToken(ctx, `SELECT `+tokenColumns+` FROM download_tokens WHERE session_id = ?`, sessionID)
}

func (s *SQLiteStore) queryToken(ctx context.Context, query string, arg any) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *SQLiteStore) ReserveDownload(ctx context.Context, id string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE download_tokens
		SET reserved = reserved + 1
		WHERE id = ? AND is_active = 1 AND expires_at > ? AND download_count + reserved < max_downloads
	`, id, now.UTC())
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrNoDownloadsLeft)
}

func (s *SQLiteStore) CompleteDownload(ctx context.Context, id string) (*Token, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE download_tokens
		SET download_count = download_count + 1, reserved = reserved - 1
		WHERE id = ? AND reserved > 0 AND download_count < max_downloads
	`, id)
	if err != nil {
		return nil, err
	}
	if err := expectOneRow(result, ErrNoReservation); err != nil {
		return nil, err
	}
	return s.GetToken(ctx, id)
}

func (s *SQLiteStore) ReleaseDownload(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE download_tokens SET reserved = reserved - 1 WHERE id = ? AND reserved > 0
	`, id)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrNoReservation)
}

func (s *SQLiteStore) ResetReservations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE download_tokens SET reserved = 0 WHERE reserved > 0`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) SetTokenActive(ctx context.Context, id string, active bool) (*Token, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE download_tokens SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return nil, err
	}
	if err := expectOneRow(result, ErrNotFound); err != nil {
		return nil, err
	}
	return s.GetToken(ctx, id)
}

func (s *SQLiteStore) ListTokens(ctx context.Context, limit int) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM download_tokens ORDER BY created_at DESC LIMIT ?
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

func (s *SQLiteStore) SaveDonation(ctx context.Context, d *Donation) (*Donation, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO donations (id, session_id, amount_minor, currency, email, type, content_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING
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

func (s *SQLiteStore) GetDonationBySession(ctx context.Context, sessionID string) (*Donation, error) {
	d, err := scanDonation(s.db.QueryRowContext(ctx, `
		SELECT `+donationColumns+` FROM donations WHERE session_id = ?
	`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *SQLiteStore) ListDonations(ctx context.Context, limit int) ([]*Donation, error) {
	return s.queryDonations(ctx, `
		SELECT `+donationColumns+` FROM donations ORDER BY created_at DESC LIMIT ?
	`, limit)
}

func (s *SQLiteStore) queryDonations(ctx context.Context, query string, args ...any) ([]*Donation, error) {
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

func (s *SQLiteStore) GetStats(ctx context.Context, now time.Time) (*Stats, error) {
	stats := &Stats{AmountByCurrency: make(map[string]int64)}
	now = now.UTC()

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_active = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active = 1 AND expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_active = 1 AND expires_at > ? AND download_count >= max_downloads THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(download_count), 0)
		FROM download_tokens
	`, now, now)
	if err := row.Scan(&stats.TotalTokens, &stats.RevokedTokens, &stats.ExpiredTokens, &stats.ExhaustedTokens, &stats.TotalDownloads); err != nil {
		return nil, err
	}
	stats.ActiveTokens = stats.TotalTokens - stats.RevokedTokens - stats.ExpiredTokens - stats.ExhaustedTokens

	if err := s.sumDonations(ctx, stats); err != nil {
		return nil, err
	}

	recent, err := s.queryDonations(ctx, `
		SELECT `+donationColumns+` FROM donations WHERE created_at >= ? ORDER BY created_at
	`, now.AddDate(0, 0, -dailyWindow))
	if err != nil {
		return nil, err
	}
	stats.DailyStats = bucketDaily(recent, now)

	if stats.TotalDonations > 0 {
		oldest, err := s.queryDonations(ctx, `SELECT `+donationColumns+` FROM donations ORDER BY created_at ASC LIMIT 1`)
		if err != nil {
			return nil, err
		}
		newest, err := s.queryDonations(ctx, `SELECT `+donationColumns+` FROM donations ORDER BY created_at DESC LIMIT 1`)
		if err != nil {
			return nil, err
		}
		if len(oldest) > 0 {
			stats.OldestDonation = oldest[0].CreatedAt
		}
		if len(newest) > 0 {
			stats.NewestDonation = newest[0].CreatedAt
		}
	}

	return stats, nil
}

func (s *SQLiteStore) sumDonations(ctx context.Context, stats *Stats) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, COUNT(*), COALESCE(SUM(amount_minor), 0) FROM donations GROUP BY currency
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var currency string
		var count int
		var amount int64
		if err := rows.Scan(&currency, &count, &amount); err != nil {
			return err
		}
		stats.TotalDonations += count
		stats.AmountByCurrency[currency] = amount
	}
	return rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expectOneRow(result sql.Result, none error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return none
	}
	return nil
}
