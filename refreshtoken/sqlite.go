package refreshtoken

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const refreshTokenDDL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	issued_at   INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	revoked_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_hash ON refresh_tokens (secret_hash);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_owner ON refresh_tokens (owner_id);
`

// SQLiteStore keeps refresh token records in SQLite. SQLite's single-writer
// serialization makes the conditional revoke in Claim a one-winner operation
// without any extra locking.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

func NewSQLiteStore(db *sql.DB, retention time.Duration) (*SQLiteStore, error) {
	// SQLite allows one writer; a single pooled connection avoids busy
	// errors under concurrent claims.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := db.Exec(refreshTokenDDL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &SQLiteStore{db: db, retention: retention, now: time.Now}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, owner_id, secret_hash, issued_at, expires_at, revoked_at)
		 VALUES (?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.OwnerID, rec.SecretHash, rec.IssuedAt.Unix(), rec.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) FindActive(ctx context.Context, secretHash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, secret_hash, issued_at, expires_at, revoked_at
		 FROM refresh_tokens
		 WHERE secret_hash = ? AND revoked_at IS NULL AND expires_at > ?`,
		secretHash, s.now().Unix())
	return scanRecord(row)
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, secret_hash, issued_at, expires_at, revoked_at
		 FROM refresh_tokens WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *SQLiteStore) Claim(ctx context.Context, secretHash string) (*Record, error) {
	now := s.now()
	row := s.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens SET revoked_at = ?
		 WHERE secret_hash = ? AND revoked_at IS NULL AND expires_at > ?
		 RETURNING id, owner_id, secret_hash, issued_at, expires_at, revoked_at`,
		now.Unix(), secretHash, now.Unix())
	return scanRecord(row)
}

func (s *SQLiteStore) Revoke(ctx context.Context, rec *Record, immediate bool) error {
	var err error
	if immediate {
		_, err = s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = ?`, rec.ID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE refresh_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
			s.now().Unix(), rec.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RevokeAllFor deletes every active record of one owner. Records already
// revoked by rotation are left for PurgeExpired.
func (s *SQLiteStore) RevokeAllFor(ctx context.Context, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE owner_id = ? AND revoked_at IS NULL`,
		ownerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// PurgeExpired deletes records past their natural expiry, plus revoked
// records past the retention window when one is configured. Meant to run
// periodically; nothing depends on its timing.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) error {
	now := s.now()
	query := `DELETE FROM refresh_tokens WHERE expires_at <= ?`
	args := []interface{}{now.Unix()}
	if s.retention > 0 {
		query += ` OR (revoked_at IS NOT NULL AND revoked_at <= ?)`
		args = append(args, now.Add(-s.retention).Unix())
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func scanRecord(row *sql.Row) (*Record, error) {
	var (
		rec       Record
		issuedAt  int64
		expiresAt int64
		revokedAt sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.SecretHash, &issuedAt, &expiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rec.IssuedAt = time.Unix(issuedAt, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	if revokedAt.Valid {
		rec.RevokedAt = time.Unix(revokedAt.Int64, 0).UTC()
	}
	return &rec, nil
}
