package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userDDL = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	email             TEXT NOT NULL UNIQUE,
	name              TEXT NOT NULL,
	password_hash     TEXT NOT NULL,
	role              TEXT NOT NULL,
	email_verified_at INTEGER,
	created_at        INTEGER NOT NULL
);
`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := db.Exec(userDDL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, u *User) error {
	var verifiedAt interface{}
	if !u.EmailVerifiedAt.IsZero() {
		verifiedAt = u.EmailVerifiedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, role, email_verified_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, NormalizeEmail(u.Email), u.Name, u.PasswordHash, string(u.Role), verifiedAt, u.CreatedAt.Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrEmailTaken
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, email_verified_at, created_at
		 FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, role, email_verified_at, created_at
		 FROM users WHERE email = ?`, NormalizeEmail(email)))
}

func (s *SQLiteStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM users WHERE email = ?`, NormalizeEmail(email)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email_verified_at = ? WHERE id = ? AND email_verified_at IS NULL`,
		at.Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Zero rows here means the account was already verified, which callers
	// treat as success.
	_ = res
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u          User
		role       string
		verifiedAt sql.NullInt64
		createdAt  int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &role, &verifiedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	u.Role = Role(role)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	if verifiedAt.Valid {
		u.EmailVerifiedAt = time.Unix(verifiedAt.Int64, 0).UTC()
	}
	return &u, nil
}
