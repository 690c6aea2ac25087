package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresCredentialStore expects the admin_users table created by the
// migrations package.
type PostgresCredentialStore struct {
	db *sql.DB
}

func NewPostgresCredentialStore(db *sql.DB) (*PostgresCredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresCredentialStore{db: db}, nil
}

func (s *PostgresCredentialStore) Get(ctx context.Context, username string) (Credential, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Credential{}, ErrUserNotFound
	}

	var c Credential
	const q = `SELECT username, password_hash, created_at FROM admin_users WHERE username = $1`
	if err := s.db.QueryRowContext(ctx, q, username).Scan(&c.Username, &c.PasswordHash, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrUserNotFound
		}
		return Credential{}, fmt.Errorf("query admin user: %w", err)
	}
	return c, nil
}

// Create relies on the primary key for the atomic check-then-write.
func (s *PostgresCredentialStore) Create(ctx context.Context, cred Credential) error {
	if cred.Username == "" || cred.PasswordHash == "" {
		return fmt.Errorf("username and password hash are required")
	}

	const q = `
INSERT INTO admin_users (username, password_hash, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (username) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, cred.Username, cred.PasswordHash, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *PostgresCredentialStore) Replace(ctx context.Context, cred Credential) error {
	const q = `UPDATE admin_users SET password_hash = $2, updated_at = NOW() WHERE username = $1`
	res, err := s.db.ExecContext(ctx, q, cred.Username, cred.PasswordHash)
	if err != nil {
		return fmt.Errorf("update admin user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update admin user: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
