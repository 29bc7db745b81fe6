// ABOUTME: Persistence for single-use device verification tokens
// ABOUTME: Issuing invalidates earlier unused tokens; consuming is a conditional update

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IssueSecretToken marks every unused token of the user as used and inserts tok,
// in one transaction, so a user holds at most one unused token.
func (s *SQLiteStore) IssueSecretToken(ctx context.Context, tok *SecretToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := formatTime(tok.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`UPDATE secret_tokens SET used = 1, used_at = ? WHERE user_id = ? AND used = 0`,
		created, tok.UserID,
	); err != nil {
		return fmt.Errorf("invalidating previous tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO secret_tokens (token, user_id, created_at, expires_at, used)
		VALUES (?, ?, ?, ?, 0)
	`, tok.Token, tok.UserID, created, formatTime(tok.ExpiresAt)); err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing token: %w", err)
	}
	return nil
}

// GetUnusedToken looks up an unused token belonging to userID.
// Returns ErrNotFound for unknown, used, or foreign tokens.
func (s *SQLiteStore) GetUnusedToken(ctx context.Context, token, userID string) (*SecretToken, error) {
	query := `
		SELECT token, user_id, created_at, expires_at
		FROM secret_tokens
		WHERE token = ? AND user_id = ? AND used = 0
	`

	var t SecretToken
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx, query, token, userID).Scan(&t.Token, &t.UserID, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeToken marks an unused token as used. It reports false when the token
// was already consumed, so only one of two racing callers wins.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE secret_tokens SET used = 1, used_at = ? WHERE token = ? AND used = 0`,
		formatTime(now), token,
	)
	if err != nil {
		return false, fmt.Errorf("consuming token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}
