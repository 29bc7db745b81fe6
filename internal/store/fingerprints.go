// ABOUTME: Device fingerprint history and the user's current device record
// ABOUTME: History is append-only; the user row mirrors the latest verified device

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SaveFingerprint appends fp to the history and updates the user's current
// fingerprint, components, verified flag, verified-at and ip in one transaction.
func (s *SQLiteStore) SaveFingerprint(ctx context.Context, fp *Fingerprint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := formatTime(fp.CreatedAt)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_fingerprints (
			id, fingerprint_hash, user_id, canvas_hash, webgl_hash, audio_hash, components_json, ip, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		fp.ID,
		fp.Hash,
		fp.UserID,
		nullString(fp.CanvasHash),
		nullString(fp.WebGLHash),
		nullString(fp.AudioHash),
		nullString(fp.Components),
		nullString(fp.IP),
		ts,
	); err != nil {
		return fmt.Errorf("inserting fingerprint: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, fingerprint, fingerprint_components, device_verified, verified_at, ip_address, verify_seq, created_at)
		VALUES (?, ?, ?, 1, ?, ?, (SELECT COALESCE(MAX(verify_seq), 0) + 1 FROM users), ?)
		ON CONFLICT(user_id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			fingerprint_components = excluded.fingerprint_components,
			device_verified = 1,
			verified_at = excluded.verified_at,
			ip_address = excluded.ip_address,
			verify_seq = excluded.verify_seq
	`, fp.UserID, fp.Hash, nullString(fp.Components), ts, nullString(fp.IP), ts); err != nil {
		return fmt.Errorf("updating user device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing fingerprint: %w", err)
	}

	s.logger.Debug("saved fingerprint", "user_id", fp.UserID)
	return nil
}

// FindFingerprintOwner returns the earliest user other than excludeUserID that
// has registered hash. Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindFingerprintOwner(ctx context.Context, hash, excludeUserID string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM device_fingerprints
		WHERE fingerprint_hash = ? AND user_id != ?
		ORDER BY created_at, rowid
		LIMIT 1
	`, hash, excludeUserID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying fingerprint owner: %w", err)
	}
	return userID, nil
}
