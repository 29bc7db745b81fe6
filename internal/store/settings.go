// ABOUTME: Key/value overrides for runtime protection settings
// ABOUTME: Read on every request so changes apply without a restart

package store

import (
	"context"
	"fmt"
)

// GetSettings returns every stored override keyed by setting name.
func (s *SQLiteStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// PutSetting stores an override, replacing any previous value.
func (s *SQLiteStore) PutSetting(ctx context.Context, setting *Setting) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at, updated_by)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`, setting.Key, setting.Value, formatTime(setting.UpdatedAt), nullString(setting.UpdatedBy))
	if err != nil {
		return fmt.Errorf("upserting setting: %w", err)
	}
	return nil
}

// DeleteSetting removes an override so the configured default applies again.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting setting: %w", err)
	}
	return nil
}
