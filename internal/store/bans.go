// ABOUTME: IP ban records and the append-only attempt log
// ABOUTME: Expiry is evaluated at read time; automatic bans are insert-if-absent

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeleteExpiredBans removes bans whose expiry has passed. Bans without expiry are kept.
func (s *SQLiteStore) DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ip_ban_records WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired bans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("purged expired bans", "count", n)
	}
	return n, nil
}

const banColumns = `ip, reason, duration_hours, banned_by, banned_at, expires_at`

// GetActiveBan returns the ban on ip if it has not expired at now.
// Returns ErrNotFound otherwise.
func (s *SQLiteStore) GetActiveBan(ctx context.Context, ip string, now time.Time) (*IPBan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+banColumns+`
		FROM ip_ban_records
		WHERE ip = ? AND (expires_at IS NULL OR expires_at >= ?)
	`, ip, formatTime(now))

	ban, err := scanBan(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ban: %w", err)
	}
	return ban, nil
}

// InsertBanIfAbsent inserts ban unless the ip already has a record.
// Racing callers are safe: the loser's insert is a no-op. Reports whether a row was written.
func (s *SQLiteStore) InsertBanIfAbsent(ctx context.Context, ban *IPBan) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_ban_records (`+banColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO NOTHING
	`, ban.IP, ban.Reason, ban.DurationHours, nullString(ban.BannedBy), formatTime(ban.BannedAt), nullTime(ban.ExpiresAt))
	if err != nil {
		return false, fmt.Errorf("inserting ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n == 1, nil
}

// UpsertBan writes ban, replacing any existing record for the ip.
func (s *SQLiteStore) UpsertBan(ctx context.Context, ban *IPBan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_ban_records (`+banColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			reason = excluded.reason,
			duration_hours = excluded.duration_hours,
			banned_by = excluded.banned_by,
			banned_at = excluded.banned_at,
			expires_at = excluded.expires_at
	`, ban.IP, ban.Reason, ban.DurationHours, nullString(ban.BannedBy), formatTime(ban.BannedAt), nullTime(ban.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upserting ban: %w", err)
	}
	return nil
}

// DeleteBan removes the ban on ip. Reports whether a record existed.
func (s *SQLiteStore) DeleteBan(ctx context.Context, ip string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ip_ban_records WHERE ip = ?`, ip)
	if err != nil {
		return false, fmt.Errorf("deleting ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// ListActiveBans returns the bans that have not expired at now, newest first.
func (s *SQLiteStore) ListActiveBans(ctx context.Context, now time.Time) ([]*IPBan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+banColumns+`
		FROM ip_ban_records
		WHERE expires_at IS NULL OR expires_at >= ?
		ORDER BY banned_at DESC, rowid DESC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("querying bans: %w", err)
	}
	defer rows.Close()

	var bans []*IPBan
	for rows.Next() {
		ban, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ban: %w", err)
		}
		bans = append(bans, ban)
	}
	return bans, rows.Err()
}

func scanBan(row rowScanner) (*IPBan, error) {
	var b IPBan
	var bannedBy, expiresAt sql.NullString
	var bannedAt string

	if err := row.Scan(&b.IP, &b.Reason, &b.DurationHours, &bannedBy, &bannedAt, &expiresAt); err != nil {
		return nil, err
	}

	var err error
	b.BannedBy = bannedBy.String
	if b.BannedAt, err = parseTime("banned_at", bannedAt); err != nil {
		return nil, err
	}
	if b.ExpiresAt, err = parseNullTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// CountDistinctUsersOnIP counts the distinct users other than excludeUserID
// whose latest verification came from ip with a sequence above afterSeq.
func (s *SQLiteStore) CountDistinctUsersOnIP(ctx context.Context, ip, excludeUserID string, afterSeq int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM users
		WHERE ip_address = ? AND user_id != ? AND verify_seq > ?
	`, ip, excludeUserID, afterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting users on ip: %w", err)
	}
	return n, nil
}

// RecordAttempt appends an entry to the attempt log.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *Attempt) error {
	attemptType := a.Type
	if attemptType == "" {
		attemptType = AttemptVerification
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_attempt_log (id, ip, user_id, attempt_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.IP, a.UserID, attemptType, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	return nil
}

// CountAttemptsSince counts the attempts logged for ip at or after since
// whose log position is above afterSeq.
func (s *SQLiteStore) CountAttemptsSince(ctx context.Context, ip string, since time.Time, afterSeq int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ip_attempt_log WHERE ip = ? AND created_at >= ? AND rowid > ?`,
		ip, formatTime(since), afterSeq,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting attempts: %w", err)
	}
	return n, nil
}

// MarkIPReset records that thresholds for ip start over. The reset carries
// the current attempt log and verification sequence positions so anything
// recorded afterwards counts, even within the same second.
func (s *SQLiteStore) MarkIPReset(ctx context.Context, ip string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ip_resets (ip, reset_at, attempt_mark, verify_mark)
		VALUES (?, ?,
			(SELECT COALESCE(MAX(rowid), 0) FROM ip_attempt_log),
			(SELECT COALESCE(MAX(verify_seq), 0) FROM users))
		ON CONFLICT(ip) DO UPDATE SET
			reset_at = excluded.reset_at,
			attempt_mark = excluded.attempt_mark,
			verify_mark = excluded.verify_mark
	`, ip, formatTime(at))
	if err != nil {
		return fmt.Errorf("marking ip reset: %w", err)
	}
	return nil
}

// GetIPReset returns the last reset of ip, or the zero IPReset if it was never reset.
func (s *SQLiteStore) GetIPReset(ctx context.Context, ip string) (IPReset, error) {
	var (
		r   = IPReset{IP: ip}
		raw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT reset_at, attempt_mark, verify_mark FROM ip_resets WHERE ip = ?`, ip,
	).Scan(&raw, &r.AttemptMark, &r.VerifyMark)
	if err == sql.ErrNoRows {
		return IPReset{}, nil
	}
	if err != nil {
		return IPReset{}, fmt.Errorf("querying ip reset: %w", err)
	}
	if r.ResetAt, err = parseTime("reset_at", raw); err != nil {
		return IPReset{}, err
	}
	return r, nil
}
