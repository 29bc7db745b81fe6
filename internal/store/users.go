// ABOUTME: Global user records and per-tenant membership persistence
// ABOUTME: Tracks device verification, bans, and admission progress flags

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureUser returns the user, creating an empty record on first sight.
func (s *SQLiteStore) EnsureUser(ctx context.Context, userID string, now time.Time) (*User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, created_at) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return s.GetUser(ctx, userID)
}

const userColumns = `user_id, fingerprint, fingerprint_components, device_verified, verified_at,
	ip_address, banned, created_at`

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, userID)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// ListBannedUsers returns every account-banned user ordered by id.
func (s *SQLiteStore) ListBannedUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE banned = 1 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying banned users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var fingerprint, components, verifiedAt, ip sql.NullString
	var verified, banned int
	var createdAt string

	if err := row.Scan(
		&u.ID,
		&fingerprint,
		&components,
		&verified,
		&verifiedAt,
		&ip,
		&banned,
		&createdAt,
	); err != nil {
		return nil, err
	}

	u.FingerprintHash = fingerprint.String
	u.FingerprintComponents = components.String
	u.IPAddress = ip.String
	u.DeviceVerified = verified != 0
	u.Banned = banned != 0
	var err error
	if u.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if u.VerifiedAt, err = parseNullTime("verified_at", verifiedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserBanned sets the global account ban flag.
func (s *SQLiteStore) SetUserBanned(ctx context.Context, userID string, banned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET banned = ? WHERE user_id = ?`, boolToInt(banned), userID)
	if err != nil {
		return fmt.Errorf("updating user ban flag: %w", err)
	}
	return requireAffected(res)
}

// EnsureMember returns the user's membership in a tenant, creating it on first contact.
// The boolean reports whether the membership was created by this call.
func (s *SQLiteStore) EnsureMember(ctx context.Context, tenantID, userID string, now time.Time) (*Member, bool, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_members (tenant_id, user_id, joined_at, last_activity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO NOTHING
	`, tenantID, userID, ts, ts)
	if err != nil {
		return nil, false, fmt.Errorf("inserting member: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("checking rows affected: %w", err)
	}

	if inserted == 0 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tenant_members SET last_activity = ? WHERE tenant_id = ? AND user_id = ?`,
			ts, tenantID, userID,
		); err != nil {
			return nil, false, fmt.Errorf("touching member: %w", err)
		}
	}

	m, err := s.GetMember(ctx, tenantID, userID)
	if err != nil {
		return nil, false, err
	}
	return m, inserted > 0, nil
}

// GetMember retrieves a membership.
// Returns ErrNotFound if the user has never contacted the tenant.
func (s *SQLiteStore) GetMember(ctx context.Context, tenantID, userID string) (*Member, error) {
	query := `
		SELECT tenant_id, user_id, challenge_passed, challenge_index, subscribed, joined_at, last_activity
		FROM tenant_members
		WHERE tenant_id = ? AND user_id = ?
	`

	var m Member
	var passed, subscribed int
	var joinedAt, lastActivity string

	err := s.db.QueryRowContext(ctx, query, tenantID, userID).Scan(
		&m.TenantID,
		&m.UserID,
		&passed,
		&m.ChallengeIndex,
		&subscribed,
		&joinedAt,
		&lastActivity,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying member: %w", err)
	}

	m.ChallengePassed = passed != 0
	m.Subscribed = subscribed != 0
	if m.JoinedAt, err = parseTime("joined_at", joinedAt); err != nil {
		return nil, err
	}
	if m.LastActivity, err = parseTime("last_activity", lastActivity); err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMembers returns how many users have joined a tenant
func (s *SQLiteStore) CountMembers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenant_members WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting members: %w", err)
	}
	return n, nil
}

// SetChallengeIndex records which challenge question the member was asked.
func (s *SQLiteStore) SetChallengeIndex(ctx context.Context, tenantID, userID string, index int) error {
	return s.updateMember(ctx, `UPDATE tenant_members SET challenge_index = ? WHERE tenant_id = ? AND user_id = ?`, index, tenantID, userID)
}

// MarkChallengePassed sets the challenge flag and clears the pending question.
func (s *SQLiteStore) MarkChallengePassed(ctx context.Context, tenantID, userID string) error {
	return s.updateMember(ctx, `UPDATE tenant_members SET challenge_passed = 1, challenge_index = -1 WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
}

// MarkSubscribed sets the subscription flag.
func (s *SQLiteStore) MarkSubscribed(ctx context.Context, tenantID, userID string) error {
	return s.updateMember(ctx, `UPDATE tenant_members SET subscribed = 1 WHERE tenant_id = ? AND user_id = ?`, tenantID, userID)
}

func (s *SQLiteStore) updateMember(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating member: %w", err)
	}
	return requireAffected(res)
}
