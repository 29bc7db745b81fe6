// ABOUTME: Tenant instance persistence for hosted bot copies
// ABOUTME: Create, lookup, activation flags, credential rotation and cascading delete

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const tenantColumns = `
	t.id, t.credential, t.bot_user_id, t.display_name, t.owner_id, t.plan, t.active,
	t.max_users, t.expires_at, t.config_json, t.created_at, t.last_activity,
	(SELECT COUNT(*) FROM tenant_members m WHERE m.tenant_id = t.id)
`

// CreateTenant inserts a new tenant instance.
// Returns ErrDuplicateTenant if the bot account is already hosted.
func (s *SQLiteStore) CreateTenant(ctx context.Context, t *Tenant) error {
	credential, err := s.sealCredential(t.Credential)
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}
	cfgJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encoding tenant config: %w", err)
	}
	if t.Plan == "" {
		t.Plan = PlanFree
	}

	query := `
		INSERT INTO tenant_instances (
			id, credential, bot_user_id, display_name, owner_id, plan, active,
			max_users, expires_at, config_json, created_at, last_activity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID,
		credential,
		t.BotUserID,
		t.DisplayName,
		t.OwnerID,
		t.Plan,
		boolToInt(t.Active),
		t.MaxUsers,
		nullTime(t.ExpiresAt),
		string(cfgJSON),
		formatTime(t.CreatedAt),
		nullTime(t.LastActivity),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTenant
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}

	s.logger.Debug("created tenant", "tenant_id", t.ID, "bot_user_id", t.BotUserID, "owner_id", t.OwnerID)
	return nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenant_instances t WHERE t.id = ?`, id)
	t, err := s.scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns every tenant, oldest first
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	return s.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenant_instances t ORDER BY t.created_at, t.id`)
}

// ListActiveTenants returns the tenants whose active flag is set, oldest first
func (s *SQLiteStore) ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	return s.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenant_instances t WHERE t.active = 1 ORDER BY t.created_at, t.id`)
}

func (s *SQLiteStore) queryTenants(ctx context.Context, query string, args ...any) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := s.scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var active int
	var expiresAt, cfgJSON, lastActivity sql.NullString
	var createdAt string

	err := row.Scan(
		&t.ID,
		&t.Credential,
		&t.BotUserID,
		&t.DisplayName,
		&t.OwnerID,
		&t.Plan,
		&active,
		&t.MaxUsers,
		&expiresAt,
		&cfgJSON,
		&createdAt,
		&lastActivity,
		&t.CurrentUsers,
	)
	if err != nil {
		return nil, err
	}

	t.Active = active != 0
	if t.Credential, err = s.openCredential(t.Credential); err != nil {
		return nil, fmt.Errorf("opening credential for tenant %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if t.ExpiresAt, err = parseNullTime("expires_at", expiresAt); err != nil {
		return nil, err
	}
	if t.LastActivity, err = parseNullTime("last_activity", lastActivity); err != nil {
		return nil, err
	}
	if cfgJSON.Valid && cfgJSON.String != "" {
		if err := json.Unmarshal([]byte(cfgJSON.String), &t.Config); err != nil {
			return nil, fmt.Errorf("decoding tenant config: %w", err)
		}
	}
	return &t, nil
}

// SetTenantActive persists the active flag and records activity.
func (s *SQLiteStore) SetTenantActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenant_instances SET active = ?, last_activity = ? WHERE id = ?`,
		boolToInt(active), formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("updating tenant active flag: %w", err)
	}
	return requireAffected(res)
}

// TouchTenant records activity on a tenant without changing its flags.
func (s *SQLiteStore) TouchTenant(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenant_instances SET last_activity = ? WHERE id = ?`,
		formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("touching tenant: %w", err)
	}
	return nil
}

// UpdateTenantCredential replaces the credential and bot identity, and marks the tenant active.
func (s *SQLiteStore) UpdateTenantCredential(ctx context.Context, id, credential, botUserID, displayName string, now time.Time) error {
	sealed, err := s.sealCredential(credential)
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenant_instances
		SET credential = ?, bot_user_id = ?, display_name = ?, active = 1, last_activity = ?
		WHERE id = ?
	`, sealed, botUserID, displayName, formatTime(now), id)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTenant
		}
		return fmt.Errorf("updating tenant credential: %w", err)
	}
	return requireAffected(res)
}

// UpdateTenantConfig replaces the tenant configuration blob.
func (s *SQLiteStore) UpdateTenantConfig(ctx context.Context, id string, cfg TenantConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding tenant config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tenant_instances SET config_json = ? WHERE id = ?`, string(cfgJSON), id)
	if err != nil {
		return fmt.Errorf("updating tenant config: %w", err)
	}
	return requireAffected(res)
}

// DeleteTenant removes a tenant and every tenant-scoped row.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) DeleteTenant(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tenant_members WHERE tenant_id = ?`, id); err != nil {
		return fmt.Errorf("deleting tenant members: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tenant_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tenant delete: %w", err)
	}

	s.logger.Debug("deleted tenant", "tenant_id", id)
	return nil
}

// requireAffected maps an update that touched no rows to ErrNotFound
func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
