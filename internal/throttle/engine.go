// ABOUTME: Per-IP throttling: active bans, distinct-account caps and hourly attempt caps
// ABOUTME: Auto-bans are idempotent insert-if-absent; manual bans replace existing records

package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

// Reason explains why an ip is refused
type Reason string

// Ban reasons
const (
	ReasonNone            Reason = ""
	ReasonIPBanned        Reason = "ip_banned"
	ReasonTooManyAccounts Reason = "too_many_accounts"
	ReasonTooManyAttempts Reason = "too_many_attempts"
)

// permanentBan is how long a manual ban with no duration lasts
const permanentBan = 100 * 365 * 24 * time.Hour

// attemptWindow is the trailing window for the attempt cap
const attemptWindow = time.Hour

// unknownIP is what callers send when the client address could not be determined
const unknownIP = "unknown"

// CheckResult is the outcome of CheckAndRecord
type CheckResult struct {
	Banned            bool
	Reason            Reason
	Detail            string // human readable ban reason, as stored on the record
	RemainingAccounts int
	RemainingAttempts int
}

// Store is the persistence the engine needs
type Store interface {
	DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error)
	GetActiveBan(ctx context.Context, ip string, now time.Time) (*store.IPBan, error)
	InsertBanIfAbsent(ctx context.Context, ban *store.IPBan) (bool, error)
	UpsertBan(ctx context.Context, ban *store.IPBan) error
	DeleteBan(ctx context.Context, ip string) (bool, error)
	ListActiveBans(ctx context.Context, now time.Time) ([]*store.IPBan, error)
	CountDistinctUsersOnIP(ctx context.Context, ip, excludeUserID string, afterSeq int64) (int, error)
	RecordAttempt(ctx context.Context, a *store.Attempt) error
	CountAttemptsSince(ctx context.Context, ip string, since time.Time, afterSeq int64) (int, error)
	MarkIPReset(ctx context.Context, ip string, at time.Time) error
	GetIPReset(ctx context.Context, ip string) (store.IPReset, error)
}

// Engine applies the per-IP protection rules
type Engine struct {
	store    Store
	settings settings.Source
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a throttle engine
func New(s Store, src settings.Source, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		settings: src,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the wall clock, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CheckAndRecord decides whether userID may proceed from ip, banning the ip
// when a threshold is crossed. A permitted call is appended to the attempt log.
func (e *Engine) CheckAndRecord(ctx context.Context, ip, userID string) (CheckResult, error) {
	prot, err := e.settings.Protection(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if !prot.IPBanEnabled || ip == "" || ip == unknownIP {
		return CheckResult{RemainingAccounts: prot.MaxUsersPerIP, RemainingAttempts: prot.MaxAttemptsPerHour}, nil
	}

	now := e.now()

	if _, err := e.store.DeleteExpiredBans(ctx, now); err != nil {
		return CheckResult{}, err
	}

	ban, err := e.store.GetActiveBan(ctx, ip, now)
	switch {
	case err == nil:
		return CheckResult{Banned: true, Reason: ReasonIPBanned, Detail: ban.Reason}, nil
	case !errors.Is(err, store.ErrNotFound):
		return CheckResult{}, err
	}

	// Activity recorded before a manual unban no longer counts against the ip
	reset, err := e.store.GetIPReset(ctx, ip)
	if err != nil {
		return CheckResult{}, err
	}

	others, err := e.store.CountDistinctUsersOnIP(ctx, ip, userID, reset.VerifyMark)
	if err != nil {
		return CheckResult{}, err
	}
	if others >= prot.MaxUsersPerIP {
		detail := fmt.Sprintf("Auto-ban: %d accounts from this IP", others+1)
		if err := e.autoBan(ctx, ip, detail, prot, now); err != nil {
			return CheckResult{}, err
		}
		return CheckResult{Banned: true, Reason: ReasonTooManyAccounts, Detail: detail}, nil
	}

	attempts, err := e.store.CountAttemptsSince(ctx, ip, now.Add(-attemptWindow), reset.AttemptMark)
	if err != nil {
		return CheckResult{}, err
	}
	if attempts >= prot.MaxAttemptsPerHour {
		detail := fmt.Sprintf("Auto-ban: %d attempts in the last hour", attempts)
		if err := e.autoBan(ctx, ip, detail, prot, now); err != nil {
			return CheckResult{}, err
		}
		return CheckResult{Banned: true, Reason: ReasonTooManyAttempts, Detail: detail}, nil
	}

	if err := e.store.RecordAttempt(ctx, &store.Attempt{
		ID:        uuid.New().String(),
		IP:        ip,
		UserID:    userID,
		Type:      store.AttemptVerification,
		CreatedAt: now,
	}); err != nil {
		return CheckResult{}, err
	}

	return CheckResult{
		RemainingAccounts: prot.MaxUsersPerIP - others,
		RemainingAttempts: max(prot.MaxAttemptsPerHour-attempts-1, 0),
	}, nil
}

// autoBan records an automatic ban unless the ip already has one.
// A zero ban duration makes the ban permanent.
func (e *Engine) autoBan(ctx context.Context, ip, detail string, prot settings.Protection, now time.Time) error {
	ban := &store.IPBan{
		IP:            ip,
		Reason:        detail,
		DurationHours: prot.BanDurationHours,
		BannedAt:      now,
	}
	if prot.BanDurationHours > 0 {
		expires := now.Add(prot.BanDuration())
		ban.ExpiresAt = &expires
	}

	inserted, err := e.store.InsertBanIfAbsent(ctx, ban)
	if err != nil {
		return err
	}
	if inserted {
		e.logger.Warn("ip auto-banned", "ip", ip, "reason", detail, "hours", prot.BanDurationHours)
	}
	return nil
}

// ManualBan bans ip on behalf of an administrator, replacing any existing ban.
// hours of zero bans effectively forever.
func (e *Engine) ManualBan(ctx context.Context, ip, reason string, hours int, adminID string) (*store.IPBan, error) {
	if ip == "" {
		return nil, errors.New("ip is required")
	}
	if hours < 0 {
		return nil, errors.New("hours must not be negative")
	}

	now := e.now()
	duration := permanentBan
	if hours > 0 {
		duration = time.Duration(hours) * time.Hour
	}
	expires := now.Add(duration)

	ban := &store.IPBan{
		IP:            ip,
		Reason:        reason,
		DurationHours: hours,
		BannedBy:      adminID,
		BannedAt:      now,
		ExpiresAt:     &expires,
	}
	if err := e.store.UpsertBan(ctx, ban); err != nil {
		return nil, err
	}

	e.logger.Info("ip banned manually", "ip", ip, "reason", reason, "hours", hours, "admin", adminID)
	return ban, nil
}

// ManualUnban lifts the ban on ip and restarts its thresholds, so the next
// check counts only activity after the unban. Reports whether a ban existed.
func (e *Engine) ManualUnban(ctx context.Context, ip string) (bool, error) {
	removed, err := e.store.DeleteBan(ctx, ip)
	if err != nil {
		return false, err
	}
	if err := e.store.MarkIPReset(ctx, ip, e.now()); err != nil {
		return false, err
	}
	if removed {
		e.logger.Info("ip unbanned", "ip", ip)
	}
	return removed, nil
}

// ListActiveBans returns the current bans, newest first.
func (e *Engine) ListActiveBans(ctx context.Context) ([]*store.IPBan, error) {
	return e.store.ListActiveBans(ctx, e.now())
}
