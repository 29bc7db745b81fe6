// ABOUTME: Store interface and data types for rewards-gateway persistence
// ABOUTME: Defines tenants, users, members, tokens, bans, attempts, fingerprints and settings

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateTenant is returned when a tenant with the same bot account already exists
var ErrDuplicateTenant = errors.New("tenant already exists")

// Plan tiers
const (
	PlanFree       = "free"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// TenantConfig is the per-tenant configuration blob
type TenantConfig struct {
	MandatoryRooms []string `json:"mandatory_rooms,omitempty"`
	WelcomeText    string   `json:"welcome_text,omitempty"`
}

// Tenant is one hosted bot instance with its own credential
type Tenant struct {
	ID           string
	Credential   string // plain text; sealed on disk when a credential key is configured
	BotUserID    string
	DisplayName  string
	OwnerID      string
	Plan         string
	Active       bool
	MaxUsers     int
	CurrentUsers int // derived from tenant_members
	ExpiresAt    *time.Time
	Config       TenantConfig
	CreatedAt    time.Time
	LastActivity *time.Time
}

// Expired reports whether the tenant's plan has lapsed at now.
func (t *Tenant) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// User is the global identity of a chat user across every tenant
type User struct {
	ID                    string
	FingerprintHash       string
	FingerprintComponents string // JSON
	DeviceVerified        bool
	VerifiedAt            *time.Time
	IPAddress             string
	Banned                bool
	CreatedAt             time.Time
}

// Member tracks one user's admission progress inside one tenant
type Member struct {
	TenantID        string
	UserID          string
	ChallengePassed bool
	ChallengeIndex  int // pending question, -1 when none is outstanding
	Subscribed      bool
	JoinedAt        time.Time
	LastActivity    time.Time
}

// SecretToken is a single-use device verification token
type SecretToken struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
}

// IPBan is a ban on an IP address. A nil ExpiresAt never expires.
type IPBan struct {
	IP            string
	Reason        string
	DurationHours int
	BannedBy      string // empty for automatic bans
	BannedAt      time.Time
	ExpiresAt     *time.Time
}

// Attempt types
const (
	AttemptVerification = "verification"
)

// Attempt is one entry in the append-only per-IP attempt log
type Attempt struct {
	ID        string
	IP        string
	UserID    string
	Type      string
	CreatedAt time.Time
}

// IPReset marks where an IP's thresholds start over after a manual unban.
// AttemptMark and VerifyMark are the attempt log and verification sequence
// positions at reset time; only later entries count.
type IPReset struct {
	IP          string
	ResetAt     time.Time
	AttemptMark int64
	VerifyMark  int64
}

// Fingerprint is one entry in the append-only device fingerprint history
type Fingerprint struct {
	ID         string
	Hash       string
	UserID     string
	CanvasHash string
	WebGLHash  string
	AudioHash  string
	Components string // full component map as JSON
	IP         string
	CreatedAt  time.Time
}

// Setting is an administrator override of a protection setting
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
	UpdatedBy string
}

// TenantStore persists tenant instances
type TenantStore interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*Tenant, error)
	SetTenantActive(ctx context.Context, id string, active bool, now time.Time) error
	TouchTenant(ctx context.Context, id string, now time.Time) error
	UpdateTenantCredential(ctx context.Context, id, credential, botUserID, displayName string, now time.Time) error
	UpdateTenantConfig(ctx context.Context, id string, cfg TenantConfig) error
	DeleteTenant(ctx context.Context, id string) error
}

// UserStore persists global users and per-tenant membership
type UserStore interface {
	EnsureUser(ctx context.Context, userID string, now time.Time) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	SetUserBanned(ctx context.Context, userID string, banned bool) error
	ListBannedUsers(ctx context.Context) ([]*User, error)
	EnsureMember(ctx context.Context, tenantID, userID string, now time.Time) (*Member, bool, error)
	GetMember(ctx context.Context, tenantID, userID string) (*Member, error)
	CountMembers(ctx context.Context, tenantID string) (int, error)
	SetChallengeIndex(ctx context.Context, tenantID, userID string, index int) error
	MarkChallengePassed(ctx context.Context, tenantID, userID string) error
	MarkSubscribed(ctx context.Context, tenantID, userID string) error
}

// Store is the full persistence surface implemented by SQLiteStore
type Store interface {
	TenantStore
	UserStore

	IssueSecretToken(ctx context.Context, tok *SecretToken) error
	GetUnusedToken(ctx context.Context, token, userID string) (*SecretToken, error)
	ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error)

	DeleteExpiredBans(ctx context.Context, now time.Time) (int64, error)
	GetActiveBan(ctx context.Context, ip string, now time.Time) (*IPBan, error)
	InsertBanIfAbsent(ctx context.Context, ban *IPBan) (bool, error)
	UpsertBan(ctx context.Context, ban *IPBan) error
	DeleteBan(ctx context.Context, ip string) (bool, error)
	ListActiveBans(ctx context.Context, now time.Time) ([]*IPBan, error)
	CountDistinctUsersOnIP(ctx context.Context, ip, excludeUserID string, afterSeq int64) (int, error)
	RecordAttempt(ctx context.Context, a *Attempt) error
	CountAttemptsSince(ctx context.Context, ip string, since time.Time, afterSeq int64) (int, error)
	MarkIPReset(ctx context.Context, ip string, at time.Time) error
	GetIPReset(ctx context.Context, ip string) (IPReset, error)

	SaveFingerprint(ctx context.Context, fp *Fingerprint) error
	FindFingerprintOwner(ctx context.Context, hash, excludeUserID string) (string, error)

	GetSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, s *Setting) error
	DeleteSetting(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}
