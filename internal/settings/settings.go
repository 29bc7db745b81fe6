// ABOUTME: Hot-reloadable protection settings: config defaults overlaid with stored overrides
// ABOUTME: Every read consults the settings table so admin changes apply immediately

package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/2389/rewards-gateway/internal/config"
	"github.com/2389/rewards-gateway/internal/store"
)

// Setting keys
const (
	KeyIPBanEnabled              = "ip_ban_enabled"
	KeyMaxUsersPerIP             = "max_users_per_ip"
	KeyBanDurationHours          = "ban_duration_hours"
	KeyMaxAttemptsPerHour        = "max_attempts_per_hour"
	KeyTokenTTLMinutes           = "token_ttl_minutes"
	KeyBlockDuplicateDevices     = "block_duplicate_devices"
	KeyDeviceVerificationEnabled = "device_verification_enabled"
	KeyVPNDetectionEnabled       = "vpn_detection_enabled"
)

// ErrUnknownKey is returned for a setting name that does not exist
var ErrUnknownKey = errors.New("unknown setting")

// ErrInvalidValue is returned when a value does not parse for its setting
var ErrInvalidValue = errors.New("invalid setting value")

type kind int

const (
	kindBool kind = iota
	kindCount
	kindPositive
)

var keyKinds = map[string]kind{
	KeyIPBanEnabled:              kindBool,
	KeyMaxUsersPerIP:             kindPositive,
	KeyBanDurationHours:          kindCount,
	KeyMaxAttemptsPerHour:        kindPositive,
	KeyTokenTTLMinutes:           kindPositive,
	KeyBlockDuplicateDevices:     kindBool,
	KeyDeviceVerificationEnabled: kindBool,
	KeyVPNDetectionEnabled:       kindBool,
}

// Protection is the effective set of protection settings at one point in time
type Protection struct {
	IPBanEnabled              bool `json:"ip_ban_enabled"`
	MaxUsersPerIP             int  `json:"max_users_per_ip"`
	BanDurationHours          int  `json:"ban_duration_hours"`
	MaxAttemptsPerHour        int  `json:"max_attempts_per_hour"`
	TokenTTLMinutes           int  `json:"token_ttl_minutes"`
	BlockDuplicateDevices     bool `json:"block_duplicate_devices"`
	DeviceVerificationEnabled bool `json:"device_verification_enabled"`
	VPNDetectionEnabled       bool `json:"vpn_detection_enabled"`
}

// TokenTTL returns the verification token lifetime
func (p Protection) TokenTTL() time.Duration {
	return time.Duration(p.TokenTTLMinutes) * time.Minute
}

// BanDuration returns the automatic ban lifetime
func (p Protection) BanDuration() time.Duration {
	return time.Duration(p.BanDurationHours) * time.Hour
}

// Source provides the current protection settings
type Source interface {
	Protection(ctx context.Context) (Protection, error)
}

// Store is the persistence the provider needs
type Store interface {
	GetSettings(ctx context.Context) (map[string]string, error)
	PutSetting(ctx context.Context, s *store.Setting) error
	DeleteSetting(ctx context.Context, key string) error
}

// Provider overlays stored overrides on top of configured defaults
type Provider struct {
	store    Store
	defaults Protection
	now      func() time.Time
	logger   *slog.Logger
}

// NewProvider creates a provider whose defaults come from cfg.
// cfg must have had ApplyDefaults called.
func NewProvider(s Store, cfg config.ProtectionConfig, logger *slog.Logger) *Provider {
	return &Provider{
		store:    s,
		defaults: FromConfig(cfg),
		now:      time.Now,
		logger:   logger,
	}
}

// FromConfig converts the config section into a Protection value
func FromConfig(cfg config.ProtectionConfig) Protection {
	deref := func(b *bool, def bool) bool {
		if b == nil {
			return def
		}
		return *b
	}
	return Protection{
		IPBanEnabled:              deref(cfg.IPBanEnabled, true),
		MaxUsersPerIP:             cfg.MaxUsersPerIP,
		BanDurationHours:          cfg.BanDurationHours,
		MaxAttemptsPerHour:        cfg.MaxAttemptsPerHour,
		TokenTTLMinutes:           cfg.TokenTTLMinutes,
		BlockDuplicateDevices:     deref(cfg.BlockDuplicateDevices, true),
		DeviceVerificationEnabled: deref(cfg.DeviceVerificationEnabled, true),
		VPNDetectionEnabled:       cfg.VPNDetectionEnabled,
	}
}

// Defaults returns the configured defaults without overrides
func (p *Provider) Defaults() Protection {
	return p.defaults
}

// Protection returns the effective settings. Malformed stored values are
// logged and ignored in favour of the default.
func (p *Provider) Protection(ctx context.Context) (Protection, error) {
	overrides, err := p.store.GetSettings(ctx)
	if err != nil {
		return Protection{}, fmt.Errorf("loading settings: %w", err)
	}

	out := p.defaults
	for key, raw := range overrides {
		if err := apply(&out, key, raw); err != nil {
			p.logger.Warn("ignoring stored setting", "key", key, "value", raw, "error", err)
		}
	}
	return out, nil
}

// Set validates and stores an override.
func (p *Provider) Set(ctx context.Context, key, value, updatedBy string) error {
	var scratch Protection
	if err := apply(&scratch, key, value); err != nil {
		return err
	}
	if err := p.store.PutSetting(ctx, &store.Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: p.now(),
		UpdatedBy: updatedBy,
	}); err != nil {
		return err
	}
	p.logger.Info("setting updated", "key", key, "value", value, "updated_by", updatedBy)
	return nil
}

// Reset removes an override so the configured default applies again.
func (p *Provider) Reset(ctx context.Context, key string) error {
	if _, ok := keyKinds[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return p.store.DeleteSetting(ctx, key)
}

// Keys returns every setting name in sorted order
func Keys() []string {
	keys := make([]string, 0, len(keyKinds))
	for k := range keyKinds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func apply(p *Protection, key, raw string) error {
	k, ok := keyKinds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	var b bool
	var n int
	var err error
	switch k {
	case kindBool:
		b, err = parseBool(raw)
	case kindCount:
		n, err = strconv.Atoi(raw)
		if err == nil && n < 0 {
			err = errors.New("must not be negative")
		}
	case kindPositive:
		n, err = strconv.Atoi(raw)
		if err == nil && n < 1 {
			err = errors.New("must be at least 1")
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, raw, err)
	}

	switch key {
	case KeyIPBanEnabled:
		p.IPBanEnabled = b
	case KeyMaxUsersPerIP:
		p.MaxUsersPerIP = n
	case KeyBanDurationHours:
		p.BanDurationHours = n
	case KeyMaxAttemptsPerHour:
		p.MaxAttemptsPerHour = n
	case KeyTokenTTLMinutes:
		p.TokenTTLMinutes = n
	case KeyBlockDuplicateDevices:
		p.BlockDuplicateDevices = b
	case KeyDeviceVerificationEnabled:
		p.DeviceVerificationEnabled = b
	case KeyVPNDetectionEnabled:
		p.VPNDetectionEnabled = b
	}
	return nil
}

// parseBool accepts the 0/1 encoding used in the settings table plus strconv forms
func parseBool(raw string) (bool, error) {
	switch raw {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return strconv.ParseBool(raw)
}

// Static is a fixed Source, handy for tests and tools
type Static Protection

// Protection implements Source
func (s Static) Protection(context.Context) (Protection, error) {
	return Protection(s), nil
}
