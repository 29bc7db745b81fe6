// ABOUTME: Device fingerprint deduplication across every tenant
// ABOUTME: A hash already registered by another user marks the device as a duplicate

package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

// Component keys whose values are stored in their own columns
const (
	ComponentCanvas = "canvas"
	ComponentWebGL  = "webgl"
	ComponentAudio  = "audio"
)

// Components is the raw signal map collected by the verification page
type Components map[string]any

// DuplicateResult is the outcome of CheckDuplicate
type DuplicateResult struct {
	Duplicate      bool
	ExistingUserID string
}

// Store is the persistence the engine needs
type Store interface {
	SaveFingerprint(ctx context.Context, fp *store.Fingerprint) error
	FindFingerprintOwner(ctx context.Context, hash, excludeUserID string) (string, error)
}

// Engine checks and records device fingerprints
type Engine struct {
	store    Store
	settings settings.Source
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a fingerprint engine
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

// CheckDuplicate reports whether hash already belongs to a user other than userID.
// It never reports a duplicate while duplicate-device blocking is disabled.
func (e *Engine) CheckDuplicate(ctx context.Context, hash, userID string) (DuplicateResult, error) {
	prot, err := e.settings.Protection(ctx)
	if err != nil {
		return DuplicateResult{}, err
	}
	if !prot.BlockDuplicateDevices {
		return DuplicateResult{}, nil
	}

	owner, err := e.store.FindFingerprintOwner(ctx, hash, userID)
	if errors.Is(err, store.ErrNotFound) {
		return DuplicateResult{}, nil
	}
	if err != nil {
		return DuplicateResult{}, err
	}

	e.logger.Info("duplicate device detected", "user_id", userID, "existing_user_id", owner)
	return DuplicateResult{Duplicate: true, ExistingUserID: owner}, nil
}

// Save records a verified device for userID: one history row plus the
// user's current device fields.
func (e *Engine) Save(ctx context.Context, userID, hash string, components Components, ip string) error {
	if hash == "" {
		return errors.New("fingerprint hash is required")
	}

	var raw string
	if len(components) > 0 {
		b, err := json.Marshal(components)
		if err != nil {
			return fmt.Errorf("encoding components: %w", err)
		}
		raw = string(b)
	}

	return e.store.SaveFingerprint(ctx, &store.Fingerprint{
		ID:         uuid.New().String(),
		Hash:       hash,
		UserID:     userID,
		CanvasHash: components.value(ComponentCanvas),
		WebGLHash:  components.value(ComponentWebGL),
		AudioHash:  components.value(ComponentAudio),
		Components: raw,
		IP:         ip,
		CreatedAt:  e.now(),
	})
}

// value returns a component as text. Non-string values are JSON encoded.
func (c Components) value(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
