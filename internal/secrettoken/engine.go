// ABOUTME: Single-use, time-limited device verification tokens bound to one user
// ABOUTME: Issue replaces any unused token; Verify consumes on success only

package secrettoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

// Token errors
var (
	ErrTokenInvalid = errors.New("verification token invalid")
	ErrTokenExpired = errors.New("verification token expired")
)

// tokenBytes is the amount of randomness in a token
const tokenBytes = 32

// Store is the persistence the engine needs
type Store interface {
	IssueSecretToken(ctx context.Context, tok *store.SecretToken) error
	GetUnusedToken(ctx context.Context, token, userID string) (*store.SecretToken, error)
	ConsumeToken(ctx context.Context, token string, now time.Time) (bool, error)
}

// Engine issues and verifies tokens
type Engine struct {
	store    Store
	settings settings.Source
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a token engine
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

// Issue creates a fresh token for userID and returns it with its lifetime.
// Any earlier unused token of the user stops being valid.
func (e *Engine) Issue(ctx context.Context, userID string) (string, time.Duration, error) {
	prot, err := e.settings.Protection(ctx)
	if err != nil {
		return "", 0, err
	}
	ttl := prot.TokenTTL()

	token, err := generate()
	if err != nil {
		return "", 0, err
	}

	now := e.now()
	if err := e.store.IssueSecretToken(ctx, &store.SecretToken{
		Token:     token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return "", 0, fmt.Errorf("storing token: %w", err)
	}

	e.logger.Debug("issued verification token", "user_id", userID, "ttl", ttl)
	return token, ttl, nil
}

// Verify checks token against userID. It returns ErrTokenInvalid for unknown,
// used, or foreign tokens and ErrTokenExpired past the expiry; an expired
// token is left unused. On success the token is consumed.
func (e *Engine) Verify(ctx context.Context, token, userID string) error {
	if token == "" {
		return ErrTokenInvalid
	}

	tok, err := e.store.GetUnusedToken(ctx, token, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("loading token: %w", err)
	}

	now := e.now()
	if now.After(tok.ExpiresAt) {
		return ErrTokenExpired
	}

	consumed, err := e.store.ConsumeToken(ctx, token, now)
	if err != nil {
		return fmt.Errorf("consuming token: %w", err)
	}
	if !consumed {
		// A concurrent verify won the race
		return ErrTokenInvalid
	}
	return nil
}

func generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
