// ABOUTME: Device verification callback sequencing
// ABOUTME: Token, then IP throttle, then VPN lookup, then duplicate device, then save

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/rewards-gateway/internal/fingerprint"
	"github.com/2389/rewards-gateway/internal/secrettoken"
	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/throttle"
)

// Outcome is the result code of a verification callback
type Outcome string

// Verification outcomes
const (
	OutcomeOK              Outcome = "OK"
	OutcomeInvalidToken    Outcome = "INVALID_TOKEN"
	OutcomeExpiredToken    Outcome = "EXPIRED_TOKEN"
	OutcomeIPBanned        Outcome = "IP_BANNED"
	OutcomeVPNDetected     Outcome = "VPN_DETECTED"
	OutcomeDuplicateDevice Outcome = "DUPLICATE_DEVICE"
)

var outcomeMessages = map[Outcome]string{
	OutcomeOK:              "Device verified. Return to the chat and send !verified to continue.",
	OutcomeInvalidToken:    "This verification link is invalid or was already used. Request a new one with !start.",
	OutcomeExpiredToken:    "This verification link has expired. Request a new one with !start.",
	OutcomeIPBanned:        "Your network is blocked from verifying new accounts.",
	OutcomeVPNDetected:     "Please turn off your VPN or proxy and try again.",
	OutcomeDuplicateDevice: "This device is already registered to another account.",
}

// Message is the user facing text for the outcome
func (o Outcome) Message() string {
	if msg, ok := outcomeMessages[o]; ok {
		return msg
	}
	return string(o)
}

// Success reports whether the device was accepted
func (o Outcome) Success() bool {
	return o == OutcomeOK
}

// VerifyRequest is what the verification page posts back
type VerifyRequest struct {
	UserID      string
	Fingerprint string
	Components  fingerprint.Components
	Secret      string
	IP          string
}

// Result is the outcome plus any detail worth surfacing, such as a ban reason
type Result struct {
	Outcome Outcome
	Detail  string
}

// TokenVerifier consumes verification tokens
type TokenVerifier interface {
	Verify(ctx context.Context, token, userID string) error
}

// IPChecker applies per-IP throttling
type IPChecker interface {
	CheckAndRecord(ctx context.Context, ip, userID string) (throttle.CheckResult, error)
}

// DeviceRegistry deduplicates and stores device fingerprints
type DeviceRegistry interface {
	CheckDuplicate(ctx context.Context, hash, userID string) (fingerprint.DuplicateResult, error)
	Save(ctx context.Context, userID, hash string, components fingerprint.Components, ip string) error
}

// Recorder receives verification metrics
type Recorder interface {
	RecordVerification(outcome string)
	RecordBan(reason string)
}

// Verifier runs the verification callback
type Verifier struct {
	tokens   TokenVerifier
	ips      IPChecker
	vpn      throttle.VPNChecker
	devices  DeviceRegistry
	settings settings.Source
	recorder Recorder
	logger   *slog.Logger
}

// NewVerifier wires the engines together. vpn and recorder may be nil.
func NewVerifier(tokens TokenVerifier, ips IPChecker, vpn throttle.VPNChecker, devices DeviceRegistry, src settings.Source, recorder Recorder, logger *slog.Logger) *Verifier {
	return &Verifier{
		tokens:   tokens,
		ips:      ips,
		vpn:      vpn,
		devices:  devices,
		settings: src,
		recorder: recorder,
		logger:   logger,
	}
}

// VerifyDevice runs every check in order and stops at the first rejection.
// Errors are reserved for storage failures.
func (v *Verifier) VerifyDevice(ctx context.Context, req VerifyRequest) (Result, error) {
	res, err := v.verify(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if v.recorder != nil {
		v.recorder.RecordVerification(string(res.Outcome))
	}
	v.logger.Info("device verification", "user_id", req.UserID, "ip", req.IP, "outcome", res.Outcome)
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (Result, error) {
	switch err := v.tokens.Verify(ctx, req.Secret, req.UserID); {
	case errors.Is(err, secrettoken.ErrTokenInvalid):
		return Result{Outcome: OutcomeInvalidToken}, nil
	case errors.Is(err, secrettoken.ErrTokenExpired):
		return Result{Outcome: OutcomeExpiredToken}, nil
	case err != nil:
		return Result{}, fmt.Errorf("verifying token: %w", err)
	}

	check, err := v.ips.CheckAndRecord(ctx, req.IP, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("checking ip: %w", err)
	}
	if check.Banned {
		if check.Reason != throttle.ReasonIPBanned && v.recorder != nil {
			v.recorder.RecordBan(string(check.Reason))
		}
		return Result{Outcome: OutcomeIPBanned, Detail: check.Detail}, nil
	}

	prot, err := v.settings.Protection(ctx)
	if err != nil {
		return Result{}, err
	}
	if prot.VPNDetectionEnabled && v.vpn != nil {
		if v.vpn.Lookup(ctx, req.IP).IsVPN() {
			return Result{Outcome: OutcomeVPNDetected}, nil
		}
	}

	dup, err := v.devices.CheckDuplicate(ctx, req.Fingerprint, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("checking device: %w", err)
	}
	if dup.Duplicate {
		return Result{Outcome: OutcomeDuplicateDevice}, nil
	}

	if err := v.devices.Save(ctx, req.UserID, req.Fingerprint, req.Components, req.IP); err != nil {
		return Result{}, fmt.Errorf("saving device: %w", err)
	}
	return Result{Outcome: OutcomeOK}, nil
}
