// ABOUTME: Tests for the device verification callback
// ABOUTME: Wires the real token, throttle and fingerprint engines over one store

package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rewards-gateway/internal/fingerprint"
	"github.com/2389/rewards-gateway/internal/secrettoken"
	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
	"github.com/2389/rewards-gateway/internal/throttle"
)

type stubVPN map[string]throttle.VPNResult

func (s stubVPN) Lookup(_ context.Context, ip string) throttle.VPNResult {
	return s[ip]
}

type countingRecorder struct {
	mu            sync.Mutex
	verifications map[string]int
	bans          map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{verifications: map[string]int{}, bans: map[string]int{}}
}

func (r *countingRecorder) RecordVerification(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifications[outcome]++
}

func (r *countingRecorder) RecordBan(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bans[reason]++
}

type verifierFixture struct {
	verifier *Verifier
	tokens   *secrettoken.Engine
	ips      *throttle.Engine
	store    *store.SQLiteStore
	recorder *countingRecorder
	now      *time.Time
}

func e2eProtection() settings.Static {
	return settings.Static{
		IPBanEnabled:              true,
		MaxUsersPerIP:             1,
		BanDurationHours:          72,
		MaxAttemptsPerHour:        5,
		TokenTTLMinutes:           5,
		BlockDuplicateDevices:     true,
		DeviceVerificationEnabled: true,
	}
}

func setupVerifier(t *testing.T, prot settings.Static, vpn throttle.VPNChecker) *verifierFixture {
	t.Helper()
	s := setupTestStore(t)
	now := testNow
	clock := func() time.Time { return now }
	logger := testLogger()

	tokens := secrettoken.New(s, prot, logger).WithClock(clock)
	ips := throttle.New(s, prot, logger).WithClock(clock)
	devices := fingerprint.New(s, prot, logger).WithClock(clock)
	rec := newCountingRecorder()

	return &verifierFixture{
		verifier: NewVerifier(tokens, ips, vpn, devices, prot, rec, logger),
		tokens:   tokens,
		ips:      ips,
		store:    s,
		recorder: rec,
		now:      &now,
	}
}

func (f *verifierFixture) advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

func (f *verifierFixture) verify(t *testing.T, userID, hash, ip string) Result {
	t.Helper()
	ctx := context.Background()
	token, _, err := f.tokens.Issue(ctx, userID)
	require.NoError(t, err)
	res, err := f.verifier.VerifyDevice(ctx, VerifyRequest{
		UserID:      userID,
		Fingerprint: hash,
		Components:  fingerprint.Components{"canvas": "c-" + hash},
		Secret:      token,
		IP:          ip,
	})
	require.NoError(t, err)
	return res
}

func TestVerifyDevice_EndToEnd(t *testing.T) {
	f := setupVerifier(t, e2eProtection(), nil)
	ctx := context.Background()

	res := f.verify(t, "@a:example.org", "hash-a", "1.2.3.4")
	assert.Equal(t, OutcomeOK, res.Outcome)

	u, err := f.store.GetUser(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.True(t, u.DeviceVerified)

	f.advance(time.Minute)
	res = f.verify(t, "@b:example.org", "hash-b", "1.2.3.4")
	assert.Equal(t, OutcomeIPBanned, res.Outcome)
	assert.Contains(t, res.Detail, "2 accounts")

	_, err = f.ips.ManualUnban(ctx, "1.2.3.4")
	require.NoError(t, err)

	f.advance(time.Minute)
	res = f.verify(t, "@c:example.org", "hash-c", "1.2.3.4")
	assert.Equal(t, OutcomeOK, res.Outcome)

	assert.Equal(t, 2, f.recorder.verifications["OK"])
	assert.Equal(t, 1, f.recorder.verifications["IP_BANNED"])
	assert.Equal(t, 1, f.recorder.bans["too_many_accounts"])
}

func TestVerifyDevice_InvalidAndExpiredToken(t *testing.T) {
	f := setupVerifier(t, e2eProtection(), nil)
	ctx := context.Background()

	res, err := f.verifier.VerifyDevice(ctx, VerifyRequest{UserID: "@a:example.org", Fingerprint: "h", Secret: "bogus", IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidToken, res.Outcome)

	token, _, err := f.tokens.Issue(ctx, "@a:example.org")
	require.NoError(t, err)
	f.advance(6 * time.Minute)

	res, err = f.verifier.VerifyDevice(ctx, VerifyRequest{UserID: "@a:example.org", Fingerprint: "h", Secret: token, IP: "1.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpiredToken, res.Outcome)
	assert.False(t, res.Outcome.Success())
}

func TestVerifyDevice_TokenUsedOnce(t *testing.T) {
	f := setupVerifier(t, e2eProtection(), nil)
	ctx := context.Background()

	token, _, err := f.tokens.Issue(ctx, "@a:example.org")
	require.NoError(t, err)
	req := VerifyRequest{UserID: "@a:example.org", Fingerprint: "h", Secret: token, IP: "1.1.1.1"}

	res, err := f.verifier.VerifyDevice(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, res.Outcome)

	res, err = f.verifier.VerifyDevice(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidToken, res.Outcome)
}

func TestVerifyDevice_DuplicateDevice(t *testing.T) {
	f := setupVerifier(t, e2eProtection(), nil)

	assert.Equal(t, OutcomeOK, f.verify(t, "@a:example.org", "shared", "1.1.1.1").Outcome)
	assert.Equal(t, OutcomeDuplicateDevice, f.verify(t, "@b:example.org", "shared", "2.2.2.2").Outcome)

	// The original owner may re-verify the same device
	f.advance(time.Minute)
	assert.Equal(t, OutcomeOK, f.verify(t, "@a:example.org", "shared", "1.1.1.1").Outcome)
}

func TestVerifyDevice_VPN(t *testing.T) {
	vpn := stubVPN{"9.9.9.9": {Checked: true, Hosting: true}}

	f := setupVerifier(t, e2eProtection(), vpn)
	assert.Equal(t, OutcomeOK, f.verify(t, "@a:example.org", "h1", "9.9.9.9").Outcome, "detection disabled")

	prot := e2eProtection()
	prot.VPNDetectionEnabled = true
	f = setupVerifier(t, prot, vpn)
	assert.Equal(t, OutcomeVPNDetected, f.verify(t, "@a:example.org", "h1", "9.9.9.9").Outcome)
	assert.Equal(t, OutcomeOK, f.verify(t, "@b:example.org", "h2", "8.8.8.8").Outcome)
}

func TestOutcomeMessagesDistinct(t *testing.T) {
	outcomes := []Outcome{
		OutcomeOK, OutcomeInvalidToken, OutcomeExpiredToken,
		OutcomeIPBanned, OutcomeVPNDetected, OutcomeDuplicateDevice,
	}
	seen := map[string]bool{}
	for _, o := range outcomes {
		msg := o.Message()
		assert.NotEmpty(t, msg)
		assert.False(t, seen[msg], "message for %s is reused", o)
		seen[msg] = true
	}
}
