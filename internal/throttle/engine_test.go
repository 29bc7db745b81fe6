// ABOUTME: Tests for the IP throttle engine and VPN detector
// ABOUTME: Covers thresholds, ban expiry, manual bans, the master switch and lookup failures

package throttle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultProtection() settings.Static {
	return settings.Static{
		IPBanEnabled:       true,
		MaxUsersPerIP:      1,
		BanDurationHours:   72,
		MaxAttemptsPerHour: 5,
		TokenTTLMinutes:    5,
	}
}

func setupEngine(t *testing.T, prot settings.Static) (*Engine, *store.SQLiteStore, *clock) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	c := &clock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	return New(s, prot, testLogger()).WithClock(c.Now), s, c
}

// verifyUser simulates a completed device verification from ip
func verifyUser(t *testing.T, s *store.SQLiteStore, userID, ip string, at time.Time) {
	t.Helper()
	require.NoError(t, s.SaveFingerprint(context.Background(), &store.Fingerprint{
		ID: "fp-" + userID, Hash: "hash-" + userID, UserID: userID, IP: ip, CreatedAt: at,
	}))
}

func TestCheckAndRecord_FirstUserAllowed(t *testing.T) {
	e, _, _ := setupEngine(t, defaultProtection())

	res, err := e.CheckAndRecord(context.Background(), "10.0.0.1", "@a:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, 1, res.RemainingAccounts)
	assert.Equal(t, 4, res.RemainingAttempts)
}

func TestCheckAndRecord_TooManyAccounts(t *testing.T) {
	e, s, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	res, err := e.CheckAndRecord(ctx, "10.0.0.1", "@a:example.org")
	require.NoError(t, err)
	require.False(t, res.Banned)
	verifyUser(t, s, "@a:example.org", "10.0.0.1", c.t)

	res, err = e.CheckAndRecord(ctx, "10.0.0.1", "@b:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, ReasonTooManyAccounts, res.Reason)
	assert.Contains(t, res.Detail, "2 accounts")

	ban, err := s.GetActiveBan(ctx, "10.0.0.1", c.t)
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.True(t, ban.ExpiresAt.Equal(c.t.Add(72*time.Hour)))
	assert.Empty(t, ban.BannedBy)

	// The ip is now banned for everyone, including the first user
	res, err = e.CheckAndRecord(ctx, "10.0.0.1", "@a:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, ReasonIPBanned, res.Reason)
}

func TestCheckAndRecord_SameUserNotCountedAgainstItself(t *testing.T) {
	e, s, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	verifyUser(t, s, "@a:example.org", "10.0.0.1", c.t)

	res, err := e.CheckAndRecord(ctx, "10.0.0.1", "@a:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)
}

func TestCheckAndRecord_TooManyAttempts(t *testing.T) {
	e, _, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := e.CheckAndRecord(ctx, "10.0.0.2", "@a:example.org")
		require.NoError(t, err)
		require.False(t, res.Banned, "attempt %d", i+1)
		assert.Equal(t, 4-i, res.RemainingAttempts)
		c.t = c.t.Add(time.Minute)
	}

	res, err := e.CheckAndRecord(ctx, "10.0.0.2", "@a:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, ReasonTooManyAttempts, res.Reason)
}

func TestCheckAndRecord_AttemptWindowSlides(t *testing.T) {
	e, _, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.CheckAndRecord(ctx, "10.0.0.2", "@a:example.org")
		require.NoError(t, err)
	}

	c.t = c.t.Add(61 * time.Minute)
	res, err := e.CheckAndRecord(ctx, "10.0.0.2", "@a:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)
}

func TestCheckAndRecord_BanExpires(t *testing.T) {
	e, s, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	expires := c.t.Add(time.Hour)
	require.NoError(t, s.UpsertBan(ctx, &store.IPBan{IP: "10.0.0.3", Reason: "test", BannedAt: c.t, ExpiresAt: &expires}))

	res, err := e.CheckAndRecord(ctx, "10.0.0.3", "@a:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)

	c.t = c.t.Add(2 * time.Hour)
	res, err = e.CheckAndRecord(ctx, "10.0.0.3", "@a:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)

	bans, err := e.ListActiveBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, bans)
}

func TestCheckAndRecord_DisabledOrUnknownIP(t *testing.T) {
	prot := defaultProtection()
	prot.IPBanEnabled = false
	e, s, c := setupEngine(t, prot)
	ctx := context.Background()

	require.NoError(t, s.UpsertBan(ctx, &store.IPBan{IP: "10.0.0.4", Reason: "x", BannedAt: c.t}))
	res, err := e.CheckAndRecord(ctx, "10.0.0.4", "@a:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)

	e2, _, _ := setupEngine(t, defaultProtection())
	for i := 0; i < 10; i++ {
		res, err := e2.CheckAndRecord(ctx, "unknown", "@a:example.org")
		require.NoError(t, err)
		assert.False(t, res.Banned)
	}
}

func TestCheckAndRecord_ConcurrentThresholdSingleBan(t *testing.T) {
	e, s, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	verifyUser(t, s, "@a:example.org", "10.0.0.5", c.t)

	var wg sync.WaitGroup
	var banned atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.CheckAndRecord(ctx, "10.0.0.5", fmt.Sprintf("@u%d:example.org", i))
			assert.NoError(t, err)
			if res.Banned {
				banned.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), banned.Load())
	bans, err := e.ListActiveBans(ctx)
	require.NoError(t, err)
	assert.Len(t, bans, 1)
}

func TestManualBanAndUnban(t *testing.T) {
	e, _, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	ban, err := e.ManualBan(ctx, "10.0.0.6", "abuse", 0, "@admin:example.org")
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.True(t, ban.ExpiresAt.After(c.t.Add(99*365*24*time.Hour)))

	c.t = c.t.Add(time.Second)
	_, err = e.ManualBan(ctx, "10.0.0.7", "spam", 24, "@admin:example.org")
	require.NoError(t, err)

	bans, err := e.ListActiveBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 2)
	assert.Equal(t, "10.0.0.7", bans[0].IP, "newest first")
	assert.Equal(t, "@admin:example.org", bans[0].BannedBy)

	// Re-banning replaces the record
	_, err = e.ManualBan(ctx, "10.0.0.7", "spam again", 48, "@other:example.org")
	require.NoError(t, err)
	bans, err = e.ListActiveBans(ctx)
	require.NoError(t, err)
	assert.Equal(t, "spam again", bans[0].Reason)

	removed, err := e.ManualUnban(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = e.ManualUnban(ctx, "10.0.0.7")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = e.ManualBan(ctx, "", "x", 1, "")
	assert.Error(t, err)
	_, err = e.ManualBan(ctx, "10.0.0.8", "x", -1, "")
	assert.Error(t, err)
}

// End to end: A verifies from an ip, B is banned, the ban is lifted and C is
// evaluated on activity after the unban only.
func TestUnbanThenNewUserEvaluatedFresh(t *testing.T) {
	e, s, c := setupEngine(t, defaultProtection())
	ctx := context.Background()

	_, err := e.CheckAndRecord(ctx, "1.2.3.4", "@a:example.org")
	require.NoError(t, err)
	verifyUser(t, s, "@a:example.org", "1.2.3.4", c.t)

	c.t = c.t.Add(time.Minute)
	res, err := e.CheckAndRecord(ctx, "1.2.3.4", "@b:example.org")
	require.NoError(t, err)
	require.True(t, res.Banned)
	assert.Equal(t, ReasonTooManyAccounts, res.Reason)

	c.t = c.t.Add(time.Minute)
	res, err = e.CheckAndRecord(ctx, "1.2.3.4", "@c:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, ReasonIPBanned, res.Reason, "existing ban short-circuits")

	_, err = e.ManualUnban(ctx, "1.2.3.4")
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	res, err = e.CheckAndRecord(ctx, "1.2.3.4", "@c:example.org")
	require.NoError(t, err)
	assert.False(t, res.Banned)
	verifyUser(t, s, "@c:example.org", "1.2.3.4", c.t)

	// C's own verification now counts, so a fourth account retriggers the cap
	c.t = c.t.Add(time.Minute)
	res, err = e.CheckAndRecord(ctx, "1.2.3.4", "@d:example.org")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, ReasonTooManyAccounts, res.Reason)
}

// With the clock frozen, everything after an unban lands in the same second
// as the reset. Those accounts and attempts must still count.
func TestUnbanSameInstantStillCounts(t *testing.T) {
	t.Run("accounts", func(t *testing.T) {
		e, s, c := setupEngine(t, defaultProtection())
		ctx := context.Background()

		_, err := e.CheckAndRecord(ctx, "1.2.3.4", "@a:example.org")
		require.NoError(t, err)
		verifyUser(t, s, "@a:example.org", "1.2.3.4", c.t)

		res, err := e.CheckAndRecord(ctx, "1.2.3.4", "@b:example.org")
		require.NoError(t, err)
		require.True(t, res.Banned)

		_, err = e.ManualUnban(ctx, "1.2.3.4")
		require.NoError(t, err)

		res, err = e.CheckAndRecord(ctx, "1.2.3.4", "@c:example.org")
		require.NoError(t, err)
		require.False(t, res.Banned, "pre-unban verification of a is forgotten")
		verifyUser(t, s, "@c:example.org", "1.2.3.4", c.t)

		res, err = e.CheckAndRecord(ctx, "1.2.3.4", "@d:example.org")
		require.NoError(t, err)
		assert.True(t, res.Banned)
		assert.Equal(t, ReasonTooManyAccounts, res.Reason)
	})

	t.Run("attempts", func(t *testing.T) {
		prot := defaultProtection()
		prot.MaxUsersPerIP = 100
		e, _, _ := setupEngine(t, prot)
		ctx := context.Background()

		for i := 0; i < prot.MaxAttemptsPerHour; i++ {
			_, err := e.CheckAndRecord(ctx, "5.6.7.8", "@u:example.org")
			require.NoError(t, err)
		}
		_, err := e.ManualUnban(ctx, "5.6.7.8")
		require.NoError(t, err)

		for i := 0; i < prot.MaxAttemptsPerHour; i++ {
			res, err := e.CheckAndRecord(ctx, "5.6.7.8", "@u:example.org")
			require.NoError(t, err)
			require.False(t, res.Banned, "attempt %d after unban", i+1)
			assert.Equal(t, prot.MaxAttemptsPerHour-i-1, res.RemainingAttempts)
		}

		res, err := e.CheckAndRecord(ctx, "5.6.7.8", "@u:example.org")
		require.NoError(t, err)
		assert.True(t, res.Banned)
		assert.Equal(t, ReasonTooManyAttempts, res.Reason)
	})
}

func TestVPNDetector(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "status,proxy,hosting", r.URL.Query().Get("fields"))
		switch r.URL.Path {
		case "/json/1.1.1.1":
			_, _ = w.Write([]byte(`{"status":"success","proxy":false,"hosting":true}`))
		case "/json/2.2.2.2":
			_, _ = w.Write([]byte(`{"status":"success","proxy":false,"hosting":false}`))
		case "/json/3.3.3.3":
			_, _ = w.Write([]byte(`{"status":"fail"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	d := NewVPNDetector(srv.URL+"/json", time.Second, testLogger())
	defer d.Close()
	ctx := context.Background()

	res := d.Lookup(ctx, "1.1.1.1")
	assert.True(t, res.Checked)
	assert.True(t, res.IsVPN())

	res = d.Lookup(ctx, "2.2.2.2")
	assert.True(t, res.Checked)
	assert.False(t, res.IsVPN())

	assert.Equal(t, VPNResult{}, d.Lookup(ctx, "3.3.3.3"))
	assert.Equal(t, VPNResult{}, d.Lookup(ctx, "4.4.4.4"))
	assert.Equal(t, VPNResult{}, d.Lookup(ctx, "unknown"))

	before := calls.Load()
	d.Lookup(ctx, "1.1.1.1")
	assert.Equal(t, before, calls.Load(), "cached answers skip the network")
}

func TestVPNDetector_Unreachable(t *testing.T) {
	d := NewVPNDetector("http://127.0.0.1:1/json/", 200*time.Millisecond, testLogger())
	defer d.Close()

	res := d.Lookup(context.Background(), "5.5.5.5")
	assert.False(t, res.Checked)
	assert.False(t, res.IsVPN())
}
