// ABOUTME: Shared fixtures for runtime tests
// ABOUTME: Real SQLite store and admission engines over the in-memory transport

package runtime

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/rewards-gateway/internal/admission"
	"github.com/2389/rewards-gateway/internal/secrettoken"
	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
	"github.com/2389/rewards-gateway/internal/transport"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingObserver struct {
	mu         sync.Mutex
	events     map[string]int
	panics     int
	reconnects int
}

func (o *countingObserver) RecordEvent(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		o.events = map[string]int{}
	}
	o.events[result]++
}

func (o *countingObserver) RecordPanic() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panics++
}

func (o *countingObserver) RecordReconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnects++
}

func (o *countingObserver) count(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.events[result]
}

type statusRecorder struct {
	mu      sync.Mutex
	serving map[string]bool
}

func (r *statusRecorder) TenantServing(id string, serving bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serving == nil {
		r.serving = map[string]bool{}
	}
	r.serving[id] = serving
}

func (r *statusRecorder) get(id string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.serving[id]
	return v, ok
}

type fixture struct {
	store      *store.SQLiteStore
	fake       *transport.Fake
	dispatcher *Dispatcher
	manager    *Manager
	observer   *countingObserver
	status     *statusRecorder
}

func setup(t *testing.T, prot settings.Static) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := testLogger()
	bank, err := admission.NewChallengeBank([]admission.Question{
		{Prompt: "2+2?", Options: []string{"3", "4"}, Correct: 1},
	})
	require.NoError(t, err)

	gate := admission.NewGate(s, prot, bank, logger)
	tokens := secrettoken.New(s, prot, logger)
	obs := &countingObserver{}
	status := &statusRecorder{}

	d := NewDispatcher(s, gate, tokens, DispatcherConfig{VerificationURL: "https://verify.example.org/"}, obs, logger)
	t.Cleanup(d.Close)

	fake := transport.NewFake()
	m := NewManager(s, fake, d, Config{
		ReconnectBaseDelay:  5 * time.Millisecond,
		ReconnectMaxBackoff: 20 * time.Millisecond,
		Plans: map[string]Plan{
			store.PlanFree:    {MaxUsers: 2},
			store.PlanPremium: {MaxUsers: 10, DurationDays: 30},
		},
	}, logger, WithObserver(obs), WithStatusListener(status))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return &fixture{store: s, fake: fake, dispatcher: d, manager: m, observer: obs, status: status}
}

// addTenant inserts an active tenant row and makes its credential valid
func (f *fixture) addTenant(t *testing.T, id, bot, owner string, maxUsers int) *store.Tenant {
	t.Helper()
	cred := "token-" + id
	f.fake.AddCredential(cred, transport.Identity{UserID: bot, DisplayName: "Bot " + id})
	tenant := &store.Tenant{
		ID:         id,
		Credential: cred,
		BotUserID:  bot,
		OwnerID:    owner,
		Plan:       store.PlanFree,
		Active:     true,
		MaxUsers:   maxUsers,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTenant(context.Background(), tenant))
	return tenant
}

// tenantContext connects tenant directly, for synchronous dispatcher tests
func (f *fixture) tenantContext(t *testing.T, tenant *store.Tenant) (*TenantContext, *transport.FakeSession) {
	t.Helper()
	sess, err := f.fake.Connect(context.Background(), tenant.Credential)
	require.NoError(t, err)
	return &TenantContext{
		TenantID:  tenant.ID,
		OwnerID:   tenant.OwnerID,
		BotUserID: sess.Identity().UserID,
		Session:   sess,
		Logger:    testLogger(),
	}, f.fake.Session(sess.Identity().UserID)
}

// liveSession waits until the running loop for bot is receiving
func (f *fixture) liveSession(t *testing.T, bot string) *transport.FakeSession {
	t.Helper()
	var fs *transport.FakeSession
	require.Eventually(t, func() bool {
		fs = f.fake.Session(bot)
		return fs != nil
	}, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, fs.WaitReceiving(ctx))
	return fs
}

// admit puts userID straight through the gate of tenant
func (f *fixture) admit(t *testing.T, tenantID, userID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, userID, time.Now())
	require.NoError(t, err)
	_, _, err = f.store.EnsureMember(ctx, tenantID, userID, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.MarkChallengePassed(ctx, tenantID, userID))
	require.NoError(t, f.store.MarkSubscribed(ctx, tenantID, userID))
}

func waitSent(t *testing.T, fs *transport.FakeSession, n int) []transport.SentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(fs.Sent()) >= n }, waitFor, tick)
	return fs.Sent()
}

// admitChallengeOnly passes the challenge but leaves subscription pending
func (f *fixture) admitChallengeOnly(t *testing.T, tenantID, userID string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.EnsureUser(ctx, userID, time.Now())
	require.NoError(t, err)
	_, _, err = f.store.EnsureMember(ctx, tenantID, userID, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.MarkChallengePassed(ctx, tenantID, userID))
}

func storeConfig(rooms ...string) store.TenantConfig {
	return store.TenantConfig{MandatoryRooms: rooms}
}
