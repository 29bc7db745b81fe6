// ABOUTME: Tests for the event pipeline and built-in gate commands
// ABOUTME: Dispatch is called synchronously against a fake session

package runtime

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/transport"
)

func msg(id, sender, text string) transport.Event {
	return transport.Event{ID: id, ChatID: "!dm:example.org", SenderID: sender, Text: text, Time: time.Now()}
}

func TestDispatch_AdmittedHandlerRuns(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, fs := f.tenantContext(t, tenant)
	f.admit(t, tenant.ID, "@alice:example.org")

	var got *Event
	f.dispatcher.Handle("!ping", func(ctx context.Context, tc *TenantContext, evt *Event) error {
		got = evt
		tc.Reply(ctx, evt.ChatID, "pong")
		return nil
	})

	f.dispatcher.Dispatch(context.Background(), tc, msg("$1", "@alice:example.org", "!PING now"))

	require.NotNil(t, got)
	assert.Equal(t, "!ping", got.Command)
	assert.Equal(t, []string{"now"}, got.Args)
	assert.Equal(t, "@alice:example.org", got.User.ID)
	assert.Equal(t, "pong", fs.Sent()[0].Text)
	assert.Equal(t, 1, f.observer.count(resultHandled))
}

func TestDispatch_DuplicateAndSelfIgnored(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, fs := f.tenantContext(t, tenant)
	f.admit(t, tenant.ID, "@alice:example.org")

	calls := 0
	f.dispatcher.HandleDefault(func(context.Context, *TenantContext, *Event) error {
		calls++
		return nil
	})

	ctx := context.Background()
	f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "hello"))
	f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "hello"))
	f.dispatcher.Dispatch(ctx, tc, msg("$2", "@bot1:example.org", "echo"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, f.observer.count(resultDuplicate))
	assert.Equal(t, 1, f.observer.count(resultSelf))
	assert.Empty(t, fs.Sent())
}

func TestDispatch_PanicRecovered(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, _ := f.tenantContext(t, tenant)
	f.admit(t, tenant.ID, "@alice:example.org")

	f.dispatcher.Handle("!boom", func(context.Context, *TenantContext, *Event) error {
		panic("kaboom")
	})
	f.dispatcher.Handle("!fail", func(context.Context, *TenantContext, *Event) error {
		return errors.New("handler failed")
	})

	ctx := context.Background()
	assert.NotPanics(t, func() {
		f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "!boom"))
	})
	f.dispatcher.Dispatch(ctx, tc, msg("$2", "@alice:example.org", "!fail"))

	assert.Equal(t, 1, f.observer.count(resultPanic))
	assert.Equal(t, 1, f.observer.count(resultError))
}

func TestDispatch_DeviceVerificationLink(t *testing.T) {
	f := setup(t, settings.Static{DeviceVerificationEnabled: true, TokenTTLMinutes: 5})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, fs := f.tenantContext(t, tenant)
	ctx := context.Background()

	// Plain messages only remind; they do not mint tokens
	f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "hello"))
	sent := fs.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "!start")
	assert.NotContains(t, sent[0].Text, "secret=")

	f.dispatcher.Dispatch(ctx, tc, msg("$2", "@alice:example.org", "!start"))
	sent = fs.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Text, "https://verify.example.org/?")
	assert.Contains(t, sent[1].Text, "5 minutes")

	start := strings.Index(sent[1].Text, "(") + 1
	end := strings.Index(sent[1].Text, ")")
	link, err := url.Parse(sent[1].Text[start:end])
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", link.Query().Get("user_id"))
	assert.Equal(t, "@bot1:example.org", link.Query().Get("bot"))
	assert.Len(t, link.Query().Get("secret"), 43)
}

func TestDispatch_ChallengeFlow(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, fs := f.tenantContext(t, tenant)
	ctx := context.Background()
	user := "@alice:example.org"

	handled := 0
	f.dispatcher.HandleDefault(func(context.Context, *TenantContext, *Event) error {
		handled++
		return nil
	})

	f.dispatcher.Dispatch(ctx, tc, msg("$1", user, "!start"))
	require.Contains(t, fs.Sent()[0].Text, "2+2?")

	f.dispatcher.Dispatch(ctx, tc, msg("$2", user, "!answer 1"))
	sent := fs.Sent()
	assert.Contains(t, sent[1].Text, "not correct")
	assert.Contains(t, sent[2].Text, "2+2?")

	f.dispatcher.Dispatch(ctx, tc, msg("$3", user, "!answer 2"))
	sent = fs.Sent()
	assert.Contains(t, sent[len(sent)-1].Text, "Welcome")

	f.dispatcher.Dispatch(ctx, tc, msg("$4", user, "hello"))
	assert.Equal(t, 1, handled)

	m, err := f.store.GetMember(ctx, tenant.ID, user)
	require.NoError(t, err)
	assert.True(t, m.ChallengePassed)
	assert.True(t, m.Subscribed)
}

func TestDispatch_SubscriptionRequired(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateTenantConfig(ctx, tenant.ID, storeConfig("!news:example.org")))

	tc, fs := f.tenantContext(t, tenant)
	user := "@alice:example.org"
	f.admitChallengeOnly(t, tenant.ID, user)

	f.dispatcher.Dispatch(ctx, tc, msg("$1", user, "hello"))
	assert.Contains(t, fs.Sent()[0].Text, "!news:example.org")

	f.fake.SetMember("!news:example.org", user, true)
	f.dispatcher.Dispatch(ctx, tc, msg("$2", user, "!check"))
	assert.Contains(t, fs.Sent()[1].Text, "Welcome")
}

func TestDispatch_CapacityAndOwnerBypass(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 1)
	tc, fs := f.tenantContext(t, tenant)
	ctx := context.Background()

	f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "hi"))
	f.dispatcher.Dispatch(ctx, tc, msg("$2", "@bob:example.org", "hi"))
	assert.Equal(t, 1, f.observer.count(resultCapacity))
	assert.Contains(t, fs.Sent()[1].Text, "member limit")

	// Existing members and the owner are never turned away
	f.dispatcher.Dispatch(ctx, tc, msg("$3", "@alice:example.org", "hi again"))
	f.dispatcher.Dispatch(ctx, tc, msg("$4", "@owner:example.org", "hi"))
	assert.Equal(t, 1, f.observer.count(resultCapacity))

	n, err := f.store.CountMembers(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDispatch_ExpiredAndInactiveTenant(t *testing.T) {
	f := setup(t, settings.Static{})
	tenant := f.addTenant(t, "t1", "@bot1:example.org", "@owner:example.org", 10)
	tc, fs := f.tenantContext(t, tenant)
	ctx := context.Background()

	f.dispatcher.WithClock(func() time.Time { return time.Now().Add(time.Hour) })
	past := time.Now().Add(-time.Hour)
	tenant.ExpiresAt = &past
	require.NoError(t, f.store.DeleteTenant(ctx, tenant.ID))
	require.NoError(t, f.store.CreateTenant(ctx, tenant))

	f.dispatcher.Dispatch(ctx, tc, msg("$1", "@alice:example.org", "hi"))
	assert.Contains(t, fs.Sent()[0].Text, "expired")

	require.NoError(t, f.store.SetTenantActive(ctx, tenant.ID, false, time.Now()))
	f.dispatcher.Dispatch(ctx, tc, msg("$2", "@alice:example.org", "hi"))
	assert.Equal(t, 1, f.observer.count(resultInactive))
}

func TestHandle_BuiltinCommandPanics(t *testing.T) {
	f := setup(t, settings.Static{})
	assert.Panics(t, func() {
		f.dispatcher.Handle("!start", func(context.Context, *TenantContext, *Event) error { return nil })
	})
}

func TestParseCommand(t *testing.T) {
	cmd, args := parseCommand("  !Answer 2  ")
	assert.Equal(t, "!answer", cmd)
	assert.Equal(t, []string{"2"}, args)

	cmd, args = parseCommand("just chatting")
	assert.Empty(t, cmd)
	assert.Equal(t, []string{"just", "chatting"}, args)

	cmd, _ = parseCommand("")
	assert.Empty(t, cmd)
}
