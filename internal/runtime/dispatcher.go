// ABOUTME: Routes tenant events through dedupe, tenant checks and the admission gate
// ABOUTME: Built-in gate commands run before registered reward handlers

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/2389/rewards-gateway/internal/admission"
	"github.com/2389/rewards-gateway/internal/store"
	"github.com/2389/rewards-gateway/internal/transport"
	"github.com/2389/rewards-gateway/internal/ttlcache"
)

// Gate commands
const (
	CommandStart    = "!start"
	CommandVerified = "!verified"
	CommandAnswer   = "!answer"
	CommandCheck    = "!check"
)

// Dispatch results, used as metric labels
const (
	resultHandled   = "handled"
	resultDuplicate = "duplicate"
	resultSelf      = "self"
	resultInactive  = "inactive"
	resultExpired   = "expired"
	resultCapacity  = "capacity"
	resultGated     = "gated"
	resultUnhandled = "unhandled"
	resultError     = "error"
	resultPanic     = "panic"
)

const dedupeCacheSize = 100_000

// TenantContext is passed explicitly to every handler of one tenant
type TenantContext struct {
	TenantID    string
	OwnerID     string
	DisplayName string
	BotUserID   string
	Session     transport.Session
	Logger      *slog.Logger
}

// Reply sends markdown to a chat, logging instead of failing
func (tc *TenantContext) Reply(ctx context.Context, chatID, markdown string) {
	if err := tc.Session.SendMessage(ctx, chatID, markdown); err != nil {
		tc.Logger.Warn("failed to send message", "chat_id", chatID, "error", err)
	}
}

// Event is an inbound message split into a command and its arguments,
// with the sender's admission records loaded.
type Event struct {
	transport.Event
	Command string
	Args    []string
	User    *store.User
	Member  *store.Member
}

// Handler processes one admitted event
type Handler func(ctx context.Context, tc *TenantContext, evt *Event) error

// DispatchStore is the persistence the dispatcher needs
type DispatchStore interface {
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	TouchTenant(ctx context.Context, id string, now time.Time) error
	EnsureUser(ctx context.Context, userID string, now time.Time) (*store.User, error)
	GetMember(ctx context.Context, tenantID, userID string) (*store.Member, error)
	EnsureMember(ctx context.Context, tenantID, userID string, now time.Time) (*store.Member, bool, error)
}

// TokenIssuer hands out device verification tokens
type TokenIssuer interface {
	Issue(ctx context.Context, userID string) (string, time.Duration, error)
}

// DispatcherConfig tunes the dispatcher
type DispatcherConfig struct {
	// VerificationURL is the device verification page. The token, user and
	// bot are appended as query parameters.
	VerificationURL string
	DedupeTTL       time.Duration
}

// Dispatcher runs the event pipeline shared by every tenant
type Dispatcher struct {
	store    DispatchStore
	gate     *admission.Gate
	tokens   TokenIssuer
	cfg      DispatcherConfig
	seen     *ttlcache.Cache[string, struct{}]
	handlers map[string]Handler
	fallback Handler
	observer Observer
	now      func() time.Time
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(s DispatchStore, gate *admission.Gate, tokens TokenIssuer, cfg DispatcherConfig, observer Observer, logger *slog.Logger) *Dispatcher {
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		store:    s,
		gate:     gate,
		tokens:   tokens,
		cfg:      cfg,
		seen:     ttlcache.New[string, struct{}](cfg.DedupeTTL, dedupeCacheSize),
		handlers: make(map[string]Handler),
		observer: observer,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the wall clock, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Handle registers h for command, e.g. "!balance". Registration happens
// before any tenant starts; gate commands cannot be overridden.
func (d *Dispatcher) Handle(command string, h Handler) {
	command = strings.ToLower(command)
	switch command {
	case CommandStart, CommandVerified, CommandAnswer, CommandCheck:
		panic(fmt.Sprintf("runtime: %s is a built-in command", command))
	}
	d.handlers[command] = h
}

// HandleDefault registers the handler for admitted messages no command matched
func (d *Dispatcher) HandleDefault(h Handler) {
	d.fallback = h
}

// Close releases the dedupe cache
func (d *Dispatcher) Close() {
	d.seen.Close()
}

// Dispatch processes one event. Panics are recovered so one bad handler can
// never take down the tenant loop.
func (d *Dispatcher) Dispatch(ctx context.Context, tc *TenantContext, evt transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.observer.RecordPanic()
			d.observer.RecordEvent(resultPanic)
			tc.Logger.Error("handler panic recovered",
				"event_id", evt.ID,
				"sender", evt.SenderID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	result, err := d.dispatch(ctx, tc, evt)
	if err != nil {
		tc.Logger.Error("dispatch failed", "event_id", evt.ID, "sender", evt.SenderID, "error", err)
		result = resultError
	}
	d.observer.RecordEvent(result)
}

func (d *Dispatcher) dispatch(ctx context.Context, tc *TenantContext, raw transport.Event) (string, error) {
	if raw.ID != "" && d.seen.SeenOrMark(tc.TenantID+"/"+raw.ID, struct{}{}) {
		return resultDuplicate, nil
	}
	if raw.SenderID == tc.BotUserID {
		return resultSelf, nil
	}

	now := d.now()
	tenant, err := d.store.GetTenant(ctx, tc.TenantID)
	if err != nil {
		return "", fmt.Errorf("loading tenant: %w", err)
	}
	if !tenant.Active {
		return resultInactive, nil
	}
	if tenant.Expired(now) {
		tc.Reply(ctx, raw.ChatID, "This bot's hosting plan has expired. The owner needs to renew it.")
		return resultExpired, nil
	}
	if err := d.store.TouchTenant(ctx, tenant.ID, now); err != nil {
		tc.Logger.Debug("touching tenant", "error", err)
	}

	member, err := d.loadMember(ctx, tenant, raw.SenderID, now)
	if err != nil {
		return "", err
	}
	if member == nil {
		tc.Reply(ctx, raw.ChatID, "This bot has reached its member limit. Please try again later.")
		return resultCapacity, nil
	}
	user, err := d.store.EnsureUser(ctx, raw.SenderID, now)
	if err != nil {
		return "", fmt.Errorf("loading user: %w", err)
	}

	evt := &Event{Event: raw, User: user, Member: member}
	evt.Command, evt.Args = parseCommand(raw.Text)

	in := admission.GateInput{Tenant: tenant, User: user, Member: member, Checker: tc.Session}

	switch evt.Command {
	case CommandStart, CommandVerified, CommandCheck:
		return resultGated, d.presentState(ctx, tc, in, evt, true)
	case CommandAnswer:
		return resultGated, d.answer(ctx, tc, in, evt)
	}

	decision, err := d.gate.Evaluate(ctx, in)
	if err != nil {
		return "", fmt.Errorf("evaluating admission: %w", err)
	}
	if decision.State != admission.StateAdmitted {
		return resultGated, d.prompt(ctx, tc, in, evt, decision, false)
	}

	h, ok := d.handlers[evt.Command]
	if !ok {
		h = d.fallback
	}
	if h == nil {
		return resultUnhandled, nil
	}
	if err := h(ctx, tc, evt); err != nil {
		return "", fmt.Errorf("handler %q: %w", evt.Command, err)
	}
	return resultHandled, nil
}

// loadMember returns the sender's membership, creating it on first contact.
// It returns nil when the tenant is full; the owner always gets in.
func (d *Dispatcher) loadMember(ctx context.Context, tenant *store.Tenant, userID string, now time.Time) (*store.Member, error) {
	m, err := d.store.GetMember(ctx, tenant.ID, userID)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading member: %w", err)
	}

	if tenant.MaxUsers > 0 && tenant.CurrentUsers >= tenant.MaxUsers && userID != tenant.OwnerID {
		return nil, nil
	}
	if _, err := d.store.EnsureUser(ctx, userID, now); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	m, _, err = d.store.EnsureMember(ctx, tenant.ID, userID, now)
	if err != nil {
		return nil, fmt.Errorf("creating member: %w", err)
	}
	return m, nil
}

// presentState evaluates the gate and tells the user what to do next, or
// welcomes them when admitted.
func (d *Dispatcher) presentState(ctx context.Context, tc *TenantContext, in admission.GateInput, evt *Event, issueToken bool) error {
	decision, err := d.gate.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("evaluating admission: %w", err)
	}
	return d.prompt(ctx, tc, in, evt, decision, issueToken)
}

func (d *Dispatcher) answer(ctx context.Context, tc *TenantContext, in admission.GateInput, evt *Event) error {
	decision, err := d.gate.Evaluate(ctx, in)
	if err != nil {
		return fmt.Errorf("evaluating admission: %w", err)
	}
	if decision.State != admission.StateNeedsChallenge {
		return d.prompt(ctx, tc, in, evt, decision, false)
	}

	choice := -1
	if len(evt.Args) > 0 {
		if n, err := strconv.Atoi(evt.Args[0]); err == nil {
			choice = n - 1
		}
	}

	ok, err := d.gate.AnswerChallenge(ctx, in.Tenant.ID, in.User.ID, choice)
	if err != nil {
		return err
	}
	if !ok {
		tc.Reply(ctx, evt.ChatID, "That answer is not correct. Here is another question.")
		return d.presentState(ctx, tc, in, evt, false)
	}

	in.Member.ChallengePassed = true
	return d.presentState(ctx, tc, in, evt, false)
}

func (d *Dispatcher) prompt(ctx context.Context, tc *TenantContext, in admission.GateInput, evt *Event, decision admission.Decision, issueToken bool) error {
	switch decision.State {
	case admission.StateDenied:
		tc.Reply(ctx, evt.ChatID, "Your account is blocked from using this bot.")

	case admission.StateNeedsDeviceVerification:
		if !issueToken {
			tc.Reply(ctx, evt.ChatID, "You need to verify your device first. Send `!start` to get a verification link.")
			return nil
		}
		token, ttl, err := d.tokens.Issue(ctx, in.User.ID)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}
		tc.Reply(ctx, evt.ChatID, d.verificationMessage(tc, in.User.ID, token, ttl))

	case admission.StateNeedsChallenge:
		q, pending, err := d.gate.PendingChallenge(ctx, in.Tenant.ID, in.User.ID)
		if err != nil {
			return err
		}
		if !pending {
			if q, err = d.gate.IssueChallenge(ctx, in.Tenant.ID, in.User.ID); err != nil {
				return err
			}
		}
		tc.Reply(ctx, evt.ChatID, q.Format())

	case admission.StateNeedsSubscription:
		var sb strings.Builder
		sb.WriteString("Please join these rooms to continue:\n\n")
		for _, room := range decision.MissingRooms {
			fmt.Fprintf(&sb, "- %s\n", room)
		}
		sb.WriteString("\nThen send `!check`.")
		tc.Reply(ctx, evt.ChatID, sb.String())

	case admission.StateAdmitted:
		welcome := in.Tenant.Config.WelcomeText
		if welcome == "" {
			welcome = fmt.Sprintf("Welcome to **%s**! You are all set.", displayName(tc))
		}
		tc.Reply(ctx, evt.ChatID, welcome)
	}
	return nil
}

func (d *Dispatcher) verificationMessage(tc *TenantContext, userID, token string, ttl time.Duration) string {
	minutes := int(ttl.Minutes())
	if d.cfg.VerificationURL == "" {
		return fmt.Sprintf("Your device verification code is `%s`. It expires in %d minutes. Send `!verified` when done.", token, minutes)
	}

	q := url.Values{}
	q.Set("secret", token)
	q.Set("user_id", userID)
	q.Set("bot", tc.BotUserID)
	link := d.cfg.VerificationURL
	if strings.Contains(link, "?") {
		link += "&" + q.Encode()
	} else {
		link += "?" + q.Encode()
	}
	return fmt.Sprintf("To keep rewards fair, verify your device: [open the verification page](%s)\n\nThe link expires in %d minutes. Send `!verified` when done.", link, minutes)
}

func displayName(tc *TenantContext) string {
	if tc.DisplayName != "" {
		return tc.DisplayName
	}
	return tc.BotUserID
}

// parseCommand splits "!cmd a b" into "!cmd" and its arguments. Plain text has no command.
func parseCommand(text string) (string, []string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") {
		return "", fields
	}
	return strings.ToLower(fields[0]), fields[1:]
}
