// ABOUTME: Matrix implementation of the messaging transport using mautrix
// ABOUTME: Auto-joins invites, skips history on first sync and paces outbound sends

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// networkTimeout bounds single Matrix API calls made outside a caller context
const networkTimeout = 10 * time.Second

// Matrix connects bot access tokens on one homeserver
type Matrix struct {
	homeserver string
	sendRate   rate.Limit
	sendBurst  int
	logger     *slog.Logger
}

// NewMatrix creates a Matrix transport. sendRate is messages per second per bot.
func NewMatrix(homeserver string, sendRate float64, sendBurst int, logger *slog.Logger) *Matrix {
	return &Matrix{
		homeserver: homeserver,
		sendRate:   rate.Limit(sendRate),
		sendBurst:  sendBurst,
		logger:     logger,
	}
}

// Connect validates credential with a whoami call and returns a session for it.
func (m *Matrix) Connect(ctx context.Context, credential string) (Session, error) {
	client, err := mautrix.NewClient(m.homeserver, "", credential)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, fmt.Errorf("whoami: %w", err)
	}
	client.UserID = whoami.UserID
	client.DeviceID = whoami.DeviceID

	ident := Identity{UserID: whoami.UserID.String()}
	if resp, err := client.GetOwnDisplayName(ctx); err == nil {
		ident.DisplayName = resp.DisplayName
	} else {
		m.logger.Debug("no display name", "user_id", ident.UserID, "error", err)
	}

	return &matrixSession{
		client:   client,
		identity: ident,
		limiter:  rate.NewLimiter(m.sendRate, m.sendBurst),
		markdown: goldmark.New(),
		logger:   m.logger.With("bot_user_id", ident.UserID),
	}, nil
}

type matrixSession struct {
	client   *mautrix.Client
	identity Identity
	limiter  *rate.Limiter
	markdown goldmark.Markdown
	logger   *slog.Logger

	mu        sync.Mutex
	receiving bool
}

func (s *matrixSession) Identity() Identity {
	return s.identity
}

// ChatMember reports whether userID has joined chatID. An absent membership
// event means the user is not a member.
func (s *matrixSession) ChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	var content event.MemberEventContent
	err := s.client.StateEvent(ctx, id.RoomID(chatID), event.StateMember, userID, &content)
	if errors.Is(err, mautrix.MNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading membership: %w", err)
	}
	return content.Membership == event.MembershipJoin, nil
}

// SendMessage renders markdown to HTML and sends it as a notice.
func (s *matrixSession) SendMessage(ctx context.Context, chatID, markdown string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    markdown,
	}
	var html bytes.Buffer
	if err := s.markdown.Convert([]byte(markdown), &html); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = html.String()
	}

	if _, err := s.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Receive runs one sync loop. Events are delivered from the sync goroutine,
// so a slow consumer holds back the next sync.
func (s *matrixSession) Receive(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	s.mu.Lock()
	if s.receiving {
		s.mu.Unlock()
		errs <- errors.New("session is already receiving")
		return events, errs
	}
	s.receiving = true
	s.mu.Unlock()

	syncer := mautrix.NewDefaultSyncer()
	syncer.OnSync(s.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		s.handleMessage(ctx, evt, events)
	})
	syncer.OnEventType(event.StateMember, s.handleMembership)
	s.client.Syncer = syncer

	go func() {
		defer func() {
			s.mu.Lock()
			s.receiving = false
			s.mu.Unlock()
		}()

		err := s.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("sync stopped")
		}
		errs <- fmt.Errorf("matrix sync: %w", err)
	}()

	return events, errs
}

func (s *matrixSession) handleMessage(ctx context.Context, evt *event.Event, out chan<- Event) {
	if evt.Sender == s.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	select {
	case out <- Event{
		ID:       evt.ID.String(),
		ChatID:   evt.RoomID.String(),
		SenderID: evt.Sender.String(),
		Text:     content.Body,
		Time:     time.UnixMilli(evt.Timestamp),
	}:
	case <-ctx.Done():
	}
}

// handleMembership joins rooms the bot is invited to so users can open a DM.
func (s *matrixSession) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != s.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := s.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		s.logger.Warn("failed to join invited room", "room", evt.RoomID.String(), "error", err)
		return
	}
	s.logger.Info("joined room on invite", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

func (s *matrixSession) Close() error {
	s.client.StopSync()
	return nil
}
