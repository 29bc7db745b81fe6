// ABOUTME: Messaging transport abstraction used by tenant bot loops
// ABOUTME: A Transport turns a credential into a Session that receives and sends chat messages

package transport

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned by Connect when the platform rejects the credential
var ErrUnauthorized = errors.New("credential rejected by chat platform")

// Identity is the bot account a credential belongs to
type Identity struct {
	UserID      string
	DisplayName string
}

// Event is one inbound chat message
type Event struct {
	ID       string
	ChatID   string
	SenderID string
	Text     string
	Time     time.Time
}

// Transport connects bot credentials to the chat platform
type Transport interface {
	// Connect probes credential and returns a live session for it.
	Connect(ctx context.Context, credential string) (Session, error)
}

// Session is one connected bot account.
//
// Receive starts a stream of inbound events that runs until ctx is cancelled
// or the stream fails. A failure is delivered once on the error channel;
// cancellation is not reported. Receive may be called again after a failure.
type Session interface {
	Identity() Identity
	ChatMember(ctx context.Context, chatID, userID string) (bool, error)
	SendMessage(ctx context.Context, chatID, markdown string) error
	Receive(ctx context.Context) (<-chan Event, <-chan error)
	Close() error
}
