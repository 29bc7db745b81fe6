// ABOUTME: In-memory transport for tests of the runtime and gateway
// ABOUTME: Credentials map to identities; tests inject events and inspect sent messages

package transport

import (
	"context"
	"fmt"
	"sync"
)

// SentMessage is a message a fake session sent
type SentMessage struct {
	ChatID string
	Text   string
}

// Fake is a Transport backed by memory
type Fake struct {
	mu          sync.Mutex
	identities  map[string]Identity
	memberships map[string]bool
	sessions    map[string]*FakeSession // latest session per bot user id
	connects    int
}

// NewFake creates an empty fake transport
func NewFake() *Fake {
	return &Fake{
		identities:  make(map[string]Identity),
		memberships: make(map[string]bool),
		sessions:    make(map[string]*FakeSession),
	}
}

// AddCredential makes credential valid for ident
func (f *Fake) AddCredential(credential string, ident Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[credential] = ident
}

// RevokeCredential makes credential invalid again
func (f *Fake) RevokeCredential(credential string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.identities, credential)
}

// SetMember records whether userID has joined chatID
func (f *Fake) SetMember(chatID, userID string, joined bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[chatID+"|"+userID] = joined
}

// Session returns the most recent session for a bot user id, or nil
func (f *Fake) Session(botUserID string) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[botUserID]
}

// Connects returns how many successful connects happened
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Connect implements Transport
func (f *Fake) Connect(ctx context.Context, credential string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ident, ok := f.identities[credential]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	s := &FakeSession{fake: f, identity: ident}
	f.sessions[ident.UserID] = s
	f.connects++
	return s, nil
}

func (f *Fake) isMember(chatID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberships[chatID+"|"+userID]
}

type fakeStream struct {
	events chan Event
	errs   chan error
}

// FakeSession is a Session created by Fake
type FakeSession struct {
	fake     *Fake
	identity Identity

	mu       sync.Mutex
	stream   *fakeStream
	ready    chan struct{}
	sent     []SentMessage
	receives int
	closed   bool
}

// Identity implements Session
func (s *FakeSession) Identity() Identity {
	return s.identity
}

// ChatMember implements Session
func (s *FakeSession) ChatMember(_ context.Context, chatID, userID string) (bool, error) {
	return s.fake.isMember(chatID, userID), nil
}

// SendMessage implements Session
func (s *FakeSession) SendMessage(_ context.Context, chatID, markdown string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	s.sent = append(s.sent, SentMessage{ChatID: chatID, Text: markdown})
	return nil
}

// Receive implements Session. Each call opens a fresh stream.
func (s *FakeSession) Receive(_ context.Context) (<-chan Event, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &fakeStream{events: make(chan Event, 64), errs: make(chan error, 1)}
	s.stream = st
	s.receives++
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	return st.events, st.errs
}

// Close implements Session
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WaitReceiving blocks until a stream is open or ctx ends
func (s *FakeSession) WaitReceiving(ctx context.Context) error {
	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	if s.ready == nil {
		s.ready = make(chan struct{})
	}
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver pushes evt into the current stream
func (s *FakeSession) Deliver(evt Event) {
	s.mu.Lock()
	st := s.stream
	s.mu.Unlock()
	if st != nil {
		st.events <- evt
	}
}

// Fail ends the current stream with err
func (s *FakeSession) Fail(err error) {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()
	if st != nil {
		st.errs <- err
	}
}

// Sent returns a copy of the messages sent so far
func (s *FakeSession) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// Receives returns how many streams were opened
func (s *FakeSession) Receives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receives
}

// Closed reports whether Close was called
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
