// ABOUTME: Per-tenant receive loop with reconnect backoff
// ABOUTME: Events are dispatched serially so each tenant keeps delivery order

package runtime

import (
	"context"
	"errors"
	"time"
)

// Observer records loop and dispatch metrics
type Observer interface {
	RecordEvent(result string)
	RecordPanic()
	RecordReconnect()
}

type nopObserver struct{}

func (nopObserver) RecordEvent(string) {}
func (nopObserver) RecordPanic()       {}
func (nopObserver) RecordReconnect()   {}

var errStreamClosed = errors.New("event stream closed")

// run receives and dispatches events until ctx is cancelled. A failed stream
// is reopened with capped exponential backoff.
func (m *Manager) run(ctx context.Context, h *handle, tc *TenantContext) {
	defer close(h.done)

	backoff := m.cfg.ReconnectBaseDelay
	for {
		delivered, err := m.receive(ctx, tc)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = m.cfg.ReconnectBaseDelay
		}

		m.observer.RecordReconnect()
		tc.Logger.Warn("receive stream failed, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, m.cfg.ReconnectMaxBackoff)
	}
}

// receive consumes one stream. It reports whether any event arrived.
func (m *Manager) receive(ctx context.Context, tc *TenantContext) (bool, error) {
	events, errs := tc.Session.Receive(ctx)
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case err := <-errs:
			return delivered, err
		case evt, ok := <-events:
			if !ok {
				return delivered, errStreamClosed
			}
			delivered = true
			if m.dispatcher != nil {
				m.dispatcher.Dispatch(ctx, tc, evt)
			}
		}
	}
}
