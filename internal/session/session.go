// Package session holds the per-login state shared by the broker's
// components.
//
// A Session is created when the broker starts and closed on logout. It owns:
//
//   - the lifetime context: every long-lived goroutine (comet loop,
//     subscription watchers) runs under it and stops caring about pending
//     calls once it is cancelled; nothing is actively aborted on the server
//   - the comet channel id, generated on first use and never regenerated
//   - the UI indicators (write pending, commit in progress)
package session

import (
	"context"
	"sync"
)

// Session is the explicit per-login state object.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	ids     IDGenerator
	cometMu sync.Mutex
	cometID string

	indicators Indicators
}

// New creates a session whose lifetime is bounded by parent. A nil ids
// uses UUIDGenerator with the default prefix.
func New(parent context.Context, ids IDGenerator) *Session {
	if ids == nil {
		ids = UUIDGenerator{}
	}
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ctx:    ctx,
		cancel: cancel,
		ids:    ids,
	}
}

// Context is done once the session is closed.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done is shorthand for Context().Done().
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether Close has been called (or the parent ended).
func (s *Session) Closed() bool {
	return s.ctx.Err() != nil
}

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.cancel()
}

// CometID returns the session's comet channel id, generating it on the
// first call.
func (s *Session) CometID() string {
	s.cometMu.Lock()
	defer s.cometMu.Unlock()
	if s.cometID == "" {
		s.cometID = s.ids.Generate()
	}
	return s.cometID
}

// HasCometID reports whether the comet id has been generated yet.
func (s *Session) HasCometID() bool {
	s.cometMu.Lock()
	defer s.cometMu.Unlock()
	return s.cometID != ""
}

// Indicators returns the session's UI indicators.
func (s *Session) Indicators() *Indicators {
	return &s.indicators
}
