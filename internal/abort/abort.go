// Package abort implements the per-transfer cancellation signal.
//
// A Signal is created once per transfer and passed by reference to every
// stage. Stages poll Stopped (or select on Done) between suspension points.
package abort

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is the cause attached to a signal stopped through Stop.
var ErrStopped = errors.New("transfer stopped")

// Signal is a one-shot cancellation signal backed by a context.
type Signal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

// New creates a signal that also fires when parent is cancelled.
func New(parent context.Context) *Signal {
	ctx, cancel := context.WithCancelCause(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Stop fires the signal. Repeated calls are no-ops.
func (s *Signal) Stop() {
	s.once.Do(func() {
		s.cancel(ErrStopped)
	})
}

// Stopped reports whether the signal fired, either through Stop or the parent context.
func (s *Signal) Stopped() bool {
	return s.ctx.Err() != nil
}

// Context returns the context every I/O call of the transfer must use.
func (s *Signal) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cause returns why the signal fired, or nil while it is live.
func (s *Signal) Cause() error {
	return context.Cause(s.ctx)
}

// Release frees the context resources without marking the transfer stopped
// by the caller. Call it once the transfer settles.
func (s *Signal) Release() {
	s.once.Do(func() {
		s.cancel(context.Canceled)
	})
}
