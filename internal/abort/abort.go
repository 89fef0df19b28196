// Package abort carries request-wide cooperative cancellation.
//
// A Signal wraps a context: every tile fetch of a request derives its own
// context from Signal.Context, so aborting the signal cancels all of them.
// Fetches that need extra cleanup register a Handle with OnAbort and detach
// it with the returned stop function once they settle.
package abort

import (
	"context"
	"errors"
)

// ErrAborted is the cancellation cause set by Signal.Abort.
var ErrAborted = errors.New("request aborted")

type Signal struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New returns a signal that is also aborted when parent is done.
func New(parent context.Context) *Signal {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Abort marks the signal aborted. It is safe to call more than once.
func (s *Signal) Abort() {
	s.cancel(ErrAborted)
}

// Release frees the resources of a signal whose request has completed.
func (s *Signal) Release() {
	s.cancel(context.Canceled)
}

func (s *Signal) Aborted() bool {
	return s.ctx.Err() != nil
}

// Err reports why the signal was aborted, or nil.
func (s *Signal) Err() error {
	if s.ctx.Err() == nil {
		return nil
	}
	return context.Cause(s.ctx)
}

func (s *Signal) Context() context.Context {
	return s.ctx
}

// OnAbort runs h once the signal is aborted. stop detaches h and reports
// whether it did so before h ran.
func (s *Signal) OnAbort(h Handle) (stop func() bool) {
	return context.AfterFunc(s.ctx, h.Abort)
}

// Handle cancels one in-flight fetch. The zero value is a no-op.
type Handle func()

func (h Handle) Abort() {
	if h != nil {
		h()
	}
}
