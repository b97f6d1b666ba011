package cancel

import (
	"context"
	"errors"
	"time"
)

// ErrAborted is the cause recorded when a token is aborted explicitly.
var ErrAborted = errors.New("aborted")

// ErrTimeout is the cause recorded when a child token's deadline fires.
var ErrTimeout = errors.New("attempt timed out")

// Token is a composable cancellation handle. A run holds one root token;
// each LLM attempt derives a child bound to the shorter of the parent's
// cancellation and its own timeout. Aborting the root cancels all children;
// a child's timeout never affects siblings or the parent.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewRoot creates a root token bound to ctx.
func NewRoot(ctx context.Context) *Token {
	child, cancel := context.WithCancelCause(ctx)
	return &Token{ctx: child, cancel: cancel}
}

// Child derives a token that is canceled when the parent is canceled or,
// if timeout > 0, when the timeout elapses. The returned release func must
// be called once the attempt finishes to free the timer.
func (t *Token) Child(timeout time.Duration) (*Token, func()) {
	if timeout <= 0 {
		ctx, cancel := context.WithCancelCause(t.ctx)
		return &Token{ctx: ctx, cancel: cancel}, func() { cancel(nil) }
	}
	ctx, cancel := context.WithTimeoutCause(t.ctx, timeout, ErrTimeout)
	child := &Token{ctx: ctx}
	return child, cancel
}

// Context exposes the underlying context for calls that take one.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed when the token is canceled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Abort cancels the token and everything derived from it.
func (t *Token) Abort() {
	if t.cancel != nil {
		t.cancel(ErrAborted)
	}
}

// Canceled reports whether the token has been canceled for any reason.
func (t *Token) Canceled() bool {
	return t.ctx.Err() != nil
}

// TimedOut reports whether this token was canceled by its own deadline
// rather than by a parent.
func (t *Token) TimedOut() bool {
	return errors.Is(context.Cause(t.ctx), ErrTimeout)
}

// Cause returns the cancellation cause, or nil while the token is live.
func (t *Token) Cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Sleep blocks for d or until the token is canceled, whichever comes first.
// Returns the cancellation cause when interrupted, nil after a full sleep.
// Retry backoff uses this so an abort during backoff stops the attempt loop.
func (t *Token) Sleep(d time.Duration) error {
	if d <= 0 {
		return t.Cause()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	}
}
