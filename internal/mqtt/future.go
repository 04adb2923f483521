package mqtt

import (
	"context"
	"sync"
)

type futureState int

const (
	futureUnset futureState = iota
	futureValue
	futureError
)

// Future is a single-shot waitable cell used to rendezvous between the reader loop and a
// blocked caller (Publish/Subscribe/Unsubscribe, or a QoS 2 PUBREL waiter). It holds either a
// value or an error, never both, and settles at most once.
//
// Unlike a plain error-valued channel, the settled state is a tagged sum (unset/value/error)
// so that "the value happens to be an error type" can never be confused with "the Future
// itself failed".
type Future struct {
	mu    sync.Mutex
	state futureState
	value any
	err   error
	done  chan struct{}
}

// NewFuture returns an unset Future ready to be waited on.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Set resolves the Future with a value, waking any waiter. Calling Set or SetError a second
// time on an already-settled Future is an error.
func (f *Future) Set(value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futureUnset {
		return wrapInvalidState("future already settled")
	}
	f.value = value
	f.state = futureValue
	close(f.done)
	return nil
}

// SetError resolves the Future with an error, waking any waiter. Calling Set or SetError a
// second time on an already-settled Future is an error.
func (f *Future) SetError(cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futureUnset {
		return wrapInvalidState("future already settled")
	}
	f.err = cause
	f.state = futureError
	close(f.done)
	return nil
}

// Cancel settles the Future with ErrCancelled, distinct from context cancellation: a Future
// cancelled this way always resolves Get with ErrCancelled, never with a context error, so
// callers can tell "the handler tore this down" apart from "my own ctx expired".
func (f *Future) Cancel() error {
	return f.SetError(ErrCancelled)
}

// Done returns a channel that closes once the Future is settled, for use in select statements.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// IsSet reports whether the Future has already settled.
func (f *Future) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != futureUnset
}

// Get blocks until the Future settles or ctx is done, whichever comes first. A settled error
// is returned as-is; a settled value is returned with a nil error. If ctx is done first, Get
// returns ctx.Err() and the Future remains unset for any other waiter.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.state == futureError {
			return nil, f.err
		}
		return f.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
