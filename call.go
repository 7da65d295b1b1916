package sockrpc

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Call is one outstanding request. It settles exactly once with a payload, a
// *RemoteError or a *CallError.
type Call struct {
	ID    string
	Event string

	started  time.Time
	deadline time.Time
	done     chan struct{}

	payload json.RawMessage
	err     error

	span     trace.Span
	stopCtx  func() bool
	cancelFn func(id string, err error)
}

func newCall(id, event string, now, deadline time.Time) *Call {
	return &Call{
		ID:       id,
		Event:    event,
		started:  now,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

func (c *Call) Deadline() time.Time {
	return c.deadline
}

// Result blocks until the call settles.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.payload, c.err
}

// Wait is Result bounded by ctx. When ctx ends first the call is cancelled
// and its final result is returned.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.withdraw(ctxErr(ctx))
		<-c.done
	}
	return c.payload, c.err
}

// Outcome blocks until the call settles, like Result.
func (c *Call) Outcome() Outcome {
	<-c.done
	return OutcomeOf(c.err)
}

// Cancel withdraws the call. Cancelling a settled call, or cancelling twice,
// does nothing.
func (c *Call) Cancel() {
	c.withdraw(ErrCancelled)
}

func (c *Call) withdraw(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if c.cancelFn != nil {
		c.cancelFn(c.ID, err)
	}
}

// settle is only called by the owner of the pending table, after the call has
// been removed from it.
func (c *Call) settle(payload json.RawMessage, err error) {
	c.payload = payload
	c.err = err
	if c.stopCtx != nil {
		c.stopCtx()
	}
	close(c.done)
}

func ctxErr(ctx context.Context) error {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return ErrCancelled
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}
