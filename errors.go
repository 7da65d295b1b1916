package sockrpc

import (
	"errors"
	"fmt"
)

var (
	ErrEncoding       = errors.New("sockrpc: payload not representable as json")
	ErrDecoding       = errors.New("sockrpc: malformed envelope")
	ErrNotConnected   = errors.New("sockrpc: not connected")
	ErrTimeout        = errors.New("sockrpc: call timed out")
	ErrCancelled      = errors.New("sockrpc: call cancelled")
	ErrConnectionLost = errors.New("sockrpc: connection lost")
	ErrBackpressure   = errors.New("sockrpc: too many outstanding calls")
	ErrClosed         = errors.New("sockrpc: closed")
	ErrIDCollision    = errors.New("sockrpc: could not allocate a unique call id")

	ErrAlreadyConnected = errors.New("sockrpc: connection already open or connecting")
	ErrInvalidArgument  = errors.New("sockrpc: invalid argument")
)

// Outcome tags how a call settled.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRemoteError
	OutcomeTimeout
	OutcomeCancelled
	OutcomeConnectionLost
	// OutcomeRejected means the call never went in flight.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRemoteError:
		return "remote_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeConnectionLost:
		return "connection_lost"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CallError is a transport level failure of a single call.
type CallError struct {
	Outcome Outcome
	ID      string
	Event   string
	Err     error // one of the package sentinels
	Cause   error // underlying reason, e.g. the socket error behind ErrConnectionLost
}

func (e *CallError) Error() string {
	msg := e.Err.Error()
	if e.Event != "" {
		msg = fmt.Sprintf("%s: event %q", msg, e.Event)
	}
	if e.ID != "" {
		msg = fmt.Sprintf("%s id %s", msg, e.ID)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// RemoteError carries the error field of a reply verbatim.
type RemoteError struct {
	ID      string
	Event   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sockrpc: remote error on %q: %s", e.Event, e.Message)
}

// OutcomeOf classifies an error returned by a call. A nil error is OutcomeOK,
// and errors that did not come from this package are OutcomeRejected.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return OutcomeRemoteError
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Outcome
	}
	return outcomeFor(err)
}

func outcomeFor(err error) Outcome {
	switch {
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrClosed):
		return OutcomeConnectionLost
	default:
		return OutcomeRejected
	}
}

func newCallError(id, event string, sentinel, cause error) *CallError {
	return &CallError{
		Outcome: outcomeFor(sentinel),
		ID:      id,
		Event:   event,
		Err:     sentinel,
		Cause:   cause,
	}
}
