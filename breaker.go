package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Breaker fails calls fast once the backend has stopped answering. Only
// transport outcomes count against it; a remote error is a working backend.
type Breaker struct {
	inner   Caller
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
}

func NewBreaker(inner Caller, cfg BreakerConfig, log *zap.SugaredLogger) *Breaker {
	defaults := DefaultConfig().Breaker
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaults.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaults.Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "sockrpc",
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			switch OutcomeOf(err) {
			case OutcomeOK, OutcomeRemoteError, OutcomeCancelled:
				return true
			}
			return errors.Is(err, ErrInvalidArgument)
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

func (b *Breaker) Call(ctx context.Context, event string, payload interface{}, opts ...CallOption) (json.RawMessage, error) {
	res, err := b.breaker.Execute(func() (json.RawMessage, error) {
		return b.inner.Call(ctx, event, payload, opts...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, newCallError("", event, ErrNotConnected, fmt.Errorf("circuit open: %w", err))
	}
	return res, err
}

func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

var _ Caller = (*Breaker)(nil)
var _ Caller = (*Dispatcher)(nil)
