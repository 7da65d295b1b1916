package sockrpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// Reconnector redials a Connection whenever its session ends for any reason
// other than a local Close. It is a policy on top of the Connection, which
// never reconnects by itself.
type Reconnector struct {
	conn    *Connection
	cfg     ReconnectConfig
	log     *zap.SugaredLogger
	metrics *Metrics
}

func NewReconnector(conn *Connection, cfg ReconnectConfig, log *zap.SugaredLogger, metrics *Metrics) *Reconnector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reconnector{conn: conn, cfg: cfg, log: log, metrics: metrics}
}

// Run blocks until ctx ends, the connection is closed locally, or a redial
// gives up after MaxElapsedTime.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.conn.Done():
		}
		if errors.Is(r.conn.Err(), ErrClosed) {
			return nil
		}
		if r.conn.State() == StateOpen {
			continue
		}

		r.log.Infow("reconnecting", "url", r.conn.URL(), "reason", r.conn.Err())
		operation := func() error {
			err := r.conn.Connect(ctx)
			if errors.Is(err, ErrAlreadyConnected) && r.conn.State() == StateOpen {
				return nil
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			r.log.Warnw("reconnect attempt failed", "error", err, "retry_in", wait)
		}
		if err := backoff.RetryNotify(operation, backoff.WithContext(r.newBackOff(), ctx), notify); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("sockrpc: reconnect: %w", err)
		}
		r.metrics.reconnected()
		r.log.Infow("reconnected", "url", r.conn.URL())
	}
}

func (r *Reconnector) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		b.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		b.MaxInterval = r.cfg.MaxInterval
	}
	b.MaxElapsedTime = r.cfg.MaxElapsedTime
	b.Reset()
	return b
}
