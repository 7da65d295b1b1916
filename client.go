package sockrpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Client wires one Connection to one Dispatcher, plus the optional
// reconnect policy and broadcast relay described by Config.
type Client struct {
	cfg        Config
	conn       *Connection
	dispatcher *Dispatcher
	caller     Caller
	players    *Players
	blocks     *Blocks
	relay      *Relay
	metrics    *Metrics
	log        *zap.SugaredLogger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial connects to cfg.URL. When reconnect is enabled the client keeps
// redialing in the background until Close.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	if o.metrics == nil && o.registerer != nil {
		o.metrics = NewMetrics(o.registerer)
		opts = append(opts, WithMetrics(o.metrics))
	}
	dialer := o.dialer
	if dialer == nil {
		dialer = NewGorillaDialer(cfg.GorillaWS)
	}

	conn := NewConnection(cfg.URL, dialer, cfg.SendQueueSize, o.log.With("component", "connection"))
	dispatcher := NewDispatcher(conn, cfg, opts...)
	c := &Client{
		cfg:        cfg,
		conn:       conn,
		dispatcher: dispatcher,
		caller:     dispatcher,
		metrics:    o.metrics,
		log:        o.log,
	}
	if cfg.Breaker.Enabled {
		c.caller = NewBreaker(dispatcher, cfg.Breaker, o.log)
	}
	c.players = NewPlayers(c.caller)
	c.blocks = NewBlocks(c.players, cfg.DefaultTimeout, o.log)
	if o.publisher != nil {
		c.relay = NewRelay(dispatcher, o.publisher, cfg.Relay.Channel, o.log)
	}

	if err := conn.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	if cfg.Reconnect.Enabled {
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		reconnector := NewReconnector(conn, cfg.Reconnect, o.log, o.metrics)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := reconnector.Run(runCtx); err != nil && runCtx.Err() == nil {
				c.log.Errorw("reconnector stopped", "error", err)
			}
		}()
	}

	c.log.Infow("client connected", "url", cfg.URL)
	return c, nil
}

func (c *Client) Connection() *Connection { return c.conn }

func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Caller is the dispatcher, behind the circuit breaker when one is configured.
func (c *Client) Caller() Caller { return c.caller }

func (c *Client) Players() *Players { return c.players }

func (c *Client) Blocks() *Blocks { return c.blocks }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if cerr := c.conn.Close(); cerr != nil {
			err = fmt.Errorf("close connection: %w", cerr)
		}
		if c.relay != nil {
			c.relay.Stop()
		}
		_ = c.dispatcher.Close()
	})
	return err
}
