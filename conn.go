package sockrpc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionListener observes a Connection. For one session OnReady comes
// first, envelopes and malformed frames follow in arrival order, and OnLost
// is called exactly once.
type ConnectionListener interface {
	OnReady()
	OnEnvelope(env *Envelope)
	OnMalformed(err error)
	OnLost(reason error)
}

type nopListener struct{}

func (nopListener) OnReady()             {}
func (nopListener) OnEnvelope(*Envelope) {}
func (nopListener) OnMalformed(error)    {}
func (nopListener) OnLost(error)         {}

// session is one dial of the socket. A Connection owns at most one live
// session; reconnecting creates a fresh one.
type session struct {
	ws      WSConn
	writeCh chan []byte
	done    chan struct{}
	closed  *atomic.Bool
}

// Connection owns the socket lifecycle. It knows nothing about pending calls;
// it forwards decoded envelopes and lifecycle events to its listener.
type Connection struct {
	url       string
	dialer    WSDialer
	codec     Codec
	queueSize int
	log       *zap.SugaredLogger

	state    *atomic.Int32
	mu       sync.Mutex
	sess     *session
	lastErr  error
	listener ConnectionListener
}

func NewConnection(url string, dialer WSDialer, queueSize int, log *zap.SugaredLogger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultConfig().SendQueueSize
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Connection{
		url:       url,
		dialer:    dialer,
		codec:     NewDefaultCodec(),
		queueSize: queueSize,
		log:       log,
		state:     atomic.NewInt32(int32(StateClosed)),
		listener:  nopListener{},
	}
}

// SetListener must be called before Connect.
func (c *Connection) SetListener(l ConnectionListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == nil {
		l = nopListener{}
	}
	c.listener = l
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) URL() string {
	return c.url
}

// Err returns the reason the last session ended, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the current session ends. With no live session it
// returns an already closed channel.
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.sess.done
}

// Connect dials the socket. It is only valid from StateClosed.
func (c *Connection) Connect(ctx context.Context) error {
	if !c.state.CAS(int32(StateClosed), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}
	c.log.Debugw("connecting", "url", c.url)

	ws, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.state.Store(int32(StateClosed))
		c.log.Warnw("dial failed", "url", c.url, "error", err)
		return fmt.Errorf("sockrpc: dial %s: %w", c.url, err)
	}

	s := &session{
		ws:      ws,
		writeCh: make(chan []byte, c.queueSize),
		done:    make(chan struct{}),
		closed:  atomic.NewBool(false),
	}
	c.mu.Lock()
	c.sess = s
	c.lastErr = nil
	listener := c.listener
	c.mu.Unlock()

	c.state.Store(int32(StateOpen))
	// Ready is announced before the reader starts so no envelope of this
	// session can overtake it.
	listener.OnReady()
	c.log.Infow("connection open", "url", c.url)

	go c.processWrite(s)
	go c.processRead(s, listener)
	return nil
}

// Send queues one frame. It fails fast with ErrNotConnected unless Open.
func (c *Connection) Send(data []byte) error {
	if c.State() != StateOpen {
		return ErrNotConnected
	}
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case s.writeCh <- data:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// Close shuts the current session down gracefully. Closing a connection that
// is not open is a no-op.
func (c *Connection) Close() error {
	if !c.state.CAS(int32(StateOpen), int32(StateClosing)) {
		return nil
	}
	c.log.Debugw("closing connection", "url", c.url)
	if s := c.current(); s != nil {
		c.teardown(s, ErrClosed)
	}
	return nil
}

func (c *Connection) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// teardown ends a session exactly once. The listener hears OnLost before the
// state becomes Closed, so a reconnect can never be announced ahead of it.
func (c *Connection) teardown(s *session, reason error) {
	if !s.closed.CAS(false, true) {
		return
	}
	if err := s.ws.Close(); err != nil {
		c.log.Debugw("error while closing socket", "error", err)
	}

	c.mu.Lock()
	c.lastErr = reason
	listener := c.listener
	c.mu.Unlock()

	if reason == ErrClosed {
		c.log.Infow("connection closed", "url", c.url)
	} else {
		c.log.Warnw("connection lost", "url", c.url, "reason", reason)
	}
	listener.OnLost(reason)
	c.state.Store(int32(StateClosed))
	close(s.done)
}

func (c *Connection) processWrite(s *session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.writeCh:
			if err := s.ws.Send(data); err != nil {
				c.teardown(s, fmt.Errorf("write: %w", err))
				return
			}
		}
	}
}

func (c *Connection) processRead(s *session, listener ConnectionListener) {
	for {
		b, err := s.ws.Receive()
		if err != nil {
			c.teardown(s, fmt.Errorf("read: %w", err))
			return
		}

		if s.closed.Load() {
			return
		}

		env, err := c.codec.Decode(b)
		if err != nil {
			c.log.Warnw("dropping malformed frame", "error", err, "size", len(b))
			listener.OnMalformed(err)
			continue
		}
		c.log.Debugw("received envelope", "id", env.ID, "event", env.Event)
		listener.OnEnvelope(env)
	}
}
