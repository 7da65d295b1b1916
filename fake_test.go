package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errFakeClosed = errors.New("fake socket closed")

// fakeWS is an in-memory socket. Frames pushed with deliver are returned by
// Receive; frames written by Send show up on sent.
type fakeWS struct {
	in        chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:     make(chan []byte, 64),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) Send(data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	select {
	case f.sent <- data:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeWS) Receive() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errFakeClosed
	}
}

func (f *fakeWS) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// drop simulates the server going away.
func (f *fakeWS) drop() {
	_ = f.Close()
}

func (f *fakeWS) deliver(t *testing.T, env *Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	f.in <- data
}

// next returns the next frame written to the socket.
func (f *fakeWS) next(t *testing.T) *Envelope {
	t.Helper()
	select {
	case data := <-f.sent:
		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeWS
	dials *atomic.Int32
	// failures makes the first n dials fail.
	failures *atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: atomic.NewInt32(0), failures: atomic.NewInt32(0)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (WSConn, error) {
	d.dials.Inc()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failures.Dec() >= 0 {
		return nil, errors.New("connection refused")
	}
	ws := newFakeWS()
	d.mu.Lock()
	d.conns = append(d.conns, ws)
	d.mu.Unlock()
	return ws, nil
}

func (d *fakeDialer) last() *fakeWS {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.URL = "ws://fake/ws"
	cfg.DefaultTimeout = 2 * time.Second
	cfg.SweepInterval = 10 * time.Millisecond
	return cfg
}

type harness struct {
	dialer     *fakeDialer
	conn       *Connection
	dispatcher *Dispatcher
	ws         *fakeWS
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	dialer := newFakeDialer()
	conn := NewConnection(cfg.URL, dialer, cfg.SendQueueSize, nil)
	d := NewDispatcher(conn, cfg, opts...)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() {
		_ = conn.Close()
		_ = d.Close()
	})
	return &harness{dialer: dialer, conn: conn, dispatcher: d, ws: dialer.last()}
}

func (h *harness) reply(t *testing.T, req *Envelope, payload string) {
	t.Helper()
	h.ws.deliver(t, &Envelope{ID: req.ID, Event: req.Event, Payload: json.RawMessage(payload)})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
