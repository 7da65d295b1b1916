package sockrpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherCallResolves(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, PlayerRef{PlayerID: "p1", RoomID: "r1"})
	require.NoError(t, err)

	req := h.ws.next(t)
	assert.Equal(t, call.ID, req.ID)
	assert.Equal(t, EventGetPlayer, req.Event)
	assert.JSONEq(t, `{"player_id":"p1","room_id":"r1"}`, string(req.Payload))

	h.reply(t, req, `{"hp":10}`)
	payload, err := call.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hp":10}`, string(payload))
	assert.Equal(t, OutcomeOK, call.Outcome())
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestDispatcherOutOfOrderReplies(t *testing.T) {
	h := newHarness(t, testConfig())

	first, err := h.dispatcher.Go(context.Background(), EventHeartbeat, PlayerRef{PlayerID: "p1", RoomID: "r1"})
	require.NoError(t, err)
	second, err := h.dispatcher.Go(context.Background(), EventHeartbeat, PlayerRef{PlayerID: "p2", RoomID: "r1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	reqs := map[string]*Envelope{}
	for i := 0; i < 2; i++ {
		req := h.ws.next(t)
		reqs[req.ID] = req
	}
	h.reply(t, reqs[second.ID], `{"player_id":"p2"}`)
	h.reply(t, reqs[first.ID], `{"player_id":"p1"}`)

	got, err := second.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"player_id":"p2"}`, string(got))
	got, err = first.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"player_id":"p1"}`, string(got))
}

func TestDispatcherConcurrentCalls(t *testing.T) {
	h := newHarness(t, testConfig())

	// Echo every request back as its own reply.
	go func() {
		for {
			select {
			case data := <-h.ws.sent:
				var env Envelope
				if json.Unmarshal(data, &env) == nil {
					env.Payload = json.RawMessage(`"` + env.ID + `"`)
					out, _ := json.Marshal(env)
					h.ws.in <- out
				}
			case <-h.ws.closed:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
			if !assert.NoError(t, err) {
				return
			}
			payload, err := call.Result()
			if assert.NoError(t, err) {
				assert.Equal(t, `"`+call.ID+`"`, string(payload))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestDispatcherRemoteError(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, PlayerRef{PlayerID: "ghost", RoomID: "r1"})
	require.NoError(t, err)
	req := h.ws.next(t)
	h.ws.deliver(t, &Envelope{ID: req.ID, Event: req.Event, Error: "player not found"})

	_, err = call.Result()
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "player not found", remote.Message)
	assert.Equal(t, call.ID, remote.ID)
	assert.Equal(t, OutcomeRemoteError, OutcomeOf(err))
}

func TestDispatcherConnectionLost(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.NoError(t, err)
	h.ws.next(t)
	h.ws.drop()

	_, err = call.Result()
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, errFakeClosed)
	assert.Equal(t, OutcomeConnectionLost, OutcomeOf(err))

	waitFor(t, func() bool { return h.conn.State() == StateClosed })
	_, err = h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, OutcomeRejected, OutcomeOf(err))
}

func TestDispatcherRecoversAfterReconnect(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ws.drop()
	waitFor(t, func() bool { return h.conn.State() == StateClosed })

	require.NoError(t, h.conn.Connect(context.Background()))
	ws := h.dialer.last()
	require.NotSame(t, h.ws, ws)

	call, err := h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
	require.NoError(t, err)
	req := ws.next(t)
	ws.deliver(t, &Envelope{ID: req.ID, Event: req.Event})
	payload, err := call.Result()
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestDispatcherTimeoutDropsLateReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, testConfig(), WithMetrics(metrics))

	start := time.Now()
	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	req := h.ws.next(t)

	_, err = call.Result()
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, OutcomeTimeout, call.Outcome())
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	time.Sleep(150*time.Millisecond - elapsed)
	h.reply(t, req, `{"hp":10}`)
	waitFor(t, func() bool { return testutil.ToFloat64(metrics.unmatched) == 1 })

	_, err = call.Result()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.calls.WithLabelValues(EventGetPlayer, "timeout")))
}

func TestDispatcherReplyAfterDeadlineBeforeSweep(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = time.Hour
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, cfg, WithMetrics(metrics))

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	req := h.ws.next(t)

	time.Sleep(80 * time.Millisecond)
	h.reply(t, req, `{"hp":10}`)

	payload, err := call.Result()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, payload)
	waitFor(t, func() bool { return testutil.ToFloat64(metrics.unmatched) == 1 })
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestDispatcherContextEnds(t *testing.T) {
	h := newHarness(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	call, err := h.dispatcher.Go(ctx, EventGetPlayer, nil)
	require.NoError(t, err)
	_, err = call.Result()
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel = context.WithCancel(context.Background())
	call, err = h.dispatcher.Go(ctx, EventGetPlayer, nil)
	require.NoError(t, err)
	cancel()
	_, err = call.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, OutcomeCancelled, OutcomeOf(err))
}

func TestCallCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.NoError(t, err)
	req := h.ws.next(t)

	call.Cancel()
	call.Cancel()
	_, err = call.Result()
	require.ErrorIs(t, err, ErrCancelled)

	h.reply(t, req, `{"hp":10}`)
	call.Cancel()
	_, err = call.Result()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestCallWait(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = call.Wait(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	waitFor(t, func() bool { return h.dispatcher.Pending() == 0 })
}

func TestDispatcherBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 2
	h := newHarness(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
		require.NoError(t, err)
	}
	_, err := h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
	require.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, OutcomeRejected, OutcomeOf(err))
	assert.Equal(t, 2, h.dispatcher.Pending())
}

func TestDispatcherIDCollision(t *testing.T) {
	h := newHarness(t, testConfig(), WithIDGenerator(func() string { return "fixed" }))

	call, err := h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", call.ID)

	_, err = h.dispatcher.Go(context.Background(), EventHeartbeat, nil)
	assert.ErrorIs(t, err, ErrIDCollision)
}

func TestDispatcherRejectsBadInput(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.dispatcher.Go(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.dispatcher.Go(context.Background(), EventHeartbeat, func() {})
	assert.ErrorIs(t, err, ErrEncoding)

	_, err = h.dispatcher.Go(context.Background(), EventHeartbeat, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrEncoding)
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestDispatcherUnmatchedReply(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, testConfig(), WithMetrics(metrics))

	h.ws.deliver(t, &Envelope{ID: "nobody", Event: EventGetPlayer, Payload: json.RawMessage(`{}`)})
	waitFor(t, func() bool { return testutil.ToFloat64(metrics.unmatched) == 1 })
	assert.Equal(t, StateOpen, h.conn.State())
}

func TestDispatcherSurvivesMalformedFrame(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	h := newHarness(t, testConfig(), WithMetrics(metrics))

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.NoError(t, err)
	req := h.ws.next(t)

	h.ws.in <- []byte("not json")
	h.ws.in <- []byte(`{"id":"x"}`)
	waitFor(t, func() bool { return testutil.ToFloat64(metrics.malformed) == 2 })

	h.reply(t, req, `{"hp":10}`)
	_, err = call.Result()
	require.NoError(t, err)
	assert.Equal(t, StateOpen, h.conn.State())
}

func TestDispatcherBroadcasts(t *testing.T) {
	h := newHarness(t, testConfig())

	left := make(chan *Envelope, 1)
	all := make(chan *Envelope, 2)
	unsubscribe := h.dispatcher.Subscribe(EventPlayerLeft, func(env *Envelope) { left <- env })
	h.dispatcher.SubscribeAll(func(env *Envelope) { all <- env })

	h.ws.deliver(t, &Envelope{Event: EventPlayerLeft, Payload: json.RawMessage(`{"player_id":"p1"}`)})
	select {
	case env := <-left:
		assert.JSONEq(t, `{"player_id":"p1"}`, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
	<-all

	unsubscribe()
	h.ws.deliver(t, &Envelope{Event: EventPlayerLeft})
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not delivered")
	}
	assert.Empty(t, left)
	assert.Equal(t, 0, h.dispatcher.Pending())
}

func TestDispatcherNotify(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.dispatcher.Notify(EventHeartbeat, PlayerRef{PlayerID: "p1", RoomID: "r1"}))
	env := h.ws.next(t)
	assert.Empty(t, env.ID)
	assert.Equal(t, EventHeartbeat, env.Event)
	assert.Equal(t, 0, h.dispatcher.Pending())

	h.ws.drop()
	waitFor(t, func() bool { return h.conn.State() == StateClosed })
	assert.ErrorIs(t, h.dispatcher.Notify(EventHeartbeat, nil), ErrNotConnected)
}

func TestDispatcherCloseDrainsPending(t *testing.T) {
	h := newHarness(t, testConfig())

	call, err := h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Close())

	_, err = call.Result()
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.dispatcher.Go(context.Background(), EventGetPlayer, nil)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, 0, h.dispatcher.Pending())
	require.NoError(t, h.dispatcher.Close())
}

func TestDispatcherNotConnectedBeforeConnect(t *testing.T) {
	conn := NewConnection("ws://fake/ws", newFakeDialer(), 0, nil)
	d := NewDispatcher(conn, testConfig())
	defer d.Close()

	_, err := d.Call(context.Background(), EventHeartbeat, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
