package sockrpc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	allEvents       = "*"
	broadcastBuffer = 256
)

// BroadcastHandler receives server pushed envelopes. Handlers run on a
// dedicated delivery goroutine, one envelope at a time, in arrival order.
type BroadcastHandler func(env *Envelope)

type registration struct {
	ctx     context.Context
	event   string
	timeout time.Duration
	span    trace.Span
	reply   chan registered
}

type registered struct {
	call *Call
	err  error
}

type removal struct {
	id       string
	sentinel error
	cause    error
}

type connEventKind int

const (
	connReady connEventKind = iota
	connEnvelope
	connMalformed
	connLost
)

type connEvent struct {
	kind connEventKind
	env  *Envelope
	err  error
}

// Dispatcher correlates replies with calls. The pending table is owned by a
// single loop goroutine; everything else talks to it over channels, so a call
// is always in the table before its envelope reaches the socket.
type Dispatcher struct {
	conn    *Connection
	codec   Codec
	table   *pendingTable
	sweep   time.Duration
	log     *zap.SugaredLogger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time

	registerCh  chan registration
	removeCh    chan removal
	eventCh     chan connEvent
	pendingCh   chan chan int
	broadcastCh chan *Envelope

	subsMu  sync.RWMutex
	subs    map[string]map[uint64]BroadcastHandler
	nextSub uint64

	// open mirrors the connection as seen through its events. Loop only.
	open bool

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewDispatcher attaches itself as the listener of conn and starts its loop.
func NewDispatcher(conn *Connection, cfg Config, opts ...Option) *Dispatcher {
	o := newOptions(opts)
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultConfig().SweepInterval
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DefaultTimeout
	}

	d := &Dispatcher{
		conn:        conn,
		codec:       NewDefaultCodec(),
		table:       newPendingTable(cfg.MaxPending, timeout, o.newID),
		sweep:       sweep,
		log:         o.log,
		metrics:     o.metrics,
		tracer:      o.tracer,
		now:         o.now,
		registerCh:  make(chan registration),
		removeCh:    make(chan removal),
		eventCh:     make(chan connEvent),
		pendingCh:   make(chan chan int),
		broadcastCh: make(chan *Envelope, broadcastBuffer),
		subs:        make(map[string]map[uint64]BroadcastHandler),
		open:        conn.State() == StateOpen,
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	d.table.onSettle = d.onSettle
	conn.SetListener(dispatchListener{d: d})

	go d.run()
	go d.deliverBroadcasts()
	return d
}

// Go registers a call and sends its request without waiting for the reply.
// Failures that keep the call from going in flight are returned directly as
// a *CallError with OutcomeRejected. Ending ctx withdraws the call.
func (d *Dispatcher) Go(ctx context.Context, event string, payload interface{}, opts ...CallOption) (*Call, error) {
	if event == "" {
		return nil, d.rejected(nil, event, ErrInvalidArgument, nil)
	}
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, d.rejected(nil, event, ErrEncoding, err)
	}

	ctx, span := startCallSpan(ctx, d.tracer, event)
	reply := make(chan registered, 1)
	select {
	case d.registerCh <- registration{ctx: ctx, event: event, timeout: co.timeout, span: span, reply: reply}:
	case <-d.done:
		return nil, d.rejected(span, event, ErrClosed, nil)
	}
	r := <-reply
	if r.err != nil {
		return nil, d.rejected(span, event, r.err, nil)
	}
	call := r.call

	data, err := d.codec.Encode(&Envelope{ID: call.ID, Event: event, Payload: raw})
	if err != nil {
		d.remove(call.ID, ErrEncoding, err)
		<-call.done
		return nil, call.err
	}
	if err := d.conn.Send(data); err != nil {
		d.remove(call.ID, ErrNotConnected, nil)
		<-call.done
		return nil, call.err
	}
	d.log.Debugw("call sent", "id", call.ID, "event", event)
	return call, nil
}

// Call sends a request and blocks until it settles. Exactly one of a payload,
// a *RemoteError or a *CallError comes back.
func (d *Dispatcher) Call(ctx context.Context, event string, payload interface{}, opts ...CallOption) (json.RawMessage, error) {
	call, err := d.Go(ctx, event, payload, opts...)
	if err != nil {
		return nil, err
	}
	return call.Result()
}

// Notify sends a fire-and-forget envelope. It carries no id and never
// occupies a slot in the pending table.
func (d *Dispatcher) Notify(event string, payload interface{}) error {
	if d.isClosed() {
		return newCallError("", event, ErrClosed, nil)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return newCallError("", event, ErrEncoding, err)
	}
	data, err := d.codec.Encode(&Envelope{Event: event, Payload: raw})
	if err != nil {
		return newCallError("", event, ErrEncoding, err)
	}
	if err := d.conn.Send(data); err != nil {
		return newCallError("", event, ErrNotConnected, nil)
	}
	return nil
}

// Subscribe registers h for broadcasts of one event. The returned function
// removes it.
func (d *Dispatcher) Subscribe(event string, h BroadcastHandler) func() {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	d.nextSub++
	key := d.nextSub
	if d.subs[event] == nil {
		d.subs[event] = make(map[uint64]BroadcastHandler)
	}
	d.subs[event][key] = h

	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		delete(d.subs[event], key)
	}
}

func (d *Dispatcher) SubscribeAll(h BroadcastHandler) func() {
	return d.Subscribe(allEvents, h)
}

// Pending returns the number of calls waiting for a reply.
func (d *Dispatcher) Pending() int {
	reply := make(chan int, 1)
	select {
	case d.pendingCh <- reply:
		return <-reply
	case <-d.done:
		return 0
	}
}

// Close stops the loop and settles every pending call with
// ErrConnectionLost. The connection itself is left to its owner.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	<-d.stopped
	return nil
}

func (d *Dispatcher) isClosed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) rejected(span trace.Span, event string, sentinel, cause error) error {
	err := newCallError("", event, sentinel, cause)
	d.metrics.observeCall(event, err.Outcome, 0)
	if span != nil {
		endCallSpan(span, &Call{Event: event, err: err})
	}
	return err
}

func (d *Dispatcher) remove(id string, sentinel, cause error) {
	select {
	case d.removeCh <- removal{id: id, sentinel: sentinel, cause: cause}:
	case <-d.done:
	}
}

func (d *Dispatcher) withdraw(id string, err error) {
	d.remove(id, err, nil)
}

func (d *Dispatcher) post(ev connEvent) {
	select {
	case d.eventCh <- ev:
	case <-d.done:
	}
}

func (d *Dispatcher) run() {
	defer close(d.stopped)

	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			if n := d.table.drainAll(ErrClosed); n > 0 {
				d.log.Infow("dispatcher closed with pending calls", "count", n)
			}
			return
		case reg := <-d.registerCh:
			reg.reply <- d.register(reg)
		case rm := <-d.removeCh:
			d.table.abandon(rm.id, rm.sentinel, rm.cause)
		case ev := <-d.eventCh:
			d.handleConnEvent(ev)
		case <-ticker.C:
			if n := d.table.expire(d.now()); n > 0 {
				d.log.Debugw("expired pending calls", "count", n)
			}
		case reply := <-d.pendingCh:
			reply <- d.table.len()
		}
	}
}

func (d *Dispatcher) register(reg registration) registered {
	if !d.open {
		return registered{err: ErrNotConnected}
	}
	c, err := d.table.register(reg.event, reg.timeout, d.now())
	if err != nil {
		d.log.Warnw("call refused", "event", reg.event, "pending", d.table.len(), "error", err)
		return registered{err: err}
	}
	c.span = reg.span
	c.cancelFn = d.withdraw
	ctx := reg.ctx
	c.stopCtx = context.AfterFunc(ctx, func() {
		d.remove(c.ID, ctxErr(ctx), nil)
	})
	d.metrics.setPending(d.table.len())
	return registered{call: c}
}

func (d *Dispatcher) handleConnEvent(ev connEvent) {
	switch ev.kind {
	case connReady:
		d.open = true
		d.log.Debugw("dispatcher ready")
	case connEnvelope:
		d.route(ev.env)
	case connMalformed:
		d.metrics.malformedFrame()
	case connLost:
		d.open = false
		d.metrics.connectionLost()
		if n := d.table.drainAll(ev.err); n > 0 {
			d.log.Infow("drained pending calls", "count", n, "reason", ev.err)
		}
	}
}

func (d *Dispatcher) route(env *Envelope) {
	if env.IsBroadcast() {
		select {
		case d.broadcastCh <- env:
		default:
			d.log.Warnw("dropped broadcast for slow listeners", "event", env.Event)
		}
		return
	}

	var matched bool
	now := d.now()
	if env.Failed() {
		matched = d.table.reject(env.ID, env.Error, now)
	} else {
		matched = d.table.resolve(env.ID, env.Payload, now)
	}
	if !matched {
		d.metrics.unmatchedReply()
		d.log.Debugw("discarding unmatched reply", "id", env.ID, "event", env.Event)
	}
}

func (d *Dispatcher) onSettle(c *Call) {
	outcome := OutcomeOf(c.err)
	d.metrics.setPending(d.table.len())
	d.metrics.observeCall(c.Event, outcome, d.now().Sub(c.started))
	endCallSpan(c.span, c)

	switch outcome {
	case OutcomeTimeout:
		d.log.Infow("call timed out", "id", c.ID, "event", c.Event)
	case OutcomeCancelled:
		d.log.Debugw("call cancelled", "id", c.ID, "event", c.Event)
	case OutcomeConnectionLost:
		d.log.Debugw("call lost with connection", "id", c.ID, "event", c.Event)
	}
}

func (d *Dispatcher) deliverBroadcasts() {
	for {
		select {
		case <-d.done:
			return
		case env := <-d.broadcastCh:
			for _, h := range d.handlersFor(env.Event) {
				h(env)
			}
		}
	}
}

func (d *Dispatcher) handlersFor(event string) []BroadcastHandler {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	handlers := make([]BroadcastHandler, 0, len(d.subs[event])+len(d.subs[allEvents]))
	for _, h := range d.subs[event] {
		handlers = append(handlers, h)
	}
	for _, h := range d.subs[allEvents] {
		handlers = append(handlers, h)
	}
	return handlers
}

// dispatchListener keeps the ConnectionListener methods off the public API.
type dispatchListener struct {
	d *Dispatcher
}

func (l dispatchListener) OnReady() {
	l.d.post(connEvent{kind: connReady})
}

func (l dispatchListener) OnEnvelope(env *Envelope) {
	l.d.post(connEvent{kind: connEnvelope, env: env})
}

func (l dispatchListener) OnMalformed(err error) {
	l.d.post(connEvent{kind: connMalformed, err: err})
}

func (l dispatchListener) OnLost(reason error) {
	l.d.post(connEvent{kind: connLost, err: reason})
}
