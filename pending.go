package sockrpc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const maxIDAttempts = 16

// pendingTable maps in-flight call ids to their waiters. It is not safe for
// concurrent use; the dispatcher loop is its only owner. Every removal path
// takes the entry out of the map before settling it, so no call settles twice.
type pendingTable struct {
	calls          map[string]*Call
	max            int
	defaultTimeout time.Duration
	newID          func() string
	onSettle       func(c *Call)
}

func newPendingTable(max int, defaultTimeout time.Duration, newID func() string) *pendingTable {
	if newID == nil {
		newID = uuid.NewString
	}
	return &pendingTable{
		calls:          make(map[string]*Call),
		max:            max,
		defaultTimeout: defaultTimeout,
		newID:          newID,
	}
}

func (t *pendingTable) len() int {
	return len(t.calls)
}

func (t *pendingTable) register(event string, timeout time.Duration, now time.Time) (*Call, error) {
	if t.max > 0 && len(t.calls) >= t.max {
		return nil, ErrBackpressure
	}
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}

	id := t.newID()
	for attempt := 1; ; attempt++ {
		if _, taken := t.calls[id]; !taken && id != "" {
			break
		}
		if attempt >= maxIDAttempts {
			return nil, ErrIDCollision
		}
		id = t.newID()
	}

	c := newCall(id, event, now, now.Add(timeout))
	t.calls[id] = c
	return c, nil
}

func (t *pendingTable) take(id string) *Call {
	c, found := t.calls[id]
	if !found {
		return nil
	}
	delete(t.calls, id)
	return c
}

func (t *pendingTable) settle(c *Call, payload json.RawMessage, err error) {
	c.settle(payload, err)
	if t.onSettle != nil {
		t.onSettle(c)
	}
}

// resolve reports false when no call is waiting for id. A reply that arrives
// once the deadline has passed times the call out instead, and also reports
// false.
func (t *pendingTable) resolve(id string, payload json.RawMessage, now time.Time) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	if t.overdue(c, now) {
		return false
	}
	t.settle(c, payload, nil)
	return true
}

func (t *pendingTable) reject(id string, message string, now time.Time) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	if t.overdue(c, now) {
		return false
	}
	t.settle(c, nil, &RemoteError{ID: c.ID, Event: c.Event, Message: message})
	return true
}

// overdue settles a taken call with ErrTimeout when its deadline is not after
// now.
func (t *pendingTable) overdue(c *Call, now time.Time) bool {
	if now.Before(c.deadline) {
		return false
	}
	t.settle(c, nil, newCallError(c.ID, c.Event, ErrTimeout, nil))
	return true
}

// abandon settles a call with a local failure such as ErrCancelled.
func (t *pendingTable) abandon(id string, sentinel, cause error) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	t.settle(c, nil, newCallError(c.ID, c.Event, sentinel, cause))
	return true
}

// expire settles every call whose deadline is not after now.
func (t *pendingTable) expire(now time.Time) int {
	n := 0
	for id, c := range t.calls {
		if now.Before(c.deadline) {
			continue
		}
		delete(t.calls, id)
		t.settle(c, nil, newCallError(c.ID, c.Event, ErrTimeout, nil))
		n++
	}
	return n
}

// drainAll settles everything left with ErrConnectionLost.
func (t *pendingTable) drainAll(reason error) int {
	n := 0
	for id, c := range t.calls {
		delete(t.calls, id)
		t.settle(c, nil, newCallError(c.ID, c.Event, ErrConnectionLost, reason))
		n++
	}
	return n
}
