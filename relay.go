package sockrpc

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// RelayMessage is what a Relay publishes for each broadcast.
type RelayMessage struct {
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Relay forwards every broadcast seen by a Dispatcher to a pub/sub channel.
type Relay struct {
	pub     Publisher
	channel string
	log     *zap.SugaredLogger
	now     func() time.Time
	unsub   func()
}

func NewRelay(d *Dispatcher, pub Publisher, channel string, log *zap.SugaredLogger) *Relay {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Relay{pub: pub, channel: channel, log: log, now: time.Now}
	r.unsub = d.SubscribeAll(r.forward)
	return r
}

func (r *Relay) forward(env *Envelope) {
	data, err := json.Marshal(RelayMessage{Event: env.Event, Payload: env.Payload, ReceivedAt: r.now()})
	if err != nil {
		r.log.Errorw("could not encode broadcast for relay", "event", env.Event, "error", err)
		return
	}
	if err := r.pub.Publish(r.channel, data); err != nil {
		r.log.Errorw("could not relay broadcast", "event", env.Event, "channel", r.channel, "error", err)
		return
	}
	r.log.Debugw("relayed broadcast", "event", env.Event, "channel", r.channel)
}

// Stop detaches the relay. The publisher is left open.
func (r *Relay) Stop() {
	r.unsub()
}
