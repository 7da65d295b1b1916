package sockrpc

import "sync"

type PubSubMessage struct {
	Channel string
	Data    []byte
}

type Publisher interface {
	Publish(channel string, data []byte) error
	Close() error
}

type Subscriber interface {
	Subscribe(channels ...string) error
	Channel() <-chan *PubSubMessage
	Close() error
}

// MemoryPubSub is an in-process Publisher/Subscriber for tests and single
// process setups. Messages for channels nobody subscribed to are dropped.
type MemoryPubSub struct {
	mu       sync.Mutex
	channels map[string]bool
	ch       chan *PubSubMessage
	closed   bool
}

func NewMemoryPubSub(buffer int) *MemoryPubSub {
	return &MemoryPubSub{
		channels: make(map[string]bool),
		ch:       make(chan *PubSubMessage, buffer),
	}
}

func (m *MemoryPubSub) Subscribe(channels ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, c := range channels {
		m.channels[c] = true
	}
	return nil
}

func (m *MemoryPubSub) Channel() <-chan *PubSubMessage {
	return m.ch
}

// Publish never blocks; when the buffer is full the message is dropped.
func (m *MemoryPubSub) Publish(channel string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.channels[channel] {
		return nil
	}
	select {
	case m.ch <- &PubSubMessage{Channel: channel, Data: data}:
	default:
	}
	return nil
}

func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
	return nil
}
