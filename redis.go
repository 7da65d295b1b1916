package sockrpc

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-redis/redis"
)

type RedisPubSub struct {
	client redis.UniversalClient
	ch     chan *PubSubMessage

	mu        sync.Mutex
	subs      []*redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisPubSubFromConnStr accepts one address, or a comma separated list
// for a cluster.
func NewRedisPubSubFromConnStr(connStr string) (*RedisPubSub, error) {
	if strings.TrimSpace(connStr) == "" {
		return nil, errors.New("redis connection string is empty")
	}
	parts := strings.Split(connStr, ",")
	var client redis.UniversalClient
	if len(parts) > 1 {
		client = redis.NewClusterClient(&redis.ClusterOptions{Addrs: parts})
	} else {
		client = redis.NewClient(&redis.Options{Addr: parts[0]})
	}
	return &RedisPubSub{
		client: client,
		ch:     make(chan *PubSubMessage, broadcastBuffer),
		done:   make(chan struct{}),
	}, nil
}

func (r *RedisPubSub) Subscribe(channels ...string) error {
	pubsub := r.client.Subscribe(channels...)
	if _, err := pubsub.Receive(); err != nil {
		_ = pubsub.Close()
		return err
	}
	r.mu.Lock()
	r.subs = append(r.subs, pubsub)
	r.mu.Unlock()

	go r.forward(pubsub.Channel())
	return nil
}

// forward copies messages to r.ch until the source closes or r is closed.
func (r *RedisPubSub) forward(src <-chan *redis.Message) {
	for msg := range src {
		select {
		case r.ch <- &PubSubMessage{Channel: msg.Channel, Data: []byte(msg.Payload)}:
		case <-r.done:
			return
		}
	}
}

func (r *RedisPubSub) Channel() <-chan *PubSubMessage {
	return r.ch
}

func (r *RedisPubSub) Publish(channel string, data []byte) error {
	_, err := r.client.Publish(channel, data).Result()
	return err
}

func (r *RedisPubSub) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return r.client.Close()
}
