package bus

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Topics published by this service.
const (
	TopicConfigUpdated = "config.updated"
	TopicClaimFlagged  = "claims.flagged"
	TopicClaimOverride = "claims.override"
)

// Event is a topic plus an opaque JSON-able payload.
type Event struct {
	Topic   string                 `json:"topic"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus is the minimal publish/subscribe surface the service depends on.
// Handlers must not block; slow consumers should hand off to their own
// goroutine or queue.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(topic string, handler func(Event)) (unsubscribe func())
}

// MemoryBus is an in-process Bus for single-instance deployments and tests.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[int]func(Event)
	next int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]func(Event))}
}

func (b *MemoryBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subs[ev.Topic]))
	for _, h := range b.subs[ev.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.subs[topic][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// RedisBus fans events out across horizontally-scaled instances via redis
// pub/sub. One redis channel per topic, JSON-encoded events.
type RedisBus struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	cancel []context.CancelFunc
}

func NewRedisBus(rdb *redis.Client, channelPrefix string) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "geoprize"
	}
	return &RedisBus{rdb: rdb, prefix: channelPrefix}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(ev.Topic), data).Err()
}

func (b *RedisBus) Subscribe(topic string, handler func(Event)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = append(b.cancel, cancel)
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, b.channel(topic))
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[BUS] dropping malformed event on %s: %v", topic, err)
					continue
				}
				handler(ev)
			}
		}
	}()
	return cancel
}

// Close stops all redis subscriptions.
func (b *RedisBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.cancel {
		c()
	}
	b.cancel = nil
}
