package cache

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/sopdb/sop/internal/obslog"
)

const invalidationChannel = "sop.cache.invalidation"

// InvalidationEvent is published to every process sharing an L2 so
// each one evicts its own L1 copy of a key another process just wrote.
type InvalidationEvent struct {
	Class Class  `json:"class"`
	Key   string `json:"key"`
}

// Broker relays local invalidations to the shared L2's pub/sub channel
// and applies invalidations published by other processes to this
// process's L1. Adapted from the cluster event broker's channel-based
// fan-out, narrowed from N event types to a single invalidation event
// and from an in-process Subscriber set to a Redis pub/sub subscriber.
type Broker struct {
	client *redis.Client
	local  *TieredCache
	sub    *redis.PubSub
	stopCh chan struct{}
}

// NewBroker builds a Broker that publishes to and subscribes from
// client, applying remote invalidations to local.
func NewBroker(client *redis.Client, local *TieredCache) *Broker {
	return &Broker{client: client, local: local, stopCh: make(chan struct{})}
}

// Start subscribes to the invalidation channel and begins applying
// remote events to the local L1.
func (b *Broker) Start() {
	b.sub = b.client.Subscribe(context.Background(), invalidationChannel)
	go b.run()
}

// Stop unsubscribes and releases the connection.
func (b *Broker) Stop() {
	close(b.stopCh)
	if b.sub != nil {
		b.sub.Close()
	}
}

// Publish broadcasts an invalidation to every other process subscribed
// to this cache's Redis instance. The local eviction already happened
// in TieredCache.Invalidate; this only needs to reach peers.
func (b *Broker) Publish(ctx context.Context, event InvalidationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		obslog.WithComponent("cache.invalidation").Error().Err(err).Msg("failed to marshal invalidation event")
		return
	}
	if err := b.client.Publish(ctx, invalidationChannel, data).Err(); err != nil {
		obslog.WithComponent("cache.invalidation").Warn().Err(err).Msg("failed to publish invalidation")
	}
}

func (b *Broker) run() {
	logger := obslog.WithComponent("cache.invalidation")
	ch := b.sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warn().Err(err).Msg("dropping malformed invalidation message")
				continue
			}
			b.local.mu.Lock()
			if l1, ok := b.local.l1[event.Class]; ok {
				l1.Remove(event.Key)
			}
			b.local.mu.Unlock()
		case <-b.stopCh:
			return
		}
	}
}
