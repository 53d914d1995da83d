package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sopdb/sop/internal/obslog"
)

// l1Entry pairs a cached Entry with its absolute expiry, or the zero
// time for a permanent entry.
type l1Entry struct {
	Entry
	expiresAt time.Time
}

// TieredCache is the in-process L1 cache, optionally fronting a
// distributed L2 (Redis). L1 is always present; L2 is present iff the
// deployment configured one, and is mandatory in Clustered mode
// because cross-process invalidation requires it (spec §4.3).
type TieredCache struct {
	mu  sync.Mutex
	l1  map[Class]*lru.Cache[string, l1Entry]
	l2  *redis.Client
	inv *Broker
}

// Config controls per-class L1 capacity; classes not listed default to
// 10,000 entries.
type Config struct {
	L1Capacity map[Class]int
	RedisURL   string // "" disables L2
}

// New builds a TieredCache. If cfg.RedisURL is non-empty, L2 is
// enabled and an invalidation Broker relays local Invalidate calls to
// every process sharing that Redis instance via pub/sub.
func New(cfg Config) (*TieredCache, error) {
	tc := &TieredCache{l1: make(map[Class]*lru.Cache[string, l1Entry])}
	classes := []Class{ClassNode, ClassRegistryEntry, ClassStoreInfo, ClassValueBlob}
	for _, class := range classes {
		cap := cfg.L1Capacity[class]
		if cap <= 0 {
			cap = 10000
		}
		c, err := lru.New[string, l1Entry](cap)
		if err != nil {
			return nil, err
		}
		tc.l1[class] = c
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		tc.l2 = redis.NewClient(opts)
		tc.inv = NewBroker(tc.l2, tc)
		tc.inv.Start()
	}

	return tc, nil
}

func (c *TieredCache) Get(ctx context.Context, class Class, key string) (Entry, bool) {
	c.mu.Lock()
	l1, ok := c.l1[class].Get(key)
	c.mu.Unlock()
	if ok {
		if l1.expiresAt.IsZero() || time.Now().Before(l1.expiresAt) {
			recordHit(class, "l1")
			return l1.Entry, true
		}
		c.l1[class].Remove(key)
	}
	recordMiss(class, "l1")

	if c.l2 == nil {
		return Entry{}, false
	}

	raw, err := c.l2.Get(ctx, l2Key(class, key)).Bytes()
	if err != nil {
		recordMiss(class, "l2")
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		obslog.WithComponent("cache").Warn().Err(err).Msg("corrupt l2 entry, treating as miss")
		return Entry{}, false
	}
	recordHit(class, "l2")

	c.mu.Lock()
	c.l1[class].Add(key, l1Entry{Entry: entry})
	c.mu.Unlock()
	return entry, true
}

func (c *TieredCache) Put(ctx context.Context, class Class, key string, entry Entry, ttl time.Duration) error {
	expiresAt := time.Time{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.mu.Lock()
	c.l1[class].Add(key, l1Entry{Entry: entry, expiresAt: expiresAt})
	c.mu.Unlock()

	if c.l2 == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.l2.Set(ctx, l2Key(class, key), raw, ttl).Err()
}

func (c *TieredCache) Invalidate(ctx context.Context, class Class, key string) error {
	c.mu.Lock()
	c.l1[class].Remove(key)
	c.mu.Unlock()

	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Del(ctx, l2Key(class, key)).Err(); err != nil {
		return err
	}
	if c.inv != nil {
		c.inv.Publish(ctx, InvalidationEvent{Class: class, Key: key})
	}
	return nil
}

func l2Key(class Class, key string) string {
	return string(class) + ":" + key
}
