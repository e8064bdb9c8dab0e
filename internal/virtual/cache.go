package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/nexus-edge/meter-gateway/internal/domain"
)

// DefaultStatusTTL is how long a coil status answer is reused.
const DefaultStatusTTL = 5 * time.Second

// CoilStatus is a cached answer to "is this coil on".
type CoilStatus struct {
	DeviceID string      `json:"device_id"`
	Address  uint16      `json:"address"`
	On       bool        `json:"on"`
	Tier     domain.Tier `json:"tier"`
	ReadAt   time.Time   `json:"read_at"`
	Error    string      `json:"error,omitempty"`
}

// StatusCache stores coil status answers for a short TTL so that repeated
// queries for an unreachable device do not hit the wire each time.
type StatusCache interface {
	Get(ctx context.Context, deviceID string, address uint16) (CoilStatus, bool, error)
	Set(ctx context.Context, status CoilStatus) error
	Invalidate(ctx context.Context, deviceID string, address uint16) error
}

func cacheKey(deviceID string, address uint16) string {
	return fmt.Sprintf("%s#%d", deviceID, address)
}

// MemoryStatusCache is a process-local StatusCache.
type MemoryStatusCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	status CoilStatus
	at     time.Time
}

// NewMemoryStatusCache creates a cache. If ttl <= 0, it defaults to DefaultStatusTTL.
func NewMemoryStatusCache(ttl time.Duration) *MemoryStatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &MemoryStatusCache{ttl: ttl, data: make(map[string]memoryEntry), now: time.Now}
}

// Get returns the cached status if it exists and hasn't expired.
func (c *MemoryStatusCache) Get(_ context.Context, deviceID string, address uint16) (CoilStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(deviceID, address)
	e, ok := c.data[key]
	if !ok {
		return CoilStatus{}, false, nil
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return CoilStatus{}, false, nil
	}
	return e.status, true, nil
}

// Set stores the status with the current timestamp.
func (c *MemoryStatusCache) Set(_ context.Context, status CoilStatus) error {
	c.mu.Lock()
	c.data[cacheKey(status.DeviceID, status.Address)] = memoryEntry{status: status, at: c.now()}
	c.mu.Unlock()
	return nil
}

// Invalidate drops a cached status.
func (c *MemoryStatusCache) Invalidate(_ context.Context, deviceID string, address uint16) error {
	c.mu.Lock()
	delete(c.data, cacheKey(deviceID, address))
	c.mu.Unlock()
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (c *MemoryStatusCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.data {
		if now.Sub(e.at) > c.ttl {
			delete(c.data, k)
			n++
		}
	}
	return n
}

// RedisStatusCache shares status answers between gateway instances.
type RedisStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStatusCache wraps an existing client. Keys are "<prefix>:<device>#<address>".
func NewRedisStatusCache(client *redis.Client, prefix string, ttl time.Duration) *RedisStatusCache {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	if prefix == "" {
		prefix = "coilstatus"
	}
	return &RedisStatusCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisStatusCache) key(deviceID string, address uint16) string {
	return c.prefix + ":" + cacheKey(deviceID, address)
}

// Get returns the cached status. A missing key is a miss, not an error.
func (c *RedisStatusCache) Get(ctx context.Context, deviceID string, address uint16) (CoilStatus, bool, error) {
	raw, err := c.client.Get(ctx, c.key(deviceID, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CoilStatus{}, false, nil
	}
	if err != nil {
		return CoilStatus{}, false, fmt.Errorf("redis get: %w", err)
	}
	var st CoilStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return CoilStatus{}, false, fmt.Errorf("redis decode: %w", err)
	}
	return st, true, nil
}

// Set stores the status with the cache TTL as expiry.
func (c *RedisStatusCache) Set(ctx context.Context, status CoilStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(status.DeviceID, status.Address), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate deletes a cached status.
func (c *RedisStatusCache) Invalidate(ctx context.Context, deviceID string, address uint16) error {
	return c.client.Del(ctx, c.key(deviceID, address)).Err()
}

// HealthCheck implements the health.Checker interface.
func (c *RedisStatusCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
