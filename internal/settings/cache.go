package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/relance/internal/models"
)

// Cache holds recently read settings. Misses and cache failures are not
// errors for the caller: the store falls through to the database.
type Cache interface {
	Get(ctx context.Context, org string) (*models.Settings, bool)
	Set(ctx context.Context, s *models.Settings)
	Invalidate(ctx context.Context, org string)
}

type memoryEntry struct {
	settings models.Settings
	expires  time.Time
}

// MemoryCache is an in-process TTL cache.
type MemoryCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryCache returns a cache whose entries live for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, org string) (*models.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[org]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, org)
		return nil, false
	}
	s := clone(&e.settings)
	return s, true
}

func (c *MemoryCache) Set(_ context.Context, s *models.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[s.OrganizationID] = memoryEntry{settings: *clone(s), expires: c.now().Add(c.ttl)}
}

func (c *MemoryCache) Invalidate(_ context.Context, org string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, org)
}

// RedisCache shares settings between coordinator nodes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to redisURL and pings it.
func NewRedisCache(ctx context.Context, redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("settings: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("settings: connect to redis: %w", err)
	}
	return NewRedisCacheFromClient(client, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, prefix: "relance:settings:"}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, org string) (*models.Settings, bool) {
	raw, err := c.client.Get(ctx, c.prefix+org).Bytes()
	if err != nil {
		return nil, false
	}
	var s models.Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (c *RedisCache) Set(ctx context.Context, s *models.Settings) {
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.prefix+s.OrganizationID, raw, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, org string) {
	// On failure a stale entry still expires after ttl.
	c.client.Del(ctx, c.prefix+org)
}

// clone deep-copies the slice, pointer and map fields of s.
func clone(s *models.Settings) *models.Settings {
	out := *s
	out.EscalationSteps = append([]models.EscalationStep(nil), s.EscalationSteps...)
	if s.PreDueTrigger != nil {
		p := *s.PreDueTrigger
		out.PreDueTrigger = &p
	}
	if s.Templates != nil {
		out.Templates = make(map[models.FollowUpType]models.Template, len(s.Templates))
		for k, v := range s.Templates {
			out.Templates[k] = v
		}
	}
	return &out
}
