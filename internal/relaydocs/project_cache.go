package relaydocs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const DefaultProjectCacheTTL = 15 * time.Minute

// ProjectCache remembers a user's project list together with the project
// service marker it was read under. Get reports a miss when the marker
// differs; a hit extends the entry's lifetime.
type ProjectCache interface {
	Get(ctx context.Context, userID, marker string) ([]Project, bool)
	Put(ctx context.Context, userID, marker string, projects []Project)
}

type cachedProjects struct {
	Marker   string    `json:"marker"`
	Projects []Project `json:"projects"`
}

type memoryProjectEntry struct {
	cachedProjects
	expiresAt time.Time
}

type MemoryProjectCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryProjectEntry
}

func NewMemoryProjectCache(ttl time.Duration) *MemoryProjectCache {
	if ttl <= 0 {
		ttl = DefaultProjectCacheTTL
	}
	return &MemoryProjectCache{ttl: ttl, now: time.Now, entries: map[string]memoryProjectEntry{}}
}

func (c *MemoryProjectCache) Get(ctx context.Context, userID, marker string) ([]Project, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	e, ok := c.entries[userID]
	if !ok || !now.Before(e.expiresAt) {
		delete(c.entries, userID)
		return nil, false
	}
	if e.Marker != marker {
		delete(c.entries, userID)
		return nil, false
	}
	e.expiresAt = now.Add(c.ttl)
	c.entries[userID] = e
	return append([]Project(nil), e.Projects...), true
}

func (c *MemoryProjectCache) Put(ctx context.Context, userID, marker string, projects []Project) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = memoryProjectEntry{
		cachedProjects: cachedProjects{Marker: marker, Projects: append([]Project(nil), projects...)},
		expiresAt:      c.now().Add(c.ttl),
	}
}

// RedisProjectCache stores entries as JSON values; reads refresh the TTL.
type RedisProjectCache struct {
	client redisCmdable
	prefix string
	ttl    time.Duration
}

func NewRedisProjectCache(client redisCmdable, prefix string, ttl time.Duration) *RedisProjectCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "relaydocs:projects:"
	}
	if ttl <= 0 {
		ttl = DefaultProjectCacheTTL
	}
	return &RedisProjectCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisProjectCache) Get(ctx context.Context, userID, marker string) ([]Project, bool) {
	raw, err := c.client.Get(ctx, c.prefix+userID).Result()
	if err != nil {
		return nil, false
	}
	var entry cachedProjects
	if json.Unmarshal([]byte(raw), &entry) != nil || entry.Marker != marker {
		return nil, false
	}
	_ = c.client.Expire(ctx, c.prefix+userID, c.ttl).Err()
	return entry.Projects, true
}

func (c *RedisProjectCache) Put(ctx context.Context, userID, marker string, projects []Project) {
	payload, err := json.Marshal(cachedProjects{Marker: marker, Projects: projects})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.prefix+userID, payload, c.ttl).Err()
}
