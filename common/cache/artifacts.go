package cache

import (
	"context"
	"fmt"
	"time"
)

// ArtifactCache is a view of a Cache scoped to one run's session key.
// Runs without an active profile carry no session key and get a nil scope:
// every operation on a nil scope is a no-op, so no profile-scoped caching
// applies.
type ArtifactCache struct {
	cache      Cache
	sessionKey string
	ttl        time.Duration
}

// NewArtifactCache creates a session-scoped artifact cache. Returns nil
// when sessionKey is empty.
func NewArtifactCache(cache Cache, sessionKey string, ttl time.Duration) *ArtifactCache {
	if sessionKey == "" || cache == nil {
		return nil
	}
	return &ArtifactCache{cache: cache, sessionKey: sessionKey, ttl: ttl}
}

func (c *ArtifactCache) key(tag string) string {
	return fmt.Sprintf("artifact:%s:%s", c.sessionKey, tag)
}

// Get reads a cached artifact value by tag
func (c *ArtifactCache) Get(ctx context.Context, tag string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}
	value, found, err := c.cache.Get(ctx, c.key(tag))
	if err != nil || !found {
		return "", false, err
	}
	return string(value), true, nil
}

// Put stores an artifact value by tag
func (c *ArtifactCache) Put(ctx context.Context, tag, value string) error {
	if c == nil {
		return nil
	}
	return c.cache.Set(ctx, c.key(tag), []byte(value), c.ttl)
}
