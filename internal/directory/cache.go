package directory

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cached is a read-through Redis cache in front of another Directory. Only
// positive answers are cached; NotFound and Unavailable always hit the inner
// directory again. The TTL is deliberately short: resolution is eager and
// per-document, so staleness only affects documents created inside the
// window.
type Cached struct {
	inner  Directory
	client *redis.Client
	ttl    time.Duration
}

func NewCached(inner Directory, client *redis.Client, ttl time.Duration) *Cached {
	return &Cached{inner: inner, client: client, ttl: ttl}
}

func (c *Cached) OrganizationManagers(ctx context.Context, orgID string) ([]string, error) {
	key := "dir:org-managers:" + orgID
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var managers []string
		if err := json.Unmarshal([]byte(raw), &managers); err == nil {
			return managers, nil
		}
	}

	managers, err := c.inner.OrganizationManagers(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(managers); err == nil {
		c.client.Set(ctx, key, raw, c.ttl)
	}
	return managers, nil
}

func (c *Cached) NthLevelManager(ctx context.Context, userID string, level int) (string, error) {
	key := "dir:nth-manager:" + userID + ":" + strconv.Itoa(level)
	if manager, err := c.client.Get(ctx, key).Result(); err == nil && manager != "" {
		return manager, nil
	}

	manager, err := c.inner.NthLevelManager(ctx, userID, level)
	if err != nil {
		return "", err
	}
	c.client.Set(ctx, key, manager, c.ttl)
	return manager, nil
}

func (c *Cached) UserProfile(ctx context.Context, userID string) (Profile, error) {
	key := "dir:profile:" + userID
	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var profile Profile
		if err := json.Unmarshal([]byte(raw), &profile); err == nil {
			return profile, nil
		}
	} else if err != redis.Nil && !errors.Is(err, context.Canceled) {
		// Redis trouble is not a directory failure; fall through to the inner
		// directory without caching.
		profile, innerErr := c.inner.UserProfile(ctx, userID)
		return profile, innerErr
	}

	profile, err := c.inner.UserProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if raw, err := json.Marshal(profile); err == nil {
		c.client.Set(ctx, key, raw, c.ttl)
	}
	return profile, nil
}
