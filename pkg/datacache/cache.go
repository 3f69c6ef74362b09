// Package datacache provides a TTL-bound, single-flight cache in front of the
// external data sources (telemetry, prices, weather). Concurrent callers for
// the same key share one in-flight fetch instead of issuing duplicate calls.
package datacache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chargehelm/chargehelm/pkg/log"
	"github.com/chargehelm/chargehelm/pkg/types"
)

// Result carries a cached value plus how it was obtained.
type Result[T any] struct {
	Value T
	// FromCache is true when the value was served without a fetch.
	FromCache bool
	// Stale is true when the fetch failed and the value comes from an expired
	// entry still within the grace period.
	Stale bool
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Cache is a keyed single-flight TTL cache. TTLs are supplied per Get call so
// different sources behind the same cache can use different freshness bounds.
type Cache[T any] struct {
	grace time.Duration

	mu      sync.Mutex
	entries map[string]entry[T]

	group singleflight.Group

	// now is replaceable for tests.
	now func() time.Time
}

// New creates a cache whose expired entries remain usable for grace after
// their TTL when a fetch fails.
func New[T any](grace time.Duration) *Cache[T] {
	return &Cache[T]{
		grace:   grace,
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

// Get returns the cached value for key if it is within ttl, otherwise fetches
// it. On fetch failure the last cached value is returned with Stale=true if it
// is still within the grace period; with no usable cache the error wraps
// types.ErrDataUnavailable.
func (c *Cache[T]) Get(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (Result[T], error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Sub(e.fetchedAt) < ttl {
		c.mu.Unlock()
		return Result[T]{Value: e.value, FromCache: true}, nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have refreshed the
		// entry while we waited for the flight lock.
		now := c.now()
		c.mu.Lock()
		if e, ok := c.entries[key]; ok && now.Sub(e.fetchedAt) < ttl {
			c.mu.Unlock()
			return Result[T]{Value: e.value, FromCache: true}, nil
		}
		c.mu.Unlock()

		value, err := fetch(ctx)
		if err != nil {
			return Result[T]{}, err
		}

		c.mu.Lock()
		c.entries[key] = entry[T]{value: value, fetchedAt: c.now()}
		c.mu.Unlock()
		return Result[T]{Value: value}, nil
	})
	if err == nil {
		res := v.(Result[T])
		// Callers that joined an in-flight fetch did not trigger it.
		if shared {
			res.FromCache = true
		}
		return res, nil
	}

	// Fetch failed: fall back to a stale entry within the grace period.
	now = c.now()
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < ttl+c.grace {
		log.Ctx(ctx).WarnContext(
			ctx,
			"fetch failed, serving stale cache",
			slog.String("key", key),
			slog.Time("fetchedAt", e.fetchedAt),
			slog.Any("error", err),
		)
		return Result[T]{Value: e.value, FromCache: true, Stale: true}, nil
	}

	return Result[T]{}, fmt.Errorf("%w: %s: %s", types.ErrDataUnavailable, key, err)
}

// Invalidate drops the entry for key.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
