package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/louisbranch/phenostream/internal/projection"
)

// CacheKey identifies one projection computation: the filter dimensions plus
// a growth discriminator. Any growth in the underlying filtered rows mints a
// new key, so invalidation never needs to be explicit.
type CacheKey struct {
	PatchType     string
	Position      int
	Discriminator string
}

// RowCountKey builds a key discriminated by the filtered row count.
func RowCountKey(patchType string, position int, rows int) CacheKey {
	return CacheKey{
		PatchType:     patchType,
		Position:      position,
		Discriminator: fmt.Sprintf("rows:%d", rows),
	}
}

// WindowKey builds a key discriminated by explicit time-window bounds plus
// the filtered row count. The bounds alone are not growth-sensitive: rows
// captured inside the window can still be appended later, and they must mint
// a new key rather than being served a stale result.
func WindowKey(patchType string, position int, from, to time.Time, rows int) CacheKey {
	return CacheKey{
		PatchType:     patchType,
		Position:      position,
		Discriminator: fmt.Sprintf("window:%d-%d:rows:%d", from.Unix(), to.Unix(), rows),
	}
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.PatchType, k.Position, k.Discriminator)
}

// ProjectionCache memoizes projection results per CacheKey.
//
// For a given key the compute function executes at most once; concurrent
// callers for the same key share the single in-flight computation while
// different keys compute in parallel. Failures are surfaced to the waiting
// callers and never cached, so a later call retries. Entries live for the
// process lifetime; an LRU or TTL policy is a possible extension, not a
// current guarantee.
type ProjectionCache struct {
	group singleflight.Group

	mu      sync.Mutex
	entries map[CacheKey]projection.Result
}

// NewProjectionCache creates an empty cache.
func NewProjectionCache() *ProjectionCache {
	return &ProjectionCache{entries: make(map[CacheKey]projection.Result)}
}

// GetOrCompute returns the memoized result for key, computing it on first
// use. The returned bool reports whether the caller was served from the
// cache without running (or waiting on) compute.
func (c *ProjectionCache) GetOrCompute(ctx context.Context, key CacheKey, compute func(context.Context) (projection.Result, error)) (projection.Result, bool, error) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return entry, true, nil
	}
	c.mu.Unlock()

	result, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A previous flight may have stored the entry between the fast-path
		// check and this call.
		c.mu.Lock()
		if entry, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return entry, nil
		}
		c.mu.Unlock()

		tracer := otel.Tracer("phenostream/stream")
		computeCtx, span := tracer.Start(ctx, "projection.compute")
		span.SetAttributes(attribute.String("cache.key", key.String()))
		defer span.End()

		entry, err := compute(computeCtx)
		if err != nil {
			span.RecordError(err)
			return projection.Result{}, err
		}

		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return projection.Result{}, false, err
	}
	return result.(projection.Result), false, nil
}

// Len reports the number of memoized entries.
func (c *ProjectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
