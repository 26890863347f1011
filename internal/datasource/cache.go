// Package datasource memoizes external signal fetches for the lifetime of
// one engine run.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinmnit159/isms-backend/internal/metrics"
	"github.com/vinmnit159/isms-backend/internal/source"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	err       error
	fetchedAt time.Time
}

// RunCache holds the fetch results of one run. It must not be shared
// between runs: each run constructs its own.
type RunCache struct {
	runID string

	mu      sync.Mutex
	entries map[string]entry
	flight  singleflight.Group

	fetches atomic.Int64
}

func NewRunCache(runID string) *RunCache {
	return &RunCache{
		runID:   runID,
		entries: make(map[string]entry),
	}
}

func (c *RunCache) RunID() string { return c.runID }

// Fetches is the number of underlying fetches performed so far.
func (c *RunCache) Fetches() int64 { return c.fetches.Load() }

// FetchedAt reports when key was fetched, if it has been.
func (c *RunCache) FetchedAt(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.fetchedAt, ok
}

func (c *RunCache) lookup(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// load returns the memoized value for key, calling fn at most once per run.
// Concurrent callers for the same key share the in-flight call. ErrNoData
// is stored as the zero value of T; other errors are stored as-is, except
// cancellation which is never memoized.
func load[T any](ctx context.Context, c *RunCache, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if e, ok := c.lookup(key); ok {
		return cast[T](key, e)
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if e, ok := c.lookup(key); ok {
			return e.value, e.err
		}

		c.fetches.Add(1)
		val, err := fn(ctx)
		switch {
		case err == nil:
			metrics.SourceFetches.WithLabelValues("ok").Inc()
		case errors.Is(err, source.ErrNoData):
			metrics.SourceFetches.WithLabelValues("no_data").Inc()
			val, err = zero, nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			metrics.SourceFetches.WithLabelValues("error").Inc()
		}

		c.mu.Lock()
		c.entries[key] = entry{value: val, err: err, fetchedAt: time.Now()}
		c.mu.Unlock()
		return val, err
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %q holds %T", key, v)
	}
	return out, nil
}

func cast[T any](key string, e entry) (T, error) {
	var zero T
	if e.err != nil {
		return zero, e.err
	}
	if e.value == nil {
		return zero, nil
	}
	out, ok := e.value.(T)
	if !ok {
		return zero, fmt.Errorf("cache key %q holds %T", key, e.value)
	}
	return out, nil
}
