// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

// Package cache provides the TTL read cache backing the sentry's query
// endpoints, so bursts of ledger and state reads do not fan out to the
// repository.
package cache

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTLCache caches fetched values per key with a shared TTL. Concurrent misses
// for the same key are collapsed into a single fetch.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	data  map[K]entry[V]
	ttl   time.Duration
	group singleflight.Group
}

// NewTTLCache creates a cache whose entries expire ttl after being fetched.
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		data: make(map[K]entry[V]),
		ttl:  ttl,
	}
}

// Get returns the cached value for key if fresh, otherwise fetches it through
// fetch. Passing invalidate drops any cached value first so no caller can
// observe the stale one while the refetch is in flight.
func (c *TTLCache[K, V]) Get(key K, fetch func(K) (V, error), invalidate bool) (V, error) {
	if invalidate {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
	} else {
		c.mu.RLock()
		e, ok := c.data[key]
		c.mu.RUnlock()
		if ok && time.Since(e.fetchedAt) < c.ttl {
			return e.value, nil
		}
	}

	v, err, _ := c.group.Do(keyString(key), func() (interface{}, error) {
		value, fetchErr := fetch(key)
		if fetchErr != nil {
			return *new(V), fetchErr
		}
		c.mu.Lock()
		c.data[key] = entry[V]{value: value, fetchedAt: time.Now()}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return *new(V), err
	}
	return v.(V), nil
}

// Invalidate drops the cached value for key.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// keyString flattens a key for singleflight, honoring fmt.Stringer keys.
func keyString[K comparable](key K) string {
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
