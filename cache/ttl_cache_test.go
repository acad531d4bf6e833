// Copyright (C) 2024-2026, Meshpay Labs. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLCacheServesFreshValues(t *testing.T) {
	require := require.New(t)

	cache := NewTTLCache[string, int](time.Hour)
	fetches := 0
	fetch := func(string) (int, error) {
		fetches++
		return 42, nil
	}

	v, err := cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(42, v)
	require.Equal(1, fetches)

	// Fresh entry, no refetch.
	v, err = cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(42, v)
	require.Equal(1, fetches)

	// Different key fetches.
	_, err = cache.Get("other", fetch, false)
	require.NoError(err)
	require.Equal(2, fetches)
}

func TestTTLCacheExpires(t *testing.T) {
	require := require.New(t)

	cache := NewTTLCache[string, int](10 * time.Millisecond)
	fetches := 0
	fetch := func(string) (int, error) {
		fetches++
		return fetches, nil
	}

	v, err := cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(1, v)

	time.Sleep(20 * time.Millisecond)
	v, err = cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(2, v)
}

func TestTTLCacheInvalidate(t *testing.T) {
	require := require.New(t)

	cache := NewTTLCache[string, int](time.Hour)
	fetches := 0
	fetch := func(string) (int, error) {
		fetches++
		return fetches, nil
	}

	_, err := cache.Get("key", fetch, false)
	require.NoError(err)

	v, err := cache.Get("key", fetch, true)
	require.NoError(err)
	require.Equal(2, v)

	cache.Invalidate("key")
	v, err = cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(3, v)
}

func TestTTLCacheSingleFlight(t *testing.T) {
	require := require.New(t)

	cache := NewTTLCache[string, int](time.Hour)
	var fetches atomic.Int64
	gate := make(chan struct{})
	fetch := func(string) (int, error) {
		fetches.Add(1)
		<-gate
		return 7, nil
	}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Get("key", fetch, false)
			require.NoError(err)
			require.Equal(7, v)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(gate)
	wg.Wait()
	require.Equal(int64(1), fetches.Load())
}

func TestTTLCacheFetchErrorNotCached(t *testing.T) {
	require := require.New(t)

	cache := NewTTLCache[string, int](time.Hour)
	fetches := 0
	fetch := func(string) (int, error) {
		fetches++
		if fetches == 1 {
			return 0, errors.New("backend down")
		}
		return 9, nil
	}

	_, err := cache.Get("key", fetch, false)
	require.Error(err)

	v, err := cache.Get("key", fetch, false)
	require.NoError(err)
	require.Equal(9, v)
}
