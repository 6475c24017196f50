// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package ttldiskcache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(t.TempDir(), ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache(t *testing.T) {
	c, now := newTestCache(t, time.Minute)

	t.Run("set and get", func(t *testing.T) {
		c.Set("https://example.com/a.png", []byte("data"))
		got, ok := c.Get("https://example.com/a.png")
		if !ok || string(got) != "data" {
			t.Errorf("Get = %q, %v; want %q, true", got, ok, "data")
		}
	})

	t.Run("expiration", func(t *testing.T) {
		c.Set("expiring", []byte("data"))
		*now = now.Add(2 * time.Minute)
		if _, ok := c.Get("expiring"); ok {
			t.Error("Get returned expired value")
		}
		if c.meta.Has(metaKey("expiring")) {
			t.Error("metadata of expired entry not removed")
		}
	})

	t.Run("delete", func(t *testing.T) {
		c.Set("deleted", []byte("data"))
		c.Delete("deleted")
		if _, ok := c.Get("deleted"); ok {
			t.Error("Get returned deleted value")
		}
		if c.meta.Has(metaKey("deleted")) {
			t.Error("metadata of deleted entry not removed")
		}
	})
}

func TestCache_NoTTL(t *testing.T) {
	c, now := newTestCache(t, 0)
	c.Set("k", []byte("v"))
	*now = now.Add(1000 * time.Hour)
	if _, ok := c.Get("k"); !ok {
		t.Error("Get returned not ok for value without ttl")
	}
	if c.meta.Has(metaKey("k")) {
		t.Error("metadata written without ttl")
	}
}

func TestCache_CleanupExpired(t *testing.T) {
	c, now := newTestCache(t, time.Minute)
	c.Set("expire1", []byte("1"))
	c.Set("expire2", []byte("2"))

	*now = now.Add(2 * time.Minute)
	c.Set("valid", []byte("valid"))

	if got := c.CleanupExpired(); got != 2 {
		t.Errorf("CleanupExpired removed %d entries, want 2", got)
	}
	for _, key := range []string{"expire1", "expire2"} {
		if _, ok := c.data.Get(key); ok {
			t.Errorf("%s still on disk after cleanup", key)
		}
	}
	if _, ok := c.Get("valid"); !ok {
		t.Error("valid entry removed by cleanup")
	}
}

func TestCache_Concurrency(t *testing.T) {
	c, _ := newTestCache(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i%3)
			c.Set(key, []byte("data"))
			c.Get(key)
			c.Delete(key)
		}(i)
	}
	wg.Wait()
}
