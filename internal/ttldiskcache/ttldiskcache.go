// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package ttldiskcache provides an on-disk httpcache.Cache whose entries
// expire after a fixed TTL.
package ttldiskcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
)

// metadata is stored alongside each value.
type metadata struct {
	Key     string
	Expires time.Time
}

// Cache stores values with diskcache and keeps each value's expiry in a
// separate metadata store under BasePath/_metadata.
type Cache struct {
	data *diskcache.Cache
	meta *diskv.Diskv
	ttl  time.Duration

	mu  sync.RWMutex
	now func() time.Time
}

// shardTransform stores file "c0ffee" as "c0/ff/c0ffee".
func shardTransform(s string) []string { return []string{s[0:2], s[2:4]} }

// New returns a Cache storing files under basePath.  A ttl of zero or less
// disables expiry.
func New(basePath string, ttl time.Duration) *Cache {
	return &Cache{
		data: diskcache.NewWithDiskv(diskv.New(diskv.Options{
			BasePath:  basePath,
			Transform: shardTransform,
		})),
		meta: diskv.New(diskv.Options{
			BasePath:  filepath.Join(basePath, "_metadata"),
			Transform: shardTransform,
		}),
		ttl: ttl,
		now: time.Now,
	}
}

func metaKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the value for key if it exists and has not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	md, err := c.loadMetadata(metaKey(key))
	if err == nil && c.expired(md) {
		c.mu.RUnlock()
		glog.V(1).Infof("disk cache entry %q has expired", key)
		c.Delete(key)
		return nil, false
	}
	defer c.mu.RUnlock()
	return c.data.Get(key)
}

func (c *Cache) expired(md metadata) bool {
	return !md.Expires.IsZero() && c.now().After(md.Expires)
}

// Set stores value under key.
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 {
		md := metadata{Key: key, Expires: c.now().Add(c.ttl)}
		if err := c.saveMetadata(metaKey(key), md); err != nil {
			glog.Errorf("error saving disk cache metadata for %q: %v", key, err)
			return
		}
	}
	c.data.Set(key, value)
}

// Delete removes key and its metadata.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key, metaKey(key))
}

func (c *Cache) deleteLocked(key, mk string) {
	c.data.Delete(key)
	if c.meta.Has(mk) {
		if err := c.meta.Erase(mk); err != nil {
			glog.Errorf("error deleting disk cache metadata for %q: %v", key, err)
		}
	}
}

func (c *Cache) saveMetadata(mk string, md metadata) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(md); err != nil {
		return err
	}
	return c.meta.Write(mk, buf.Bytes())
}

func (c *Cache) loadMetadata(mk string) (metadata, error) {
	var md metadata
	b, err := c.meta.Read(mk)
	if err != nil {
		return md, err
	}
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&md); err != nil {
		glog.Errorf("error decoding disk cache metadata %s: %v", mk, err)
		return md, err
	}
	return md, nil
}

// CleanupExpired removes every expired entry and returns how many were
// removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for mk := range c.meta.Keys(nil) {
		expired = append(expired, mk)
	}

	n := 0
	for _, mk := range expired {
		md, err := c.loadMetadata(mk)
		if err != nil || !c.expired(md) {
			continue
		}
		c.deleteLocked(md.Key, mk)
		n++
	}
	return n
}
