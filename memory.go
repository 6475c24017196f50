// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"container/list"
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/golang/glog"
)

type entryState int

const (
	stateEmpty entryState = iota
	stateDecoding
	stateDecoded
)

// cacheEntry is only read or written with MemoryCache.mu held.
type cacheEntry struct {
	key   DrawImage
	state entryState
	refs  int
	size  int64

	task   *decodeTask  // set while decoding
	bitmap *image.RGBA  // nil until decoded, or if the decode failed
	unused *list.Element // position in MemoryCache.unused while refs == 0

	// pendingDelete is set by ClearCache on entries that were still in use.
	pendingDelete bool
}

// MemoryCache is a Cache that keeps decoded bitmaps in memory.
//
// A MemoryCache is safe for concurrent use.  Bookkeeping happens under a
// single lock; decodes run without it, either in Task.Run on a scheduler
// worker or in DecodedImageForDraw on the drawing goroutine.
type MemoryCache struct {
	cfg     Config
	decoder Decoder

	mu           sync.Mutex
	entries      map[DrawImage]*cacheEntry
	unused       *list.List // *cacheEntry with refs == 0; front is least recently unreferenced
	atRasterRefs map[DrawImage]int
	used         int64
	aggressive   bool
	stats        Stats
}

// Stats is a snapshot of MemoryCache counters.
type Stats struct {
	Entries       int
	UnusedEntries int
	UsedBytes     int64
	LimitBytes    int64

	Hits      uint64 // requests served by an existing entry
	Misses    uint64 // requests that created a new entry
	AtRaster  uint64 // requests sent down the at-raster path
	Evictions uint64
}

// NewMemoryCache returns a MemoryCache that decodes images using decoder.
func NewMemoryCache(cfg Config, decoder Decoder) *MemoryCache {
	if cfg.MemoryLimitBytes < 0 {
		cfg.MemoryLimitBytes = 0
	}
	return &MemoryCache{
		cfg:          cfg,
		decoder:      decoder,
		entries:      make(map[DrawImage]*cacheEntry),
		unused:       list.New(),
		atRasterRefs: make(map[DrawImage]int),
	}
}

var _ Cache = (*MemoryCache)(nil)

// TaskForImageAndRef implements Cache.
func (c *MemoryCache) TaskForImageAndRef(img DrawImage, info TracingInfo) TaskResult {
	if glog.V(2) {
		glog.Infof("decode requested: %v (source=%s tile=%d pass=%d)", img, info.Source, info.TileID, info.PassID)
	}
	return c.taskAndRef(img, PriorityRaster)
}

// OutOfRasterDecodeTaskForImageAndRef implements Cache.
func (c *MemoryCache) OutOfRasterDecodeTaskForImageAndRef(img DrawImage) TaskResult {
	if glog.V(2) {
		glog.Infof("out of raster decode requested: %v", img)
	}
	return c.taskAndRef(img, PriorityBackground)
}

func (c *MemoryCache) taskAndRef(img DrawImage, priority TaskPriority) TaskResult {
	key := img.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.useCache(key) {
		return c.atRasterLocked(key)
	}

	if e, ok := c.entries[key]; ok {
		c.refLocked(e)
		c.stats.Hits++
		if e.state == stateDecoding {
			cacheRequestCount.WithLabelValues(pathPending).Inc()
			return TaskResultForTask(e.task)
		}
		cacheRequestCount.WithLabelValues(pathCached).Inc()
		return NewTaskResult(true, false)
	}

	size := key.DecodedBytes()
	if !c.ensureCapacityLocked(size) {
		glog.V(1).Infof("no room for %v (%d bytes, %d of %d in use), decoding at raster", key, size, c.used, c.cfg.MemoryLimitBytes)
		return c.atRasterLocked(key)
	}

	e := &cacheEntry{key: key, state: stateDecoding, size: size}
	e.task = newDecodeTask(key, priority, func(ctx context.Context) {
		c.decodeEntry(ctx, e)
	})
	c.entries[key] = e
	c.used += size
	c.refLocked(e)
	// holders sent down the at-raster path earlier now share the entry
	if n := c.atRasterRefs[key]; n > 0 {
		e.refs += n
		delete(c.atRasterRefs, key)
	}
	c.stats.Misses++
	cacheRequestCount.WithLabelValues(pathNew).Inc()
	c.updateGaugesLocked()
	return TaskResultForTask(e.task)
}

// atRasterLocked records an acquisition that created no entry.  The matching
// UnrefImage only clears this record, unless an entry for key is created
// first, which takes the record over.
func (c *MemoryCache) atRasterLocked(key DrawImage) TaskResult {
	c.atRasterRefs[key]++
	c.stats.AtRaster++
	cacheRequestCount.WithLabelValues(pathAtRaster).Inc()
	return NewTaskResult(true, true)
}

func (c *MemoryCache) refLocked(e *cacheEntry) {
	if e.unused != nil {
		c.unused.Remove(e.unused)
		e.unused = nil
	}
	e.refs++
}

// decodeEntry is the body of an entry's decode task.
func (c *MemoryCache) decodeEntry(ctx context.Context, e *cacheEntry) {
	start := time.Now()
	bitmap, err := c.decode(ctx, e.key)
	c.recordDecode("task", time.Since(start))
	if err != nil {
		glog.Errorf("error decoding image %v: %v", e.key, err)
		decodeErrors.Inc()
		bitmap = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e.task = nil
	e.state = stateDecoded
	e.bitmap = bitmap
	if bitmap != nil {
		// account for the real size rather than the estimate made up front
		actual := int64(len(bitmap.Pix))
		if c.entries[e.key] == e {
			c.used += actual - e.size
		}
		e.size = actual
	}
	if e.refs == 0 {
		c.releaseUnreferencedLocked(e)
	}
	c.updateGaugesLocked()
}

// DecodedImageForDraw implements Cache.
func (c *MemoryCache) DecodedImageForDraw(ctx context.Context, img DrawImage) DecodedDrawImage {
	key := img.Normalize()

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return c.decodeAtRaster(ctx, key)
	}
	if e.state == stateDecoding {
		// The caller did not wait for the task.  Run it here, or wait for
		// the worker that is already running it.
		t := e.task
		c.mu.Unlock()
		t.Run(ctx)
		c.mu.Lock()
	}
	bitmap := e.bitmap
	c.mu.Unlock()

	return DecodedDrawImage{img: bitmap, quality: key.Quality}
}

func (c *MemoryCache) decodeAtRaster(ctx context.Context, key DrawImage) DecodedDrawImage {
	d := DecodedDrawImage{quality: key.Quality, atRaster: true}
	if key.TargetSize() == (image.Point{}) {
		return d
	}
	start := time.Now()
	bitmap, err := c.decode(ctx, key)
	c.recordDecode("at_raster", time.Since(start))
	if err != nil {
		glog.Errorf("error decoding image %v at raster: %v", key, err)
		decodeErrors.Inc()
		return d
	}
	d.img = bitmap
	return d
}

// decode calls the decoder, reporting a panic as an error so that the entry
// being decoded still reaches the decoded state.
func (c *MemoryCache) decode(ctx context.Context, key DrawImage) (bitmap *image.RGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			bitmap, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return c.decoder.Decode(ctx, key)
}

func (c *MemoryCache) recordDecode(path string, d time.Duration) {
	decodeSummary.WithLabelValues(path).Observe(d.Seconds())
	if c.cfg.Latency != nil {
		c.cfg.Latency.Record("decode_"+path, d)
	}
}

// DrawWithImageFinished implements Cache.  It does nothing: a cached bitmap
// lives as long as its entry holds references, and an at-raster bitmap
// belongs to the caller.
func (c *MemoryCache) DrawWithImageFinished(img DrawImage, decoded DecodedDrawImage) {}

// UnrefImage implements Cache.  It panics if img has no outstanding
// reference.
func (c *MemoryCache) UnrefImage(img DrawImage) {
	key := img.Normalize()

	c.mu.Lock()
	defer c.mu.Unlock()

	// An entry and an at-raster record never exist for the same key at
	// once; see taskAndRef.
	e, ok := c.entries[key]
	if !ok || e.refs == 0 {
		n := c.atRasterRefs[key]
		switch {
		case n == 0:
			panic(fmt.Sprintf("decodecache: UnrefImage(%v) without a matching acquire", img))
		case n == 1:
			delete(c.atRasterRefs, key)
		default:
			c.atRasterRefs[key] = n - 1
		}
		return
	}
	e.refs--
	if e.refs == 0 && e.state == stateDecoded {
		c.releaseUnreferencedLocked(e)
		c.updateGaugesLocked()
	}
}

// releaseUnreferencedLocked handles a decoded entry whose last reference has
// gone away.
func (c *MemoryCache) releaseUnreferencedLocked(e *cacheEntry) {
	if c.entries[e.key] != e {
		return // already evicted
	}
	if e.pendingDelete || c.aggressive || e.bitmap == nil {
		c.evictLocked(e)
		return
	}
	e.unused = c.unused.PushBack(e)
}

func (c *MemoryCache) evictLocked(e *cacheEntry) {
	if e.unused != nil {
		c.unused.Remove(e.unused)
		e.unused = nil
	}
	if c.entries[e.key] != e {
		return
	}
	delete(c.entries, e.key)
	c.used -= e.size
	e.state = stateEmpty
	c.stats.Evictions++
	cacheEvictions.Inc()
}

// ensureCapacityLocked evicts unreferenced entries until size more bytes fit
// within the memory limit, and reports whether they do.
func (c *MemoryCache) ensureCapacityLocked(size int64) bool {
	for c.used+size > c.cfg.MemoryLimitBytes {
		front := c.unused.Front()
		if front == nil {
			return false
		}
		c.evictLocked(front.Value.(*cacheEntry))
	}
	return true
}

// trimUnusedLocked evicts unreferenced entries until at most max remain.
func (c *MemoryCache) trimUnusedLocked(max int) {
	for c.unused.Len() > max {
		c.evictLocked(c.unused.Front().Value.(*cacheEntry))
	}
}

func (c *MemoryCache) updateGaugesLocked() {
	cacheBytes.Set(float64(c.used))
	cacheEntries.Set(float64(len(c.entries)))
}

// MaximumMemoryLimitBytes implements Cache.
func (c *MemoryCache) MaximumMemoryLimitBytes() int64 {
	return c.cfg.MemoryLimitBytes
}

// UseCacheForDrawImage implements Cache.  Animated images, images with no
// pixels and images larger than Config.MaxEntryBytes are not cached.
func (c *MemoryCache) UseCacheForDrawImage(img DrawImage) bool {
	return c.useCache(img.Normalize())
}

func (c *MemoryCache) useCache(key DrawImage) bool {
	if c.cfg.MemoryLimitBytes == 0 || key.Animated {
		return false
	}
	size := key.DecodedBytes()
	return size > 0 && size <= c.cfg.maxEntryBytes()
}

// ReduceCacheUsage implements Cache.
func (c *MemoryCache) ReduceCacheUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureCapacityLocked(0)
	c.trimUnusedLocked(c.cfg.maxUnusedEntries())
	c.updateGaugesLocked()
}

// SetShouldAggressivelyFreeResources implements Cache.
func (c *MemoryCache) SetShouldAggressivelyFreeResources(aggressive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aggressive = aggressive
	if aggressive {
		c.trimUnusedLocked(0)
		c.updateGaugesLocked()
	}
}

// ClearCache implements Cache.
func (c *MemoryCache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.trimUnusedLocked(0)
	for _, e := range c.entries {
		e.pendingDelete = true
	}
	c.updateGaugesLocked()
}

// RefCount returns the number of outstanding references on the entry for
// img, or 0 if there is no entry.
func (c *MemoryCache) RefCount(img DrawImage) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[img.Normalize()]; ok {
		return e.refs
	}
	return 0
}

// Stats returns a snapshot of the cache counters.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.UnusedEntries = c.unused.Len()
	s.UsedBytes = c.used
	s.LimitBytes = c.cfg.MemoryLimitBytes
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("entries=%d unused=%d bytes=%d/%d hits=%d misses=%d at_raster=%d evictions=%d",
		s.Entries, s.UnusedEntries, s.UsedBytes, s.LimitBytes, s.Hits, s.Misses, s.AtRaster, s.Evictions)
}
