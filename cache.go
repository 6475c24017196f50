// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package decodecache provides a cache of decoded images for tile
// rasterization.
//
// A rasterizer asks the cache for every image a tile needs.  The cache either
// already holds the decoded bitmap, hands back the decode task that is already
// producing it, creates a new task, or tells the caller to decode the image
// itself at draw time.  Decoded bitmaps are reference counted and shared by
// all callers; unreferenced bitmaps are kept for reuse across raster passes
// until memory pressure or an explicit eviction pass removes them.
//
// For typical use, see the raster package and cmd/decodecache.
package decodecache // import "willnorris.com/go/decodecache"

import (
	"context"
	"time"
)

// Cache is the contract between rasterizers and an image decode cache.
//
// Every TaskForImageAndRef or OutOfRasterDecodeTaskForImageAndRef call whose
// result has NeedUnref set must be matched by exactly one UnrefImage call,
// whichever path the result describes.  See Ref for a helper that enforces
// this.
type Cache interface {
	// TaskForImageAndRef requests img for an upcoming raster pass.  It never
	// blocks.
	TaskForImageAndRef(img DrawImage, info TracingInfo) TaskResult

	// OutOfRasterDecodeTaskForImageAndRef is like TaskForImageAndRef but
	// for decodes requested outside of a raster pass.  Returned tasks have
	// background priority.
	OutOfRasterDecodeTaskForImageAndRef(img DrawImage) TaskResult

	// DecodedImageForDraw returns the decoded bitmap for img.  If img was
	// not cached the decode happens now, on the calling goroutine.
	DecodedImageForDraw(ctx context.Context, img DrawImage) DecodedDrawImage

	// DrawWithImageFinished reports that the caller is done drawing a
	// bitmap returned by DecodedImageForDraw.
	DrawWithImageFinished(img DrawImage, decoded DecodedDrawImage)

	// UnrefImage releases one reference taken on img.
	UnrefImage(img DrawImage)

	// MaximumMemoryLimitBytes returns the memory budget of the cache.  Zero
	// means the cache holds nothing.
	MaximumMemoryLimitBytes() int64

	// UseCacheForDrawImage reports whether img may be cached at all.
	UseCacheForDrawImage(img DrawImage) bool

	// ReduceCacheUsage evicts unreferenced entries, least recently used
	// first, until the cache is back within its limits.
	ReduceCacheUsage()

	// SetShouldAggressivelyFreeResources makes the cache drop entries as
	// soon as they are unreferenced.
	SetShouldAggressivelyFreeResources(aggressive bool)

	// ClearCache drops every unreferenced entry.  Referenced entries are
	// dropped when their last reference is released.
	ClearCache()
}

// LatencyRecorder records how long an operation took.
type LatencyRecorder interface {
	Record(operation string, d time.Duration)
}

// Default configuration values.
const (
	DefaultMemoryLimitBytes = 256 << 20
	DefaultMaxEntryBytes    = 64 << 20
	DefaultMaxUnusedEntries = 256
)

// Config configures a MemoryCache.
type Config struct {
	// MemoryLimitBytes bounds the decoded bytes held by the cache.  Zero
	// disables caching: every image is decoded at raster time.
	MemoryLimitBytes int64

	// MaxEntryBytes is the largest decoded image that is cached.  Zero
	// means MemoryLimitBytes.
	MaxEntryBytes int64

	// MaxUnusedEntries is the number of unreferenced entries kept after
	// ReduceCacheUsage.  Zero means DefaultMaxUnusedEntries; a negative
	// value keeps none.
	MaxUnusedEntries int

	// Latency, if set, receives the duration of every decode.
	Latency LatencyRecorder
}

// DefaultConfig returns the configuration used by cmd/decodecache unless
// overridden by flags.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: DefaultMemoryLimitBytes,
		MaxEntryBytes:    DefaultMaxEntryBytes,
		MaxUnusedEntries: DefaultMaxUnusedEntries,
	}
}

func (c Config) maxEntryBytes() int64 {
	if c.MaxEntryBytes <= 0 || c.MaxEntryBytes > c.MemoryLimitBytes {
		return c.MemoryLimitBytes
	}
	return c.MaxEntryBytes
}

func (c Config) maxUnusedEntries() int {
	switch {
	case c.MaxUnusedEntries == 0:
		return DefaultMaxUnusedEntries
	case c.MaxUnusedEntries < 0:
		return 0
	}
	return c.MaxUnusedEntries
}
