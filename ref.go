// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import "sync/atomic"

// Ref holds the result of a cache acquisition and releases it exactly once.
//
//	ref := decodecache.Acquire(c, img, info)
//	defer ref.Release()
type Ref struct {
	cache    Cache
	image    DrawImage
	result   TaskResult
	released atomic.Bool
}

// Acquire calls c.TaskForImageAndRef and wraps the result.
func Acquire(c Cache, img DrawImage, info TracingInfo) *Ref {
	return &Ref{cache: c, image: img, result: c.TaskForImageAndRef(img, info)}
}

// AcquireOutOfRaster calls c.OutOfRasterDecodeTaskForImageAndRef and wraps
// the result.
func AcquireOutOfRaster(c Cache, img DrawImage) *Ref {
	return &Ref{cache: c, image: img, result: c.OutOfRasterDecodeTaskForImageAndRef(img)}
}

// Image returns the acquired image.
func (r *Ref) Image() DrawImage { return r.image }

// Result returns the TaskResult of the acquisition.
func (r *Ref) Result() TaskResult { return r.result }

// Task returns the pending decode task, if any.
func (r *Ref) Task() Task { return r.result.Task }

// Release gives back the reference.  Only the first call has any effect.
func (r *Ref) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.result.NeedUnref {
		r.cache.UnrefImage(r.image)
	}
}
