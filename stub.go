// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import "context"

// StubCache is a Cache that stores and decodes nothing.  Every acquisition
// still asks for a matching UnrefImage, which makes StubCache useful for
// checking that callers balance their references.
var StubCache Cache = stubCache{}

type stubCache struct{}

func (stubCache) TaskForImageAndRef(DrawImage, TracingInfo) TaskResult {
	return NewTaskResult(true, false)
}

func (stubCache) OutOfRasterDecodeTaskForImageAndRef(DrawImage) TaskResult {
	return NewTaskResult(true, false)
}

func (stubCache) DecodedImageForDraw(context.Context, DrawImage) DecodedDrawImage {
	return DecodedDrawImage{}
}

func (stubCache) DrawWithImageFinished(DrawImage, DecodedDrawImage) {}
func (stubCache) UnrefImage(DrawImage)                              {}
func (stubCache) MaximumMemoryLimitBytes() int64                    { return 0 }
func (stubCache) UseCacheForDrawImage(DrawImage) bool               { return true }
func (stubCache) ReduceCacheUsage()                                 {}
func (stubCache) SetShouldAggressivelyFreeResources(bool)           {}
func (stubCache) ClearCache()                                       {}
