// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"context"
	"sync"
)

// TaskPriority orders decode tasks waiting to be run by a scheduler.
type TaskPriority int

const (
	// PriorityBackground is used for decodes requested outside of a
	// raster pass, such as prefetching ahead of a scroll.
	PriorityBackground TaskPriority = iota

	// PriorityRaster is used for decodes a pending tile raster depends on.
	PriorityRaster
)

func (p TaskPriority) String() string {
	if p == PriorityRaster {
		return "raster"
	}
	return "background"
}

// A Task decodes a single image.  The same Task may be handed to any number
// of callers; it runs at most once and every caller observes the same
// completion.
type Task interface {
	// Run performs the decode.  Only the first call does any work;
	// concurrent calls block until that first call has finished, and later
	// calls return immediately.
	Run(ctx context.Context)

	// Done returns a channel that is closed once the task has run.
	Done() <-chan struct{}

	// Image returns the image this task decodes.
	Image() DrawImage

	Priority() TaskPriority
}

// WaitTask blocks until t has completed or ctx is done.
func WaitTask(ctx context.Context, t Task) error {
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type decodeTask struct {
	image    DrawImage
	priority TaskPriority
	fn       func(ctx context.Context)

	once sync.Once
	done chan struct{}
}

func newDecodeTask(img DrawImage, p TaskPriority, fn func(ctx context.Context)) *decodeTask {
	return &decodeTask{
		image:    img,
		priority: p,
		fn:       fn,
		done:     make(chan struct{}),
	}
}

func (t *decodeTask) Run(ctx context.Context) {
	t.once.Do(func() {
		defer close(t.done)
		// a decode is never abandoned half way; the result is shared by
		// every holder of the task.
		t.fn(context.WithoutCancel(ctx))
	})
}

func (t *decodeTask) Done() <-chan struct{}  { return t.done }
func (t *decodeTask) Image() DrawImage       { return t.image }
func (t *decodeTask) Priority() TaskPriority { return t.priority }

// TaskResult is the outcome of asking a Cache for an image.
//
// If IsAtRasterDecode is set, Task is nil and the caller decodes the image
// itself at draw time, without caching.  If NeedUnref is set, the caller
// owes the cache exactly one UnrefImage call for the image.
type TaskResult struct {
	Task             Task
	NeedUnref        bool
	IsAtRasterDecode bool
}

// NewTaskResult returns a TaskResult without a task.
func NewTaskResult(needUnref, isAtRasterDecode bool) TaskResult {
	return TaskResult{NeedUnref: needUnref, IsAtRasterDecode: isAtRasterDecode}
}

// TaskResultForTask returns a TaskResult for a pending decode.  t must not be
// nil.
func TaskResultForTask(t Task) TaskResult {
	if t == nil {
		panic("decodecache: TaskResultForTask called with nil task")
	}
	return TaskResult{Task: t, NeedUnref: true}
}
