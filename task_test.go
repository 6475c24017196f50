// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecodeTask_RunOnce(t *testing.T) {
	var runs atomic.Int32
	release := make(chan struct{})
	task := newDecodeTask(square("a", 1), PriorityRaster, func(ctx context.Context) {
		runs.Add(1)
		<-release
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.Run(context.Background())
		}()
	}

	select {
	case <-task.Done():
		t.Fatal("task done before its function returned")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("task function ran %d times, want 1", got)
	}
	if err := WaitTask(context.Background(), task); err != nil {
		t.Errorf("WaitTask returned error: %v", err)
	}
	if got := task.Priority(); got != PriorityRaster {
		t.Errorf("Priority() = %v, want raster", got)
	}
}

// A task keeps running when the context it was started with is canceled.
func TestDecodeTask_IgnoresCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ctxErr error
	task := newDecodeTask(square("a", 1), PriorityBackground, func(ctx context.Context) {
		ctxErr = ctx.Err()
	})
	task.Run(ctx)
	if ctxErr != nil {
		t.Errorf("task function saw context error %v", ctxErr)
	}
}

func TestWaitTask_Canceled(t *testing.T) {
	task := newDecodeTask(square("a", 1), PriorityRaster, func(context.Context) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WaitTask(ctx, task); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitTask returned %v, want context.Canceled", err)
	}
}

func TestTaskPriority_String(t *testing.T) {
	if got := PriorityRaster.String(); got != "raster" {
		t.Errorf("PriorityRaster.String() = %q", got)
	}
	if got := PriorityBackground.String(); got != "background" {
		t.Errorf("PriorityBackground.String() = %q", got)
	}
}

func TestTaskResultForTask(t *testing.T) {
	task := newDecodeTask(square("a", 1), PriorityRaster, func(context.Context) {})
	res := TaskResultForTask(task)
	if res.Task != Task(task) || !res.NeedUnref || res.IsAtRasterDecode {
		t.Errorf("TaskResultForTask returned %+v", res)
	}
	assertPanics(t, "TaskResultForTask(nil)", func() { TaskResultForTask(nil) })
}

func TestRef(t *testing.T) {
	c, _ := newTestCache(DefaultConfig())
	img := square("a", 4)

	ref := Acquire(c, img, TracingInfo{Source: "test"})
	if ref.Task() == nil || ref.Image() != img {
		t.Fatalf("Acquire returned ref for %v with task %v", ref.Image(), ref.Task())
	}
	ref.Task().Run(context.Background())

	bg := AcquireOutOfRaster(c, img)
	if bg.Task() != nil || !bg.Result().NeedUnref {
		t.Errorf("AcquireOutOfRaster of decoded image returned %+v", bg.Result())
	}
	if got := c.RefCount(img); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}

	// releasing twice only gives back one reference
	ref.Release()
	ref.Release()
	if got := c.RefCount(img); got != 1 {
		t.Errorf("RefCount after release = %d, want 1", got)
	}
	bg.Release()
	if got := c.RefCount(img); got != 0 {
		t.Errorf("RefCount after release = %d, want 0", got)
	}
}

func TestRef_ConcurrentRelease(t *testing.T) {
	c, _ := newTestCache(Config{})
	img := square("a", 4)
	ref := Acquire(c, img, TracingInfo{})
	if !ref.Result().IsAtRasterDecode {
		t.Fatalf("Acquire returned %+v, want at-raster result", ref.Result())
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref.Release()
		}()
	}
	wg.Wait()

	// the single outstanding reference is gone
	assertPanics(t, "unref after release", func() { c.UnrefImage(img) })
}

func TestStubCache(t *testing.T) {
	c := StubCache
	img := square("a", 4)

	for _, res := range []TaskResult{
		c.TaskForImageAndRef(img, TracingInfo{}),
		c.OutOfRasterDecodeTaskForImageAndRef(img),
	} {
		if want := NewTaskResult(true, false); res != want {
			t.Errorf("result = %+v, want %+v", res, want)
		}
	}

	decoded := c.DecodedImageForDraw(context.Background(), img)
	if !decoded.IsEmpty() || decoded.IsAtRasterDecode() || decoded.Image() != nil {
		t.Errorf("DecodedImageForDraw returned %+v, want empty result", decoded)
	}
	c.DrawWithImageFinished(img, decoded)
	c.UnrefImage(img)
	c.UnrefImage(img)

	if got := c.MaximumMemoryLimitBytes(); got != 0 {
		t.Errorf("MaximumMemoryLimitBytes() = %d, want 0", got)
	}
	if !c.UseCacheForDrawImage(img) {
		t.Error("UseCacheForDrawImage() = false, want true")
	}
	c.ReduceCacheUsage()
	c.SetShouldAggressivelyFreeResources(true)
	c.ClearCache()
}
