// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"willnorris.com/go/decodecache"
	"willnorris.com/go/decodecache/internal/latency"
)

// fakeTask is a decodecache.Task that runs fn once.
type fakeTask struct {
	id       string
	priority decodecache.TaskPriority
	fn       func()

	once sync.Once
	done chan struct{}
	runs atomic.Int32
}

func newFakeTask(id string, p decodecache.TaskPriority, fn func()) *fakeTask {
	return &fakeTask{id: id, priority: p, fn: fn, done: make(chan struct{})}
}

func (t *fakeTask) Run(context.Context) {
	t.once.Do(func() {
		defer close(t.done)
		t.runs.Add(1)
		if t.fn != nil {
			t.fn()
		}
	})
}

func (t *fakeTask) Done() <-chan struct{}              { return t.done }
func (t *fakeTask) Image() decodecache.DrawImage       { return decodecache.DrawImage{ID: t.id} }
func (t *fakeTask) Priority() decodecache.TaskPriority { return t.priority }

func wait(t *testing.T, task decodecache.Task) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := decodecache.WaitTask(ctx, task); err != nil {
		t.Fatalf("WaitTask(%s) returned error: %v", task.Image().ID, err)
	}
}

func TestScheduler_RunsTasks(t *testing.T) {
	tracker := latency.NewTracker(0.01)
	s := New(4, WithLatency(tracker))
	if got := s.Workers(); got != 4 {
		t.Errorf("Workers() = %d, want 4", got)
	}

	var tasks []*fakeTask
	for i := 0; i < 20; i++ {
		task := newFakeTask("img", decodecache.PriorityBackground, nil)
		tasks = append(tasks, task)
		if !s.Schedule(task) {
			t.Fatal("Schedule returned false")
		}
	}
	for _, task := range tasks {
		wait(t, task)
		if n := task.runs.Load(); n != 1 {
			t.Errorf("task ran %d times, want 1", n)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	stats, err := tracker.Stats("task_background")
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if stats.Count != 20 {
		t.Errorf("recorded %d latencies, want 20", stats.Count)
	}
}

func TestScheduler_RasterFirst(t *testing.T) {
	s := New(1)
	defer s.Close()

	// occupy the only worker until every other task is queued
	started := make(chan struct{})
	release := make(chan struct{})
	gate := newFakeTask("gate", decodecache.PriorityRaster, func() {
		close(started)
		<-release
	})
	if !s.Schedule(gate) {
		t.Fatal("Schedule(gate) returned false")
	}
	<-started

	var mu sync.Mutex
	var order []string
	record := func(id string) func() {
		return func() {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	}

	bg1 := newFakeTask("bg1", decodecache.PriorityBackground, record("bg1"))
	bg2 := newFakeTask("bg2", decodecache.PriorityBackground, record("bg2"))
	r1 := newFakeTask("r1", decodecache.PriorityRaster, record("r1"))
	r2 := newFakeTask("r2", decodecache.PriorityRaster, record("r2"))
	for _, task := range []*fakeTask{bg1, bg2, r1, r2} {
		if !s.Schedule(task) {
			t.Fatalf("Schedule(%s) returned false", task.id)
		}
	}

	if raster, background := s.Pending(); raster != 2 || background != 2 {
		t.Errorf("Pending() = %d, %d; want 2, 2", raster, background)
	}

	close(release)
	wait(t, bg2)

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"r1", "r2", "bg1", "bg2"}; !reflect.DeepEqual(order, want) {
		t.Errorf("tasks ran in order %v, want %v", order, want)
	}
}

func TestScheduler_ScheduleIdempotent(t *testing.T) {
	s := New(1)

	started := make(chan struct{})
	release := make(chan struct{})
	gate := newFakeTask("gate", decodecache.PriorityRaster, func() {
		close(started)
		<-release
	})
	if !s.Schedule(gate) {
		t.Fatal("Schedule(gate) returned false")
	}
	<-started

	task := newFakeTask("img", decodecache.PriorityRaster, nil)
	for i := 0; i < 3; i++ {
		if !s.Schedule(task) {
			t.Errorf("Schedule #%d returned false", i)
		}
	}
	if raster, _ := s.Pending(); raster != 1 {
		t.Errorf("task queued %d times, want 1", raster)
	}

	close(release)
	wait(t, task)
	if !s.Schedule(task) {
		t.Error("Schedule of finished task returned false")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if n := task.runs.Load(); n != 1 {
		t.Errorf("task ran %d times, want 1", n)
	}
}

func TestScheduler_Close(t *testing.T) {
	s := New(2)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		s.Schedule(newFakeTask("img", decodecache.PriorityBackground, func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	// queued tasks drain on close
	if n := ran.Load(); n != 10 {
		t.Errorf("%d tasks ran before Close returned, want 10", n)
	}

	if s.Schedule(newFakeTask("late", decodecache.PriorityRaster, nil)) {
		t.Error("Schedule after Close returned true")
	}
	if s.Schedule(nil) {
		t.Error("Schedule(nil) returned true")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestScheduler_RecoversPanic(t *testing.T) {
	s := New(1)
	defer s.Close()

	bad := newFakeTask("bad", decodecache.PriorityRaster, func() { panic("boom") })
	good := newFakeTask("good", decodecache.PriorityRaster, nil)
	s.Schedule(bad)
	s.Schedule(good)
	wait(t, good)
}
