// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs decode tasks on a fixed pool of workers.
//
// Tasks a raster pass is waiting on are always started before background
// tasks, regardless of the order they were scheduled in.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
	"willnorris.com/go/decodecache"
)

// Scheduler is a worker pool for decodecache.Task values.  It is safe for
// concurrent use.
type Scheduler struct {
	workers int
	latency decodecache.LatencyRecorder

	mu        sync.Mutex
	cond      *sync.Cond
	raster    []decodecache.Task
	bg        []decodecache.Task
	scheduled map[decodecache.Task]bool // queued or running
	closed    bool

	g *errgroup.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLatency records the run time of every task in r, under the name
// "task_<priority>".
func WithLatency(r decodecache.LatencyRecorder) Option {
	return func(s *Scheduler) {
		s.latency = r
	}
}

// New starts a Scheduler with the given number of workers.  If workers is 0
// or negative, GOMAXPROCS is used.
func New(workers int, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	s := &Scheduler{
		workers:   workers,
		scheduled: make(map[decodecache.Task]bool),
		g:         new(errgroup.Group),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}

	for i := 0; i < workers; i++ {
		s.g.Go(s.work)
	}
	return s
}

// Workers returns the number of worker goroutines.
func (s *Scheduler) Workers() int { return s.workers }

// Schedule queues t to be run by a worker.  Scheduling a task that is already
// queued, running or finished does nothing.  Schedule returns false if the
// scheduler has been closed, in which case the caller must run t itself.
func (s *Scheduler) Schedule(t decodecache.Task) bool {
	if t == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.scheduled[t] {
		return true
	}
	select {
	case <-t.Done():
		return true
	default:
	}

	s.scheduled[t] = true
	if t.Priority() == decodecache.PriorityRaster {
		s.raster = append(s.raster, t)
	} else {
		s.bg = append(s.bg, t)
	}
	s.cond.Signal()
	return true
}

// Pending returns the number of queued tasks that have not yet started, per
// priority.
func (s *Scheduler) Pending() (raster, background int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raster), len(s.bg)
}

// Close stops accepting tasks, waits for the workers to run everything
// already queued and then stops them.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return s.g.Wait()
}

func (s *Scheduler) work() error {
	for {
		t := s.next()
		if t == nil {
			return nil
		}
		s.run(t)
	}
}

// next blocks until a task is queued and removes it from its queue.  It
// returns nil once the scheduler is closed and both queues are empty.
func (s *Scheduler) next() decodecache.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.raster) == 0 && len(s.bg) == 0 {
		if s.closed {
			return nil
		}
		s.cond.Wait()
	}

	var t decodecache.Task
	if len(s.raster) > 0 {
		t, s.raster = s.raster[0], s.raster[1:]
	} else {
		t, s.bg = s.bg[0], s.bg[1:]
	}
	return t
}

func (s *Scheduler) run(t decodecache.Task) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("decode task for %v panicked: %v", t.Image(), r)
		}
		s.mu.Lock()
		delete(s.scheduled, t)
		s.mu.Unlock()
	}()

	start := time.Now()
	t.Run(context.Background())
	if s.latency != nil {
		s.latency.Record("task_"+t.Priority().String(), time.Since(start))
	}
	if glog.V(2) {
		glog.Infof("ran %s decode task for %v in %v", t.Priority(), t.Image(), time.Since(start))
	}
}
