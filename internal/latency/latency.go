// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package latency tracks latency quantiles of named operations using
// DDSketch.
package latency

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Tracker records durations per operation.  It is safe for concurrent use.
type Tracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// DefaultRelativeAccuracy is used when NewTracker is given an accuracy
// outside (0, 1).
const DefaultRelativeAccuracy = 0.01

// NewTracker returns a Tracker whose quantile estimates are within
// relativeAccuracy of the true value (0.01 is 1%).
func NewTracker(relativeAccuracy float64) *Tracker {
	if !(relativeAccuracy > 0 && relativeAccuracy < 1) {
		relativeAccuracy = DefaultRelativeAccuracy
	}
	return &Tracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record adds a duration, in milliseconds, to the sketch for operation.
func (t *Tracker) Record(operation string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sketch, ok := t.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(t.relativeAccuracy)
		if err != nil {
			sketch, err = ddsketch.NewDefaultDDSketch(DefaultRelativeAccuracy)
		}
		if err != nil {
			return
		}
		t.sketches[operation] = sketch
	}
	sketch.Add(float64(d.Microseconds()) / 1000.0)
}

// Stats summarizes the durations recorded for one operation, in
// milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// Stats returns the summary for operation.
func (t *Tracker) Stats(operation string) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(operation)
}

func (t *Tracker) statsLocked(operation string) (Stats, error) {
	sketch, ok := t.sketches[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation %q", operation)
	}

	s := Stats{Operation: operation, Count: int64(sketch.GetCount())}
	if s.Count == 0 {
		return s, nil
	}
	s.Min, _ = sketch.GetMinValue()
	s.P50, _ = sketch.GetValueAtQuantile(0.50)
	s.P90, _ = sketch.GetValueAtQuantile(0.90)
	s.P99, _ = sketch.GetValueAtQuantile(0.99)
	s.Max, _ = sketch.GetMaxValue()
	return s, nil
}

// AllStats returns the summaries of every operation, sorted by name.
func (t *Tracker) AllStats() []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := make([]Stats, 0, len(t.sketches))
	for op := range t.sketches {
		if s, err := t.statsLocked(op); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
