// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Values of the "path" label of decode_cache_requests_total.
const (
	pathCached   = "cached"
	pathPending  = "pending"
	pathNew      = "new"
	pathAtRaster = "at_raster"
)

var (
	cacheRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decode_cache_requests_total",
			Help: "Number of image requests, by the path taken to produce pixels.",
		}, []string{"path"})
	decodeSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "decode_cache_decode_seconds",
		Help: "Time taken to decode images in seconds.",
	}, []string{"path"})
	decodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decode_cache_decode_errors_total",
		Help: "Total image decode failures.",
	})
	cacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "decode_cache_evictions_total",
		Help: "Number of decoded images evicted from the cache.",
	})
	cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decode_cache_bytes",
		Help: "Decoded bytes held by the cache.",
	})
	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "decode_cache_entries",
		Help: "Number of entries in the cache.",
	})
)

func init() {
	prometheus.MustRegister(cacheRequestCount)
	prometheus.MustRegister(decodeSummary)
	prometheus.MustRegister(decodeErrors)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(cacheBytes)
	prometheus.MustRegister(cacheEntries)
}
