// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// decodecache runs raster passes over a list of images, decoding them
// through an image decode cache, and reports cache behavior.
//
// Images are given as arguments in the form accepted by
// decodecache.ParseDrawImage, for example:
//
//	decodecache -source memory -load ./images photo.jpg#1024x768,s0.5,qhigh
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/gregjones/httpcache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"willnorris.com/go/decodecache"
	"willnorris.com/go/decodecache/internal/latency"
	"willnorris.com/go/decodecache/internal/scheduler"
	"willnorris.com/go/decodecache/raster"
	"willnorris.com/go/decodecache/third_party/envy"
)

var addr = flag.String("addr", "", "TCP address to serve prometheus metrics on; if empty, metrics are not served")
var load = flag.String("load", "", "directory of images to copy into the source store before rastering, keyed by path relative to the directory")
var memoryLimit = flag.Int64("memoryLimit", decodecache.DefaultMemoryLimitBytes, "decoded bytes the cache may hold; 0 decodes every image at raster time")
var maxEntryBytes = flag.Int64("maxEntryBytes", decodecache.DefaultMaxEntryBytes, "largest decoded image that is cached")
var maxUnused = flag.Int("maxUnused", decodecache.DefaultMaxUnusedEntries, "unreferenced entries kept between passes")
var workers = flag.Int("workers", 0, "decode workers; 0 uses GOMAXPROCS")
var passes = flag.Int("passes", 2, "number of raster passes")
var tileSize = flag.Int("tileSize", 256, "tile edge length in pixels")
var prefetch = flag.Bool("prefetch", false, "decode images out of raster before the first pass")
var aggressive = flag.Bool("aggressive", false, "free decoded images as soon as they are unreferenced")
var timeout = flag.Duration("timeout", 0, "time limit for each raster pass")
var minCacheDuration = flag.Duration("minCacheDuration", 0, "minimum duration to cache images fetched by the http source")
var source tieredSource

func init() {
	flag.Var(&source, "source", "where encoded images are read from (memory[:SIZE[:AGE]], file path, ttlfile://path?ttl=, redis://, s3://, gcs://, azure://, http)")
}

func main() {
	if err := envy.Parse("DECODECACHE"); err != nil {
		glog.Exit(err)
	}
	flag.Parse()
	defer glog.Flush()

	if source.Cache == nil {
		source.Cache = httpcache.NewMemoryCache()
	}
	source.setMinCacheDuration(*minCacheDuration)
	if *load != "" {
		n, err := loadDir(source.Cache, *load)
		if err != nil {
			glog.Exitf("error loading images: %v", err)
		}
		glog.Infof("loaded %d images from %s", n, *load)
	}

	var imgs []decodecache.DrawImage
	for _, arg := range flag.Args() {
		img, err := decodecache.ParseDrawImage(arg)
		if err != nil {
			glog.Exitf("invalid image %q: %v", arg, err)
		}
		imgs = append(imgs, img)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *addr != "" {
		go serveMetrics(*addr)
	}

	tracker := latency.NewTracker(0.01)
	cache := decodecache.NewMemoryCache(decodecache.Config{
		MemoryLimitBytes: *memoryLimit,
		MaxEntryBytes:    *maxEntryBytes,
		MaxUnusedEntries: *maxUnused,
		Latency:          tracker,
	}, decodecache.NewSourceDecoder(source.Cache))
	cache.SetShouldAggressivelyFreeResources(*aggressive)

	sched := scheduler.New(*workers, scheduler.WithLatency(tracker))
	r := &raster.Rasterizer{
		Cache:     cache,
		Buffers:   raster.NewMemoryBufferProvider(),
		Scheduler: sched,
		Source:    "cmd",
		Workers:   sched.Workers(),
	}

	if *prefetch {
		start := time.Now()
		select {
		case <-r.Prefetch(ctx, imgs):
			tracker.Record("prefetch", time.Since(start))
		case <-ctx.Done():
		}
	}

	tiles := layout(imgs, *tileSize)
	for pass := 1; pass <= *passes && ctx.Err() == nil; pass++ {
		if err := runPass(ctx, r, uint64(pass), tiles, tracker); err != nil {
			glog.Errorf("pass %d: %v", pass, err)
		}
		glog.Infof("after pass %d: %v", pass, cache.Stats())
	}

	if err := sched.Close(); err != nil {
		glog.Errorf("error stopping scheduler: %v", err)
	}

	fmt.Printf("%d images, %d tiles, %d passes\n", len(imgs), len(tiles), *passes)
	for _, s := range tracker.AllStats() {
		fmt.Println(s)
	}
	fmt.Println(cache.Stats())

	if *addr != "" {
		fmt.Printf("serving metrics on %s until interrupted\n", *addr)
		<-ctx.Done()
	}
}

func runPass(ctx context.Context, r *raster.Rasterizer, pass uint64, tiles []raster.Tile, tracker *latency.Tracker) error {
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	start := time.Now()
	err := r.RasterPass(ctx, pass, tiles)
	tracker.Record("raster_pass", time.Since(start))
	return err
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    addr,
		Handler: mux,

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	glog.Infof("metrics listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil {
		glog.Errorf("metrics server: %v", err)
	}
}

// loadDir stores every regular file under dir in store, keyed by its slash
// separated path relative to dir.
func loadDir(store httpcache.Cache, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		store.Set(filepath.ToSlash(rel), b)
		n++
		return nil
	})
	return n, err
}
