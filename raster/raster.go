// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package raster draws tiles of decoded images using a decodecache.Cache.
//
// A raster pass asks the cache for every image a tile needs, runs or waits
// for the decode tasks it is handed, draws the decoded bitmaps into a tile
// buffer and then gives every reference back.
package raster

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"willnorris.com/go/decodecache"
)

// Placement positions an image within the canvas.
type Placement struct {
	Image decodecache.DrawImage

	// Dst is where the image is drawn, in canvas coordinates.  If Dst is
	// empty, the decoded bitmap is drawn unscaled at Dst.Min.
	Dst image.Rectangle
}

// Tile is a rectangle of the canvas and the images that overlap it.
type Tile struct {
	ID     uint64
	Rect   image.Rectangle // in canvas coordinates
	Images []Placement
}

// BufferProvider supplies the buffers tiles are drawn into.
type BufferProvider interface {
	// AcquireBufferForRaster returns a buffer with bounds
	// (0, 0)-(tile.Rect.Dx(), tile.Rect.Dy()).  dependsOnAtRasterDecodes
	// is set when at least one image of the tile is decoded at draw time
	// rather than served from the cache.
	AcquireBufferForRaster(tile Tile, dependsOnAtRasterDecodes bool) (draw.Image, error)
}

// Scheduler runs decode tasks in the background.  *scheduler.Scheduler
// implements it.
type Scheduler interface {
	// Schedule queues t and reports whether it was accepted.
	Schedule(t decodecache.Task) bool
}

// Rasterizer draws tiles.
type Rasterizer struct {
	Cache     decodecache.Cache
	Buffers   BufferProvider
	Scheduler Scheduler // if nil, tasks run on the rasterizing goroutine

	// Source names the rasterizer in decode tracing.
	Source string

	// Workers bounds the number of tiles RasterPass draws at once.  Zero
	// means no limit.
	Workers int
}

// RasterTile draws a single tile as part of pass passID.
func (r *Rasterizer) RasterTile(ctx context.Context, passID uint64, tile Tile) error {
	info := decodecache.TracingInfo{Source: r.Source, TileID: tile.ID, PassID: passID}

	refs := make([]*decodecache.Ref, 0, len(tile.Images))
	defer func() {
		for _, ref := range refs {
			ref.Release()
		}
	}()

	atRaster := false
	for _, p := range tile.Images {
		ref := decodecache.Acquire(r.Cache, p.Image, info)
		refs = append(refs, ref)
		if ref.Result().IsAtRasterDecode {
			atRaster = true
		}
		if t := ref.Task(); t != nil {
			r.schedule(ctx, t)
		}
	}

	for _, ref := range refs {
		if t := ref.Task(); t != nil {
			if err := decodecache.WaitTask(ctx, t); err != nil {
				return fmt.Errorf("tile %d: waiting for %v: %w", tile.ID, ref.Image(), err)
			}
		}
	}

	buf, err := r.Buffers.AcquireBufferForRaster(tile, atRaster)
	if err != nil {
		return fmt.Errorf("tile %d: acquiring buffer: %w", tile.ID, err)
	}

	for _, p := range tile.Images {
		r.drawPlacement(ctx, buf, tile, p)
	}
	return nil
}

func (r *Rasterizer) schedule(ctx context.Context, t decodecache.Task) {
	if r.Scheduler != nil && r.Scheduler.Schedule(t) {
		return
	}
	t.Run(ctx)
}

func (r *Rasterizer) drawPlacement(ctx context.Context, buf draw.Image, tile Tile, p Placement) {
	decoded := r.Cache.DecodedImageForDraw(ctx, p.Image)
	defer r.Cache.DrawWithImageFinished(p.Image, decoded)

	if decoded.IsEmpty() {
		if glog.V(2) {
			glog.Infof("tile %d: skipping empty image %v", tile.ID, p.Image)
		}
		return
	}

	src := decoded.Image()
	dst := p.Dst
	if dst.Empty() {
		dst = src.Bounds().Sub(src.Bounds().Min).Add(p.Dst.Min)
	}
	dst = dst.Sub(tile.Rect.Min)

	if dst.Size() == src.Bounds().Size() {
		draw.Draw(buf, dst, src, src.Bounds().Min, draw.Over)
		return
	}
	scaler(decoded.Quality()).Scale(buf, dst, src, src.Bounds(), draw.Over, nil)
}

// scaler returns the interpolator used to fit a bitmap to a destination
// rectangle of a different size.
func scaler(q decodecache.FilterQuality) draw.Scaler {
	switch q {
	case decodecache.QualityLow:
		return draw.ApproxBiLinear
	case decodecache.QualityMedium:
		return draw.BiLinear
	case decodecache.QualityHigh:
		return draw.CatmullRom
	}
	return draw.NearestNeighbor
}

// RasterPass draws tiles concurrently and then lets the cache trim itself
// back within its limits.  It returns the first error encountered.
func (r *Rasterizer) RasterPass(ctx context.Context, passID uint64, tiles []Tile) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.Workers > 0 {
		g.SetLimit(r.Workers)
	}
	for _, tile := range tiles {
		tile := tile
		g.Go(func() error {
			return r.RasterTile(gctx, passID, tile)
		})
	}
	err := g.Wait()
	r.Cache.ReduceCacheUsage()
	return err
}

// Prefetch requests decodes of imgs outside of any raster pass, so that a
// later pass finds them cached.  The returned channel is closed once every
// requested decode has finished.
func (r *Rasterizer) Prefetch(ctx context.Context, imgs []decodecache.DrawImage) <-chan struct{} {
	var wg sync.WaitGroup
	for _, img := range imgs {
		ref := decodecache.AcquireOutOfRaster(r.Cache, img)
		t := ref.Task()
		if t == nil {
			// already cached, or not cacheable; nothing to do ahead of time
			ref.Release()
			continue
		}

		wg.Add(1)
		scheduled := r.Scheduler != nil && r.Scheduler.Schedule(t)
		go func() {
			defer wg.Done()
			defer ref.Release()
			if !scheduled {
				t.Run(ctx)
			}
			<-t.Done()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
