// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package raster

import (
	"fmt"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// MemoryBufferProvider allocates an RGBA buffer per tile and keeps it for
// inspection.  It is safe for concurrent use.
type MemoryBufferProvider struct {
	mu                sync.Mutex
	buffers           map[uint64]*image.RGBA
	dependsOnAtRaster map[uint64]bool
}

// NewMemoryBufferProvider returns an empty MemoryBufferProvider.
func NewMemoryBufferProvider() *MemoryBufferProvider {
	return &MemoryBufferProvider{
		buffers:           make(map[uint64]*image.RGBA),
		dependsOnAtRaster: make(map[uint64]bool),
	}
}

// AcquireBufferForRaster implements BufferProvider.  A tile drawn again
// replaces its previous buffer.
func (p *MemoryBufferProvider) AcquireBufferForRaster(tile Tile, dependsOnAtRasterDecodes bool) (draw.Image, error) {
	if tile.Rect.Empty() {
		return nil, fmt.Errorf("tile %d has empty bounds %v", tile.ID, tile.Rect)
	}
	buf := image.NewRGBA(image.Rect(0, 0, tile.Rect.Dx(), tile.Rect.Dy()))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers[tile.ID] = buf
	p.dependsOnAtRaster[tile.ID] = dependsOnAtRasterDecodes
	return buf, nil
}

// Buffer returns the last buffer drawn for tile id, or nil.
func (p *MemoryBufferProvider) Buffer(id uint64) *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers[id]
}

// DependsOnAtRaster reports whether the last raster of tile id decoded any
// image at draw time.
func (p *MemoryBufferProvider) DependsOnAtRaster(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dependsOnAtRaster[id]
}

// Len returns the number of tiles with a buffer.
func (p *MemoryBufferProvider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
