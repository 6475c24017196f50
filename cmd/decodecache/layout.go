// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"image"

	"willnorris.com/go/decodecache"
	"willnorris.com/go/decodecache/raster"
)

// layout stacks imgs vertically, each at its target size, and splits the
// resulting canvas into square tiles of tileSize pixels.  Every tile lists
// the images that overlap it.
func layout(imgs []decodecache.DrawImage, tileSize int) []raster.Tile {
	if tileSize <= 0 {
		return nil
	}

	var placements []raster.Placement
	var canvas image.Rectangle
	y := 0
	for _, img := range imgs {
		size := img.TargetSize()
		if size == (image.Point{}) {
			continue
		}
		dst := image.Rect(0, y, size.X, y+size.Y)
		placements = append(placements, raster.Placement{Image: img, Dst: dst})
		canvas = canvas.Union(dst)
		y += size.Y
	}

	var tiles []raster.Tile
	var id uint64
	for ty := canvas.Min.Y; ty < canvas.Max.Y; ty += tileSize {
		for tx := canvas.Min.X; tx < canvas.Max.X; tx += tileSize {
			rect := image.Rect(tx, ty, tx+tileSize, ty+tileSize).Intersect(canvas)
			tile := raster.Tile{ID: id, Rect: rect}
			id++
			for _, p := range placements {
				if p.Dst.Overlaps(rect) {
					tile.Images = append(tile.Images, p)
				}
			}
			if len(tile.Images) > 0 {
				tiles = append(tiles, tile)
			}
		}
	}
	return tiles
}
