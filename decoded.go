// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import "image"

// DecodedDrawImage is a decoded bitmap ready to be drawn.
//
// A DecodedDrawImage obtained from a cache entry shares the entry's pixels
// and stays valid until the caller releases its reference.  One produced by
// an at-raster decode is owned by the caller.  In both cases the pixels are
// read only.
type DecodedDrawImage struct {
	img      *image.RGBA
	quality  FilterQuality
	atRaster bool
}

// Image returns the decoded bitmap, or nil if the image is empty.
func (d DecodedDrawImage) Image() *image.RGBA { return d.img }

// IsEmpty reports whether decoding produced no pixels.  Callers skip empty
// images rather than drawing them.
func (d DecodedDrawImage) IsEmpty() bool {
	return d.img == nil || d.img.Bounds().Empty()
}

// IsAtRasterDecode reports whether the bitmap was decoded at draw time and
// is owned by the caller.
func (d DecodedDrawImage) IsAtRasterDecode() bool { return d.atRaster }

// Quality returns the filter quality the bitmap was produced with.
func (d DecodedDrawImage) Quality() FilterQuality { return d.quality }

// Bounds returns the bounds of the bitmap, or the empty rectangle.
func (d DecodedDrawImage) Bounds() image.Rectangle {
	if d.img == nil {
		return image.Rectangle{}
	}
	return d.img.Bounds()
}
