// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register gif format
	_ "image/jpeg" // register jpeg format
	_ "image/png"  // register png format
	"io"

	"github.com/disintegration/imaging"
	"github.com/gregjones/httpcache"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"

	_ "golang.org/x/image/bmp"  // register bmp format
	_ "golang.org/x/image/tiff" // register tiff format
	_ "golang.org/x/image/webp" // register webp format
)

// A Decoder produces the bitmap for a DrawImage.  Implementations must be
// safe for concurrent use.
type Decoder interface {
	Decode(ctx context.Context, img DrawImage) (*image.RGBA, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, img DrawImage) (*image.RGBA, error)

// Decode calls f(ctx, img).
func (f DecoderFunc) Decode(ctx context.Context, img DrawImage) (*image.RGBA, error) {
	return f(ctx, img)
}

var (
	// ErrSourceNotFound is returned when the encoded source of an image is
	// not in the source store.
	ErrSourceNotFound = errors.New("source image not found")

	// ErrEmptyImage is returned when an image has no pixels to decode.
	ErrEmptyImage = errors.New("image has no pixels")
)

// DecodeError reports a failure to decode an image.
type DecodeError struct {
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding image %q: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SourceDecoder decodes images whose encoded bytes are held in a source
// store, keyed by DrawImage.ID.  Supported formats are gif, jpeg, png, bmp,
// tiff and webp.
type SourceDecoder struct {
	// Source holds encoded images.  Any httpcache.Cache may be used, see
	// cmd/decodecache for the stores it supports.
	Source httpcache.Cache

	// concurrent loads of the same source share one Get
	loads singleflight.Group
}

// NewSourceDecoder returns a SourceDecoder reading from source.
func NewSourceDecoder(source httpcache.Cache) *SourceDecoder {
	return &SourceDecoder{Source: source}
}

// Decode implements Decoder.
func (d *SourceDecoder) Decode(ctx context.Context, img DrawImage) (*image.RGBA, error) {
	img = img.Normalize()
	if img.TargetSize() == (image.Point{}) {
		return nil, &DecodeError{ID: img.ID, Err: ErrEmptyImage}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b, err := d.load(img.ID)
	if err != nil {
		return nil, &DecodeError{ID: img.ID, Err: err}
	}

	m, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &DecodeError{ID: img.ID, Err: err}
	}
	m = applyOrientation(m, exifOrientation(bytes.NewReader(b)))

	return transformImage(m, img)
}

func (d *SourceDecoder) load(id string) ([]byte, error) {
	v, err, _ := d.loads.Do(id, func() (interface{}, error) {
		b, ok := d.Source.Get(id)
		if !ok {
			return nil, ErrSourceNotFound
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// transformImage crops, scales and orients m as described by img, which must
// be normalized.
func transformImage(m image.Image, img DrawImage) (*image.RGBA, error) {
	// the declared size may not match what was actually decoded; keep the
	// source rect inside the real bounds.
	src := img.SrcRect.Add(m.Bounds().Min).Intersect(m.Bounds())
	if src.Empty() {
		return nil, &DecodeError{ID: img.ID, Err: ErrEmptyImage}
	}
	if src != m.Bounds() {
		m = imaging.Crop(m, src)
	}

	target := img.TargetSize()
	w, h := target.X, target.Y
	if img.Rotate == 90 || img.Rotate == 270 {
		w, h = h, w
	}
	if m.Bounds().Dx() != w || m.Bounds().Dy() != h {
		m = imaging.Resize(m, w, h, resampleFilter(img.Quality))
	}

	if img.FlipH {
		m = imaging.FlipH(m)
	}
	if img.FlipV {
		m = imaging.FlipV(m)
	}
	switch img.Rotate {
	case 90:
		m = imaging.Rotate90(m)
	case 180:
		m = imaging.Rotate180(m)
	case 270:
		m = imaging.Rotate270(m)
	}

	if img.Color.Gamma > 0 {
		m = imaging.AdjustGamma(m, img.Color.Gamma)
	}

	return toRGBA(m), nil
}

// resampleFilter returns the imaging filter used for quality q.
func resampleFilter(q FilterQuality) imaging.ResampleFilter {
	switch q {
	case QualityLow:
		return imaging.Linear
	case QualityMedium:
		return imaging.CatmullRom
	case QualityHigh:
		return imaging.Lanczos
	}
	return imaging.NearestNeighbor
}

// toRGBA converts m to a premultiplied RGBA bitmap with its origin at 0,0.
func toRGBA(m image.Image) *image.RGBA {
	b := m.Bounds()
	if rgba, ok := m.(*image.RGBA); ok && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), m, b.Min, draw.Src)
	return dst
}

// Image orientation values from the EXIF specification.
// See http://www.daveperrett.com/articles/2012/07/28/exif-orientation-handling-is-a-ghetto/
const (
	topLeftSide     = 1
	topRightSide    = 2
	bottomRightSide = 3
	bottomLeftSide  = 4
	leftTopSide     = 5
	rightTopSide    = 6
	rightBottomSide = 7
	leftBottomSide  = 8
)

// exifOrientation returns the EXIF orientation of the image in r, or
// topLeftSide if there is none.
func exifOrientation(r io.Reader) int {
	ex, err := exif.Decode(r)
	if err != nil {
		return topLeftSide
	}
	tag, err := ex.Get(exif.Orientation)
	if err != nil {
		return topLeftSide
	}
	orient, err := tag.Int(0)
	if err != nil {
		return topLeftSide
	}
	return orient
}

// applyOrientation returns m as it should be displayed given its EXIF
// orientation.
func applyOrientation(m image.Image, orient int) image.Image {
	switch orient {
	case topRightSide:
		return imaging.FlipH(m)
	case bottomRightSide:
		return imaging.Rotate180(m)
	case bottomLeftSide:
		return imaging.FlipV(m)
	case leftTopSide:
		return imaging.Transpose(m)
	case rightTopSide:
		return imaging.Rotate270(m)
	case rightBottomSide:
		return imaging.Transverse(m)
	case leftBottomSide:
		return imaging.Rotate90(m)
	}
	return m
}
