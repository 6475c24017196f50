// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package decodecache

import (
	"bytes"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
)

// FilterQuality selects the resampling filter used when a decoded image is
// scaled to its target size.
type FilterQuality int

const (
	QualityNone FilterQuality = iota
	QualityLow
	QualityMedium
	QualityHigh
)

var qualityNames = [...]string{"none", "low", "medium", "high"}

func (q FilterQuality) String() string {
	if q < QualityNone || q > QualityHigh {
		return fmt.Sprintf("quality(%d)", int(q))
	}
	return qualityNames[q]
}

// ParseFilterQuality parses the name of a filter quality as returned by
// FilterQuality.String.
func ParseFilterQuality(s string) (FilterQuality, error) {
	for i, name := range qualityNames {
		if strings.EqualFold(s, name) {
			return FilterQuality(i), nil
		}
	}
	return QualityNone, fmt.Errorf("unknown filter quality %q", s)
}

// ColorParams describes the color conversion applied to a decoded image.
type ColorParams struct {
	Space string  // target color space name, informational
	Gamma float64 // gamma correction to apply; 0 or 1 means none
}

// DrawImage identifies a decoded bitmap: a source image drawn at a particular
// scale, quality and orientation.  DrawImage values are comparable, and two
// values that are equal after Normalize share a single cache entry.
type DrawImage struct {
	ID   string      // source image id, used as the key into the encoded source store
	Size image.Point // intrinsic size of the source image

	// SrcRect is the subset of the source image to decode.  An empty
	// rectangle means the whole image.
	SrcRect image.Rectangle

	Scale   float64 // scale applied to SrcRect; 0 means 1
	Quality FilterQuality
	Color   ColorParams

	// Rotate image the specified degrees counter-clockwise.  Valid values
	// are 90, 180, 270.
	Rotate int

	FlipH bool
	FlipV bool

	// Animated images have per-frame content and are never cached.
	Animated bool
}

// Normalize returns d in canonical form, suitable for use as a cache key.
func (d DrawImage) Normalize() DrawImage {
	full := image.Rectangle{Max: d.Size}
	if d.SrcRect.Empty() {
		d.SrcRect = full
	} else {
		d.SrcRect = d.SrcRect.Intersect(full)
	}
	if d.Scale <= 0 || math.IsNaN(d.Scale) || math.IsInf(d.Scale, 0) {
		d.Scale = 1
	}
	d.Rotate = ((d.Rotate % 360) + 360) % 360
	if d.Rotate%90 != 0 {
		d.Rotate = 0
	}
	if d.Color.Gamma == 1 || d.Color.Gamma < 0 {
		d.Color.Gamma = 0
	}
	d.Color.Space = strings.ToLower(d.Color.Space)
	if d.Quality < QualityNone {
		d.Quality = QualityNone
	} else if d.Quality > QualityHigh {
		d.Quality = QualityHigh
	}
	return d
}

// maxDimension bounds each side of a target size.
const maxDimension = math.MaxInt32

// TargetSize returns the dimensions of the decoded bitmap.  Each dimension
// is at most math.MaxInt32.
func (d DrawImage) TargetSize() image.Point {
	n := d.Normalize()
	w := scaledDimension(n.SrcRect.Dx(), n.Scale)
	h := scaledDimension(n.SrcRect.Dy(), n.Scale)
	if w <= 0 || h <= 0 {
		return image.Point{}
	}
	if n.Rotate == 90 || n.Rotate == 270 {
		w, h = h, w
	}
	return image.Pt(w, h)
}

func scaledDimension(n int, scale float64) int {
	v := math.Round(float64(n) * scale)
	if v > maxDimension {
		return maxDimension
	}
	return int(v)
}

// DecodedBytes returns the memory needed to hold the decoded RGBA bitmap,
// saturating at math.MaxInt64.
func (d DrawImage) DecodedBytes() int64 {
	s := d.TargetSize()
	w, h := int64(s.X), int64(s.Y)
	if w > 0 && h > math.MaxInt64/4/w {
		return math.MaxInt64
	}
	return 4 * w * h
}

// String returns the compact form of d understood by ParseDrawImage.
func (d DrawImage) String() string {
	buf := new(bytes.Buffer)
	fmt.Fprintf(buf, "%s#%dx%d", d.ID, d.Size.X, d.Size.Y)
	if d.Scale != 0 && d.Scale != 1 {
		fmt.Fprintf(buf, ",s%v", d.Scale)
	}
	if d.Quality != QualityNone {
		fmt.Fprintf(buf, ",q%s", d.Quality)
	}
	if d.Rotate != 0 {
		fmt.Fprintf(buf, ",r%d", d.Rotate)
	}
	if d.FlipH {
		buf.WriteString(",fh")
	}
	if d.FlipV {
		buf.WriteString(",fv")
	}
	if d.Color.Gamma != 0 {
		fmt.Fprintf(buf, ",g%v", d.Color.Gamma)
	}
	if d.Color.Space != "" {
		fmt.Fprintf(buf, ",cs%s", d.Color.Space)
	}
	if !d.SrcRect.Empty() {
		r := d.SrcRect
		fmt.Fprintf(buf, ",src%d_%d_%d_%d", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
	}
	if d.Animated {
		buf.WriteString(",anim")
	}
	return buf.String()
}

// ParseDrawImage parses a draw image of the form "id#WxH,opt,opt...".  The
// id may itself contain '#'; the last one separates it from the options.
//
// Options:
//
//	WxH     intrinsic source size (required, first)
//	s0.5    scale
//	qlow    filter quality (none, low, medium, high)
//	r90     rotate counter-clockwise (90, 180, 270)
//	fh, fv  flip horizontally, vertically
//	g2.2    gamma
//	csNAME  target color space
//	srcX0_Y0_X1_Y1  source subset
//	anim    animated image
func ParseDrawImage(str string) (DrawImage, error) {
	var d DrawImage

	i := strings.LastIndex(str, "#")
	if i <= 0 {
		return d, fmt.Errorf("draw image %q: missing id or size", str)
	}
	d.ID = str[:i]

	parts := strings.Split(str[i+1:], ",")
	w, h, ok := strings.Cut(parts[0], "x")
	if !ok {
		return d, fmt.Errorf("draw image %q: invalid size %q", str, parts[0])
	}
	var err error
	if d.Size.X, err = strconv.Atoi(w); err != nil {
		return d, fmt.Errorf("draw image %q: invalid width: %w", str, err)
	}
	if d.Size.Y, err = strconv.Atoi(h); err != nil {
		return d, fmt.Errorf("draw image %q: invalid height: %w", str, err)
	}

	for _, part := range parts[1:] {
		switch {
		case part == "":
			continue
		case part == "fh":
			d.FlipH = true
		case part == "fv":
			d.FlipV = true
		case part == "anim":
			d.Animated = true
		case strings.HasPrefix(part, "src"):
			var r image.Rectangle
			if _, err := fmt.Sscanf(part[3:], "%d_%d_%d_%d", &r.Min.X, &r.Min.Y, &r.Max.X, &r.Max.Y); err != nil {
				return d, fmt.Errorf("draw image %q: invalid source rect %q", str, part)
			}
			d.SrcRect = r
		case strings.HasPrefix(part, "cs"):
			d.Color.Space = part[2:]
		case strings.HasPrefix(part, "s"):
			if d.Scale, err = strconv.ParseFloat(part[1:], 64); err != nil {
				return d, fmt.Errorf("draw image %q: invalid scale: %w", str, err)
			}
		case strings.HasPrefix(part, "q"):
			if d.Quality, err = ParseFilterQuality(part[1:]); err != nil {
				return d, fmt.Errorf("draw image %q: %w", str, err)
			}
		case strings.HasPrefix(part, "r"):
			if d.Rotate, err = strconv.Atoi(part[1:]); err != nil {
				return d, fmt.Errorf("draw image %q: invalid rotation: %w", str, err)
			}
		case strings.HasPrefix(part, "g"):
			if d.Color.Gamma, err = strconv.ParseFloat(part[1:], 64); err != nil {
				return d, fmt.Errorf("draw image %q: invalid gamma: %w", str, err)
			}
		default:
			return d, fmt.Errorf("draw image %q: unknown option %q", str, part)
		}
	}
	return d, nil
}

// TracingInfo describes why a decode was requested.  It is only used for
// diagnostics.
type TracingInfo struct {
	Source string // requesting component, e.g. "raster" or "prefetch"
	TileID uint64
	PassID uint64
}
