// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostaug

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/border"
	"github.com/yushanml/yushan/pkg/pixels"
	"golang.org/x/image/vector"
)

// Second-source constants.
const (
	// SourceSize is the expected side of second-source images; others are resized to it first.
	SourceSize = 300

	// MarginMin and MarginMax bound the margin cropped from each side: [MarginMin, MarginMax).
	MarginMin, MarginMax = 30, 45

	// BorderSize is the border added on each padded side.
	BorderSize = 100

	// LineLength is the length of the synthetic pen lines.
	LineLength = 400
)

// Artifact thresholds: "ink" pixels get a little gaussian noise, "paper" pixels get darker.
const (
	inkThreshold   = 100
	paperThreshold = 200
	paperNoise     = 50
)

// BorderPolicy returns the borders applied to a second-source crop for a uniform draw p in [0, 1):
// with p > 0.3 white top/bottom and wrapped left/right; with p in (0.1, 0.3] white left/right and
// wrapped top/bottom; otherwise wrapped on all sides.
func BorderPolicy(p float64) border.Sides {
	sides := border.Sides{Top: BorderSize, Bottom: BorderSize, Left: BorderSize, Right: BorderSize, Fill: border.DefaultFill}
	switch {
	case p > 0.3:
		sides.Vertical, sides.Horizontal = border.Constant, border.Wrap
	case p > 0.1:
		sides.Vertical, sides.Horizontal = border.Wrap, border.Constant
	default:
		sides.Vertical, sides.Horizontal = border.Wrap, border.Wrap
	}
	return sides
}

// stroke is a synthetic pen line.
type stroke struct {
	x0, y0, x1, y1 float32
	width          float32
}

func (p *Pipeline) secondSource(img *pixels.Image, rng *rand.Rand) (*pixels.Image, error) {
	if img.Height != SourceSize || img.Width != SourceSize {
		img = pixels.FromImage(imaging.Resize(img.ToImage(), SourceSize, SourceSize, imaging.Linear))
	}
	if img.Channels == 1 {
		// Lines are colored: expand to RGB.
		img = pixels.FromImage(imaging.Clone(img.ToImage()))
	}

	// Crop margins and add borders in a single Take.
	n := MarginMin + rng.Intn(MarginMax-MarginMin)
	img = crop(img, n, n, SourceSize-2*n, SourceSize-2*n)
	img, err := border.PadSides(img, BorderPolicy(rng.Float64()))
	if err != nil {
		return nil, err
	}

	// Line parameters are drawn before the artifacts, so the random sequence doesn't depend on the image.
	lineColor := color.NRGBA{
		R: uint8(150 + rng.Intn(65)),
		G: uint8(10 + rng.Intn(40)),
		B: uint8(10 + rng.Intn(40)),
		A: 0xFF,
	}
	width := float32(1 + rng.Intn(4))
	strokes := make([]stroke, 0, 2)
	first := randomStroke(rng, 40, 160, LineLength, width)
	second := randomStroke(rng, 260, 420, -LineLength, width)
	if rng.Float64() > 0.4 {
		strokes = append(strokes, first)
	}
	if rng.Float64() > 0.4 {
		strokes = append(strokes, second)
	}

	addPrintArtifacts(img, rng)
	canvas := img.ToImage().(*image.NRGBA)
	for _, s := range strokes {
		drawStroke(canvas, s, lineColor)
	}
	gray := p.cfg.Approach.Has(augment.Gray)

	h, w := p.randomSize(rng)
	var out image.Image = canvas
	if rng.Float64() < 0.7 {
		out = imaging.Resize(out, w, h, imaging.Linear)
	}
	out = imaging.CropCenter(out, p.cfg.CropSize, p.cfg.CropSize)
	if rng.Float64() < 0.7 {
		out = boxBlur(out, 3+2*rng.Intn(2))
	}
	out = rotate90(out, quarterTurns(rng, 0.1))
	return finish(out, gray), nil
}

// crop returns the sub-image of the given size starting at (y0, x0).
func crop(img *pixels.Image, y0, x0, h, w int) *pixels.Image {
	rows, cols := make([]int32, h), make([]int32, w)
	for ii := range rows {
		rows[ii] = int32(y0 + ii)
	}
	for ii := range cols {
		cols[ii] = int32(x0 + ii)
	}
	return img.Take(rows, cols, 0)
}

// randomStroke draws a stroke starting at a random point in [lo, hi)², running length pixels
// either horizontally or vertically, with a small drift on the other axis.
func randomStroke(rng *rand.Rand, lo, hi int, length, width float32) stroke {
	x := float32(lo + rng.Intn(hi-lo))
	y := float32(lo + rng.Intn(hi-lo))
	drift := float32(rng.Intn(41) - 20)
	s := stroke{x0: x, y0: y, width: width}
	if rng.Float64() > 0.5 {
		s.x1, s.y1 = x+length, y+drift
	} else {
		s.x1, s.y1 = x+drift, y+length
	}
	return s
}

// addPrintArtifacts adds N(0, 1) noise to dark values and subtracts U[0, 50) from light values.
func addPrintArtifacts(img *pixels.Image, rng *rand.Rand) {
	for ii, v := range img.Pix {
		switch {
		case v < inkThreshold:
			noisy := math.Max(float64(v)+rng.NormFloat64(), 0)
			img.Pix[ii] = uint8(noisy)
		case v > paperThreshold:
			img.Pix[ii] = v - uint8(rng.Intn(paperNoise))
		}
	}
}

// drawStroke rasterizes the stroke as a filled quadrilateral.
func drawStroke(dst *image.NRGBA, s stroke, c color.NRGBA) {
	bounds := dst.Bounds()
	dx, dy := s.x1-s.x0, s.y1-s.y0
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return
	}
	// Half-width normal.
	nx, ny := -dy/length*s.width/2, dx/length*s.width/2
	z := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	z.MoveTo(s.x0+nx, s.y0+ny)
	z.LineTo(s.x1+nx, s.y1+ny)
	z.LineTo(s.x1-nx, s.y1-ny)
	z.LineTo(s.x0-nx, s.y0-ny)
	z.ClosePath()
	z.Draw(dst, bounds, image.NewUniform(c), image.Point{})
}

// boxBlur averages each pixel over a size x size window, size being 3 or 5.
func boxBlur(img image.Image, size int) image.Image {
	opts := &imaging.ConvolveOptions{Normalize: true}
	if size == 3 {
		var kernel [9]float64
		for ii := range kernel {
			kernel[ii] = 1
		}
		return imaging.Convolve3x3(img, kernel, opts)
	}
	var kernel [25]float64
	for ii := range kernel {
		kernel[ii] = 1
	}
	return imaging.Convolve5x5(img, kernel, opts)
}
