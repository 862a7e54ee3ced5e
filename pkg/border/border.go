// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package border turns rectangular images into square ones by adding symmetric synthetic
// borders, so that later resizes keep a fixed aspect ratio.
//
// The same padding logic serves host buffers (*pixels.Image) and device buffers (Device, a
// wrapper over a computation graph node): both implement Buffer, and Pad only relies on it.
package border

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/pixels"
)

// ErrInvalidShape is returned for buffers that are not (height, width, channels) images with 1 or 3 channels.
var ErrInvalidShape = pixels.ErrInvalidShape

// Mode of filling the synthetic border.
type Mode uint8

const (
	// Replicate extends the outermost row/column into the border.
	Replicate Mode = iota

	// Wrap tiles the image content itself into the border.
	Wrap

	// Constant fills the border with a fixed value.
	Constant
)

func (m Mode) String() string {
	switch m {
	case Replicate:
		return "replicate"
	case Wrap:
		return "wrap"
	case Constant:
		return "constant"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// DefaultFill is the value used by Constant borders: white.
const DefaultFill = 255

// Margins returns the half border (added on each side) for the height and width of an image,
// such that the padded image is square.
//
// The longer side always grows by 10% (5% on each side); the shorter side grows as much as
// needed to match it.
func Margins(height, width int) (dh, dw int) {
	if height > width {
		dh = int(0.1 * float64(height) / 2)
		dw = int(float64(height+2*dh-width) / 2)
	} else {
		dw = int(0.1 * float64(width) / 2)
		dh = int(float64(width+2*dw-height) / 2)
	}
	return
}

// IndexMap returns, for each of the before+dim+after output positions along one axis, the
// source position in [0, dim). Positions filled with a constant get -1.
func IndexMap(mode Mode, before, dim, after int) []int32 {
	out := make([]int32, before+dim+after)
	for ii := 0; ii < dim; ii++ {
		out[before+ii] = int32(ii)
	}
	head, tail := out[:before], out[before+dim:]
	switch mode {
	case Replicate:
		for ii := range head {
			head[ii] = 0
		}
		for ii := range tail {
			tail[ii] = int32(dim - 1)
		}
	case Wrap:
		wrapHead(head, dim)
		wrapTail(tail, dim)
	default:
		for ii := range head {
			head[ii] = -1
		}
		for ii := range tail {
			tail[ii] = -1
		}
	}
	return out
}

// wrapHead fills the border before the content by tiling: the copyTimes full copies of the
// content that fit are laid right against it, and the remaining strip at the very start takes
// the last rows of the content.
func wrapHead(head []int32, dim int) {
	border := len(head)
	if border <= dim {
		for ii := range head {
			head[ii] = int32(dim - border + ii)
		}
		return
	}
	notFilled := border % dim
	copyTimes := border / dim
	pos := notFilled
	for range copyTimes {
		for jj := 0; jj < dim; jj++ {
			head[pos] = int32(jj)
			pos++
		}
	}
	for ii := 0; ii < notFilled; ii++ {
		head[ii] = int32(dim - notFilled + ii)
	}
}

// wrapTail mirrors wrapHead for the border after the content: full copies first, then the
// leftover strip at the very end with the first rows of the content. When the remainder is
// zero the copies reach the end and there is no leftover strip.
func wrapTail(tail []int32, dim int) {
	border := len(tail)
	if border <= dim {
		for ii := range tail {
			tail[ii] = int32(ii)
		}
		return
	}
	notFilled := border % dim
	copyTimes := border / dim
	pos := 0
	for range copyTimes {
		for jj := 0; jj < dim; jj++ {
			tail[pos] = int32(jj)
			pos++
		}
	}
	for ii := 0; ii < notFilled; ii++ {
		tail[pos+ii] = int32(ii)
	}
}

// Buffer is the capability set Pad needs from an image buffer, host or device resident.
type Buffer[B any] interface {
	// Dimensions of the buffer. Valid images have 3: height, width and channels.
	Dimensions() []int

	// Take builds a new buffer where output pixel (y, x) is the input pixel (rows[y], cols[x]).
	// Negative indices select the fill value.
	Take(rows, cols []int32, fill uint8) B
}

// Sides configures a possibly asymmetric padding.
type Sides struct {
	Top, Bottom, Left, Right int

	// Vertical is the mode for the top/bottom borders, Horizontal for left/right.
	Vertical, Horizontal Mode

	// Fill is the value used by Constant borders.
	Fill uint8
}

// SquareSides returns the borders Pad adds to an image of the given height and width: Margins
// on every side, plus one extra row (or column) at the bottom (or right) when the rounding
// down of Margins would otherwise leave the result one pixel short of square.
//
// The extra row or column means the output is not always (H+2·dh, W+2·dw): a plain symmetric
// border of Margins leaves an odd difference between the sides non-square.
func SquareSides(height, width int, mode Mode) Sides {
	dh, dw := Margins(height, width)
	side := max(height+2*dh, width+2*dw)
	return Sides{
		Top: dh, Bottom: side - height - dh,
		Left: dw, Right: side - width - dw,
		Vertical: mode, Horizontal: mode,
		Fill: DefaultFill,
	}
}

// Pad adds the borders given by SquareSides to buf, filled according to mode.
// The output is square, and the original image sits at offset (dh, dw) given by Margins.
func Pad[B Buffer[B]](buf B, mode Mode) (B, error) {
	dims, err := checkDimensions(buf)
	if err != nil {
		var zero B
		return zero, err
	}
	return PadSides(buf, SquareSides(dims[0], dims[1], mode))
}

// PadSides pads buf with the given per-side borders.
func PadSides[B Buffer[B]](buf B, sides Sides) (B, error) {
	dims, err := checkDimensions(buf)
	if err != nil {
		var zero B
		return zero, err
	}
	if sides.Top < 0 || sides.Bottom < 0 || sides.Left < 0 || sides.Right < 0 {
		var zero B
		return zero, errors.Errorf("negative border sizes %+v", sides)
	}
	rows := IndexMap(sides.Vertical, sides.Top, dims[0], sides.Bottom)
	cols := IndexMap(sides.Horizontal, sides.Left, dims[1], sides.Right)
	return buf.Take(rows, cols, sides.Fill), nil
}

func checkDimensions[B Buffer[B]](buf B) ([]int, error) {
	if v, ok := any(buf).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	dims := buf.Dimensions()
	if len(dims) != 3 {
		return nil, errors.Wrapf(ErrInvalidShape, "border padding requires a (height, width, channels) buffer, got dimensions %v", dims)
	}
	if dims[2] != 1 && dims[2] != 3 {
		return nil, errors.Wrapf(ErrInvalidShape, "border padding requires 1 or 3 channels, got dimensions %v", dims)
	}
	if dims[0] <= 0 || dims[1] <= 0 {
		return nil, errors.Wrapf(ErrInvalidShape, "border padding of an empty buffer, dimensions %v", dims)
	}
	return dims, nil
}
