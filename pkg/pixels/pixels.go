// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pixels holds a plain host-side pixel buffer used by the augmentation pipelines,
// and conversions back and forth from image.Image and tensors.
//
// Images are stored as uint8 values in row-major HWC order (height, width, channels), with
// either 1 (gray) or 3 (RGB) channels.
package pixels

import (
	"image"
	"image/color"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrInvalidShape is returned when a buffer is not a 3D (height, width, channels) image with
// 1 or 3 channels.
var ErrInvalidShape = errors.New("invalid image shape")

// MaxValue of a channel, used for normalization.
const MaxValue = 255.0

// Image is a host-resident pixel buffer.
type Image struct {
	Height, Width, Channels int

	// Pix holds Height*Width*Channels values, in row-major HWC order.
	Pix []uint8
}

// New allocates a zeroed image with the given dimensions.
func New(height, width, channels int) *Image {
	return &Image{
		Height:   height,
		Width:    width,
		Channels: channels,
		Pix:      make([]uint8, height*width*channels),
	}
}

// Dims returns the image dimensions.
func (img *Image) Dims() (height, width, channels int) {
	return img.Height, img.Width, img.Channels
}

// Dimensions returns {height, width, channels}.
func (img *Image) Dimensions() []int {
	return []int{img.Height, img.Width, img.Channels}
}

// Validate checks that the image is a well-formed 3D buffer with 1 or 3 channels.
func (img *Image) Validate() error {
	if img == nil {
		return errors.Wrap(ErrInvalidShape, "nil image")
	}
	if img.Height <= 0 || img.Width <= 0 {
		return errors.Wrapf(ErrInvalidShape, "image shaped (%d, %d, %d) has an empty spatial dimension",
			img.Height, img.Width, img.Channels)
	}
	if img.Channels != 1 && img.Channels != 3 {
		return errors.Wrapf(ErrInvalidShape, "image shaped (%d, %d, %d) must have 1 or 3 channels",
			img.Height, img.Width, img.Channels)
	}
	if len(img.Pix) != img.Height*img.Width*img.Channels {
		return errors.Wrapf(ErrInvalidShape, "image shaped (%d, %d, %d) has %d values, expected %d",
			img.Height, img.Width, img.Channels, len(img.Pix), img.Height*img.Width*img.Channels)
	}
	return nil
}

// Offset of the first channel of pixel (y, x) in Pix.
func (img *Image) Offset(y, x int) int {
	return (y*img.Width + x) * img.Channels
}

// At returns the value of channel c of pixel (y, x).
func (img *Image) At(y, x, c int) uint8 {
	return img.Pix[img.Offset(y, x)+c]
}

// Set the value of channel c of pixel (y, x).
func (img *Image) Set(y, x, c int, v uint8) {
	img.Pix[img.Offset(y, x)+c] = v
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	clone := *img
	clone.Pix = make([]uint8, len(img.Pix))
	copy(clone.Pix, img.Pix)
	return &clone
}

// Take builds a new image by picking rows and columns from img: output pixel (y, x) is the
// source pixel (rows[y], cols[x]). A negative index selects the fill value for all channels.
func (img *Image) Take(rows, cols []int32, fill uint8) *Image {
	out := New(len(rows), len(cols), img.Channels)
	c := img.Channels
	pos := 0
	for _, row := range rows {
		for _, col := range cols {
			if row < 0 || col < 0 {
				for ii := 0; ii < c; ii++ {
					out.Pix[pos+ii] = fill
				}
			} else {
				src := img.Offset(int(row), int(col))
				copy(out.Pix[pos:pos+c], img.Pix[src:src+c])
			}
			pos += c
		}
	}
	return out
}

// Gray converts an RGB image to a single channel, using ITU-R 601 luma weights.
// Images that are already gray are returned as a copy.
func (img *Image) Gray() *Image {
	if img.Channels == 1 {
		return img.Clone()
	}
	out := New(img.Height, img.Width, 1)
	for ii := range out.Pix {
		r, g, b := float64(img.Pix[3*ii]), float64(img.Pix[3*ii+1]), float64(img.Pix[3*ii+2])
		out.Pix[ii] = clampUint8(0.299*r + 0.587*g + 0.114*b)
	}
	return out
}

// SwapRB exchanges the first and last channels, converting RGB to BGR and back.
func (img *Image) SwapRB() *Image {
	out := img.Clone()
	if img.Channels != 3 {
		return out
	}
	for ii := 0; ii < len(out.Pix); ii += 3 {
		out.Pix[ii], out.Pix[ii+2] = out.Pix[ii+2], out.Pix[ii]
	}
	return out
}

// FromImage converts an image.Image: *image.Gray becomes a 1-channel image, anything else 3-channel RGB.
// Alpha is dropped.
func FromImage(src image.Image) *Image {
	bounds := src.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	if gray, ok := src.(*image.Gray); ok {
		out := New(h, w, 1)
		for y := 0; y < h; y++ {
			copy(out.Pix[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
		return out
	}
	out := New(h, w, 3)
	if nrgba, ok := src.(*image.NRGBA); ok {
		pos := 0
		for y := 0; y < h; y++ {
			row := nrgba.Pix[y*nrgba.Stride:]
			for x := 0; x < w; x++ {
				out.Pix[pos], out.Pix[pos+1], out.Pix[pos+2] = row[4*x], row[4*x+1], row[4*x+2]
				pos += 3
			}
		}
		return out
	}
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			out.Pix[pos], out.Pix[pos+1], out.Pix[pos+2] = c.R, c.G, c.B
			pos += 3
		}
	}
	return out
}

// ToImage converts back to an image.Image: *image.Gray for 1 channel, *image.NRGBA otherwise.
func (img *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, img.Width, img.Height)
	if img.Channels == 1 {
		gray := image.NewGray(rect)
		copy(gray.Pix, img.Pix)
		return gray
	}
	nrgba := image.NewNRGBA(rect)
	for ii := 0; ii < img.Height*img.Width; ii++ {
		nrgba.Pix[4*ii] = img.Pix[3*ii]
		nrgba.Pix[4*ii+1] = img.Pix[3*ii+1]
		nrgba.Pix[4*ii+2] = img.Pix[3*ii+2]
		nrgba.Pix[4*ii+3] = 0xFF
	}
	return nrgba
}

// Normalize converts the image to channel-first (CHW) float32 values divided by MaxValue.
func (img *Image) Normalize() []float32 {
	h, w, c := img.Dims()
	out := make([]float32, h*w*c)
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			src := img.Offset(y, x)
			for ch := 0; ch < c; ch++ {
				out[ch*plane+y*w+x] = float32(img.Pix[src+ch]) / MaxValue
			}
		}
	}
	return out
}

// Denormalize is the inverse of Normalize: it takes CHW values in [0, 1] and returns an HWC image.
func Denormalize(chw []float32, height, width, channels int) (*Image, error) {
	if len(chw) != height*width*channels {
		return nil, errors.Wrapf(ErrInvalidShape, "%d values can't be shaped as (%d, %d, %d)",
			len(chw), channels, height, width)
	}
	out := New(height, width, channels)
	plane := height * width
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst := out.Offset(y, x)
			for ch := 0; ch < channels; ch++ {
				out.Pix[dst+ch] = clampUint8(float64(chw[ch*plane+y*width+x]) * MaxValue)
			}
		}
	}
	return out, nil
}

// ToTensor stacks the normalized images in a float32 tensor shaped [batch, channels, height, width].
// All images must have the same dimensions.
func ToTensor(images []*Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("pixels.ToTensor needs at least one image")
	}
	h, w, c := images[0].Dims()
	for ii, img := range images {
		if ih, iw, ic := img.Dims(); ih != h || iw != w || ic != c {
			return nil, errors.Wrapf(ErrInvalidShape, "image #%d shaped (%d, %d, %d), but image #0 is shaped (%d, %d, %d)",
				ii, ih, iw, ic, h, w, c)
		}
	}
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(images), c, h, w))
	size := h * w * c
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii, img := range images {
			copy(flat[ii*size:(ii+1)*size], img.Normalize())
		}
	})
	return t, nil
}

// FromTensor converts a float32 tensor shaped [batch, channels, height, width] with values in [0, 1]
// back to images.
func FromTensor(t *tensors.Tensor) ([]*Image, error) {
	if t.Rank() != 4 || t.DType() != dtypes.Float32 {
		return nil, errors.Wrapf(ErrInvalidShape, "expected float32 tensor shaped [batch, channels, height, width], got %s",
			t.Shape())
	}
	dims := t.Shape().Dimensions
	batchSize, c, h, w := dims[0], dims[1], dims[2], dims[3]
	size := c * h * w
	images := make([]*Image, batchSize)
	var err error
	tensors.MustConstFlatData[float32](t, func(flat []float32) {
		for ii := range images {
			images[ii], err = Denormalize(flat[ii*size:(ii+1)*size], h, w, c)
			if err != nil {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

func clampUint8(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > MaxValue {
		return MaxValue
	}
	return uint8(v)
}

// Clamp rounds and clamps a float value to the uint8 range.
func Clamp(v float64) uint8 {
	return clampUint8(v)
}
