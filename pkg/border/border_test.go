// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package border

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/pkg/pixels"
)

func randomImage(rng *rand.Rand, h, w, c int) *pixels.Image {
	img := pixels.New(h, w, c)
	for ii := range img.Pix {
		img.Pix[ii] = uint8(rng.Intn(256))
	}
	return img
}

func TestMargins(t *testing.T) {
	for _, tc := range []struct{ h, w, dh, dw int }{
		{100, 50, 5, 30},
		{50, 100, 30, 5},
		{300, 300, 15, 15},
		{10, 3, 0, 3},
		{1, 40, 21, 2},
	} {
		dh, dw := Margins(tc.h, tc.w)
		assert.Equal(t, tc.dh, dh, "dh for (%d, %d)", tc.h, tc.w)
		assert.Equal(t, tc.dw, dw, "dw for (%d, %d)", tc.h, tc.w)
	}
}

func TestWrapIndexMapMatchesModulo(t *testing.T) {
	for dim := 1; dim <= 9; dim++ {
		for border := 0; border <= 3*dim+2; border++ {
			indices := IndexMap(Wrap, border, dim, border)
			require.Len(t, indices, 2*border+dim)
			for ii, got := range indices {
				want := ((ii-border)%dim + dim) % dim
				require.Equal(t, int32(want), got, "dim=%d border=%d position=%d", dim, border, ii)
			}
		}
	}
}

func TestIndexMapModes(t *testing.T) {
	assert.Equal(t, []int32{0, 0, 0, 1, 2, 2}, IndexMap(Replicate, 2, 3, 1))
	assert.Equal(t, []int32{-1, 0, 1, 2, -1, -1}, IndexMap(Constant, 1, 3, 2))
	// Zero remainder: two full copies on each side, no leftover strip.
	assert.Equal(t, []int32{0, 1, 0, 1, 0, 1, 0, 1, 0, 1}, IndexMap(Wrap, 4, 2, 4))
}

func TestPadSquareAndCenter(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, mode := range []Mode{Replicate, Wrap, Constant} {
		for _, dims := range [][3]int{{20, 7, 3}, {7, 20, 3}, {33, 2, 1}, {1, 9, 3}, {16, 16, 3}} {
			t.Run(fmt.Sprintf("%s/%v", mode, dims), func(t *testing.T) {
				h, w, c := dims[0], dims[1], dims[2]
				img := randomImage(rng, h, w, c)
				padded, err := Pad(img, mode)
				require.NoError(t, err)
				require.Equal(t, padded.Height, padded.Width, "padded image must be square")
				dh, dw := Margins(h, w)
				require.Equal(t, max(h+2*dh, w+2*dw), padded.Height)
				require.LessOrEqual(t, padded.Height-(h+2*dh), 1)
				require.LessOrEqual(t, padded.Width-(w+2*dw), 1)
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						for ch := 0; ch < c; ch++ {
							require.Equal(t, img.At(y, x, ch), padded.At(y+dh, x+dw, ch))
						}
					}
				}
			})
		}
	}
}

func TestPadWrapPeriodic(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	h, w := 40, 3 // dw = 20, much wider than the content.
	img := randomImage(rng, h, w, 3)
	padded, err := Pad(img, Wrap)
	require.NoError(t, err)
	dh, dw := Margins(h, w)
	for y := 0; y < padded.Height; y++ {
		for x := 0; x < padded.Width; x++ {
			srcY := ((y-dh)%h + h) % h
			srcX := ((x-dw)%w + w) % w
			for ch := 0; ch < 3; ch++ {
				require.Equal(t, img.At(srcY, srcX, ch), padded.At(y, x, ch), "pixel (%d, %d)", y, x)
			}
		}
	}
}

func TestPadReplicateConstantExtension(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	h, w := 6, 15
	img := randomImage(rng, h, w, 1)
	padded, err := Pad(img, Replicate)
	require.NoError(t, err)
	dh, dw := Margins(h, w)
	for y := 0; y < padded.Height; y++ {
		for x := 0; x < padded.Width; x++ {
			srcY := min(max(y-dh, 0), h-1)
			srcX := min(max(x-dw, 0), w-1)
			require.Equal(t, img.At(srcY, srcX, 0), padded.At(y, x, 0))
		}
	}
	// Corners hold the corner pixels.
	assert.Equal(t, img.At(0, 0, 0), padded.At(0, 0, 0))
	assert.Equal(t, img.At(h-1, w-1, 0), padded.At(padded.Height-1, padded.Width-1, 0))
}

func TestSquareSides(t *testing.T) {
	// 20x7: Margins gives (1, 7), so the width would be 21 against a height of 22.
	sides := SquareSides(20, 7, Wrap)
	assert.Equal(t, Sides{Top: 1, Bottom: 1, Left: 7, Right: 8, Vertical: Wrap, Horizontal: Wrap, Fill: DefaultFill}, sides)
	sides = SquareSides(100, 50, Replicate)
	assert.Equal(t, 30, sides.Left)
	assert.Equal(t, 30, sides.Right)
}

func TestPadSides(t *testing.T) {
	img := pixels.New(2, 2, 1)
	copy(img.Pix, []uint8{1, 2, 3, 4})
	out, err := PadSides(img, Sides{Top: 1, Bottom: 1, Vertical: Constant, Left: 1, Right: 1, Horizontal: Wrap, Fill: 255})
	require.NoError(t, err)
	assert.Equal(t, []uint8{
		255, 255, 255, 255,
		2, 1, 2, 1,
		4, 3, 4, 3,
		255, 255, 255, 255,
	}, out.Pix)
}

func TestPadInvalidShape(t *testing.T) {
	for _, img := range []*pixels.Image{
		pixels.New(4, 5, 2),
		pixels.New(4, 5, 4),
		{Height: 4, Width: 5, Channels: 3, Pix: make([]uint8, 10)},
	} {
		_, err := Pad(img, Replicate)
		require.ErrorIs(t, err, ErrInvalidShape)
	}
}
