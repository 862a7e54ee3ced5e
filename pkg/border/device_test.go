// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package border

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/pkg/pixels"

	_ "github.com/gomlx/gomlx/backends/default"
)

func devicePad(mode Mode) func(x *graph.Node) *graph.Node {
	return func(x *graph.Node) *graph.Node {
		padded, err := Pad(Device{Node: x}, mode)
		if err != nil {
			panic(err)
		}
		return padded.Node
	}
}

func TestDevicePadMatchesHost(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(17))
	for _, mode := range []Mode{Replicate, Wrap, Constant} {
		for _, dims := range [][3]int{{9, 4, 3}, {3, 11, 1}, {5, 5, 3}, {2, 7, 3}} {
			img := randomImage(rng, dims[0], dims[1], dims[2])
			want, err := Pad(img, mode)
			require.NoError(t, err)

			exec := graph.MustNewExec(backend, devicePad(mode))
			input := tensors.FromFlatDataAndDimensions(img.Pix, img.Height, img.Width, img.Channels)
			output := exec.MustExec(input)[0]
			require.Equal(t, want.Dimensions(), output.Shape().Dimensions, "mode=%s dims=%v", mode, dims)
			require.Equal(t, want.Pix, tensors.MustCopyFlatData[uint8](output), "mode=%s dims=%v", mode, dims)
			exec.Finalize()
		}
	}
}

func TestDeviceConstantFill(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	img := pixels3x11()
	exec := graph.MustNewExec(backend, devicePad(Constant))
	defer exec.Finalize()
	output := exec.MustExec(tensors.FromFlatDataAndDimensions(img, 3, 11, 1))[0]
	sides := SquareSides(3, 11, Constant)
	side := output.Shape().Dimensions[1]
	flat := tensors.MustCopyFlatData[uint8](output)
	for y := range sides.Top {
		for x := range side {
			require.Equal(t, uint8(DefaultFill), flat[y*side+x], "pixel (%d, %d) is in the top border", y, x)
		}
	}
	assert.Equal(t, img[:11], flat[sides.Top*side+sides.Left:sides.Top*side+sides.Left+11])
}

// pixels3x11 is a 3x11 gray image with no pixel equal to DefaultFill.
func pixels3x11() []uint8 {
	img := make([]uint8, 3*11)
	for ii := range img {
		img[ii] = uint8(ii * 7 % 200)
	}
	return img
}

func TestDeviceBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(19))
	for _, mode := range []Mode{Replicate, Wrap, Constant} {
		images := []*pixels.Image{randomImage(rng, 6, 10, 3), randomImage(rng, 6, 10, 3)}
		var flat []uint8
		for _, img := range images {
			flat = append(flat, img.Pix...)
		}
		exec := graph.MustNewExec(backend, devicePad(mode))
		output := exec.MustExec(tensors.FromFlatDataAndDimensions(flat, 2, 6, 10, 3))[0]
		got := tensors.MustCopyFlatData[uint8](output)
		for ii, img := range images {
			want, err := Pad(img, mode)
			require.NoError(t, err)
			require.Equal(t, append([]int{2}, want.Dimensions()...), output.Shape().Dimensions)
			size := len(want.Pix)
			require.True(t, slices.Equal(want.Pix, got[ii*size:(ii+1)*size]), "mode=%s image #%d", mode, ii)
		}
		exec.Finalize()
	}
}

func TestSourceCoordNode(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const dim, before = 3, 4
	positions := make([]int32, before+dim+before)
	for ii := range positions {
		positions[ii] = int32(ii)
	}
	for _, mode := range []Mode{Replicate, Wrap, Constant} {
		exec := graph.MustNewExec(backend, func(pos *graph.Node) (*graph.Node, *graph.Node) {
			g := pos.Graph()
			index, valid := SourceCoordNode(mode, pos, graph.Const(g, int32(before)), graph.Const(g, int32(dim)))
			if valid == nil {
				valid = graph.OnesLike(index)
			} else {
				valid = graph.ConvertDType(valid, index.DType())
			}
			return index, valid
		})
		outputs := exec.MustExec(positions)
		indices := tensors.MustCopyFlatData[int32](outputs[0])
		valid := tensors.MustCopyFlatData[int32](outputs[1])
		want := IndexMap(mode, before, dim, before)
		for ii, w := range want {
			if w < 0 {
				require.Equal(t, int32(0), valid[ii], "mode=%s position=%d", mode, ii)
				continue
			}
			require.Equal(t, w, indices[ii], "mode=%s position=%d", mode, ii)
		}
		exec.Finalize()
	}
}
