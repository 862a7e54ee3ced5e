// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphaug

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/border"
	"github.com/yushanml/yushan/pkg/pixels"

	_ "github.com/gomlx/gomlx/backends/default"
)

func randomImage(rng *rand.Rand, h, w, c int) *pixels.Image {
	img := pixels.New(h, w, c)
	for ii := range img.Pix {
		img.Pix[ii] = uint8(rng.Intn(256))
	}
	return img
}

func TestNewConfigurationErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := New(backend, augment.DefaultConfig(augment.Host))
	require.ErrorIs(t, err, augment.ErrConfiguration)

	cfg := augment.DefaultConfig(augment.Rotate)
	cfg.Approach = augment.Gray
	_, err = New(backend, cfg)
	require.ErrorIs(t, err, augment.ErrConfiguration)
}

func TestBasicIsCenterCrop(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := augment.DefaultConfig(augment.Basic)
	cfg.Border = false
	p, err := New(backend, cfg)
	require.NoError(t, err)
	defer p.Finalize()

	// A 248x248 image is not resized, so Basic reduces to the center crop at offset 12.
	rng := rand.New(rand.NewSource(1))
	img := randomImage(rng, 248, 248, 3)
	outputs, err := p.Augment([]*pixels.Image{img}, rng)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.Equal(t, []int{1, 3, 224, 224}, outputs[0].Shape().Dimensions)
	got, err := pixels.FromTensor(outputs[0])
	require.NoError(t, err)
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			for c := 0; c < 3; c++ {
				require.Equal(t, img.At(y+12, x+12, c), got[0].At(y, x, c), "pixel (%d, %d, %d)", y, x, c)
			}
		}
	}
}

func TestUniformImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	img := pixels.New(150, 260, 3)
	for ii := 0; ii < len(img.Pix); ii += 3 {
		img.Pix[ii], img.Pix[ii+1], img.Pix[ii+2] = 51, 102, 204
	}
	for _, kind := range []augment.PipelineKind{augment.Basic, augment.Rotate} {
		for _, approach := range []augment.Approach{augment.Replicate, augment.Wrap} {
			cfg := augment.DefaultConfig(kind)
			cfg.Approach = approach
			p, err := New(backend, cfg)
			require.NoError(t, err)
			outputs, err := p.Augment([]*pixels.Image{img, img}, rand.New(rand.NewSource(3)))
			require.NoError(t, err)
			flat := tensors.MustCopyFlatData[float32](outputs[0])
			plane := 224 * 224
			for ii, v := range flat {
				want := []float32{0.2, 0.4, 0.8}[(ii/plane)%3]
				require.InDelta(t, want, v, 1e-4, "kind=%s approach=%s position %d", kind, approach, ii)
			}
			p.Finalize()
		}
	}
}

// Same-size batches are padded on device, other batches sample the canvas: both must agree.
func TestUniformMatchesCanvas(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewSource(21))
	img := randomImage(rng, 150, 200, 3)
	other := randomImage(rng, 40, 50, 3)
	for _, kind := range []augment.PipelineKind{augment.Basic, augment.Rotate} {
		for _, approach := range []augment.Approach{augment.Replicate, augment.Wrap} {
			cfg := augment.DefaultConfig(kind)
			cfg.Approach = approach
			p, err := New(backend, cfg)
			require.NoError(t, err)

			uniform, err := p.Augment([]*pixels.Image{img, img}, rand.New(rand.NewSource(4)))
			require.NoError(t, err)
			require.Len(t, p.uniformShapes, 1)
			mixed, err := p.Augment([]*pixels.Image{img, other}, rand.New(rand.NewSource(4)))
			require.NoError(t, err)
			require.Len(t, p.uniformShapes, 1)

			plane := 3 * 224 * 224
			want := tensors.MustCopyFlatData[float32](mixed[0])[:plane]
			got := tensors.MustCopyFlatData[float32](uniform[0])[:plane]
			assert.InDeltaSlice(t, want, got, 1e-4, "kind=%s approach=%s", kind, approach)
			p.Finalize()
		}
	}
}

func TestUniformShapesLimit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := augment.DefaultConfig(augment.Basic)
	p, err := New(backend, cfg)
	require.NoError(t, err)
	defer p.Finalize()
	rng := rand.New(rand.NewSource(23))
	for ii := range MaxUniformShapes + 2 {
		img := randomImage(rng, 16+ii, 20, 3)
		outputs, err := p.Augment([]*pixels.Image{img, img}, rng)
		require.NoError(t, err, "batch #%d", ii)
		require.Equal(t, []int{2, 3, 224, 224}, outputs[0].Shape().Dimensions)
	}
	assert.Len(t, p.uniformShapes, MaxUniformShapes)
}

func TestGrayOutput(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := augment.DefaultConfig(augment.Water)
	cfg.Approach = augment.Gray | augment.Wrap
	p, err := New(backend, cfg)
	require.NoError(t, err)
	defer p.Finalize()
	rng := rand.New(rand.NewSource(5))
	outputs, err := p.Augment([]*pixels.Image{randomImage(rng, 100, 300, 3), randomImage(rng, 90, 60, 1)}, rng)
	require.NoError(t, err)
	require.Equal(t, []int{2, 1, 224, 224}, outputs[0].Shape().Dimensions)
}

func TestRotateCoords(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const size = 4
	rng := rand.New(rand.NewSource(7))
	img := randomImage(rng, size, size, 1)
	for k := int32(0); k < 4; k++ {
		exec := MustNewExec(backend, func(canvas, geometry *Node) *Node {
			out := resizeCropRotate(ConvertDType(canvas, dtypes.Float32), geometry, border.Replicate, size)
			return ConvertDType(out, canvas.DType())
		})
		canvas := tensors.FromFlatDataAndDimensions(img.Pix, 1, size, size, 1)
		geo := geometry{}
		geo[colHeight], geo[colWidth] = size, size
		geo[colPaddedHeight], geo[colPaddedWidth] = size, size
		geo[colResizeHeight], geo[colResizeWidth] = size, size
		geo[colRotation] = k
		output := exec.MustExec(canvas, geometryTensor([]geometry{geo}))[0]
		got := tensors.MustCopyFlatData[uint8](output)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				var sy, sx int
				switch k {
				case 0:
					sy, sx = y, x
				case 1:
					sy, sx = x, size-1-y
				case 2:
					sy, sx = size-1-y, size-1-x
				case 3:
					sy, sx = size-1-x, y
				}
				require.Equal(t, img.At(sy, sx, 0), got[y*size+x], "k=%d pixel (%d, %d)", k, y, x)
			}
		}
		exec.Finalize()
	}
}

func TestNoisyStudentRawIndependentOfSeed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := augment.DefaultConfig(augment.NoisyStudent)
	cfg.Warp = true
	p, err := New(backend, cfg)
	require.NoError(t, err)
	defer p.Finalize()
	rng := rand.New(rand.NewSource(9))
	images := []*pixels.Image{randomImage(rng, 200, 320, 3), randomImage(rng, 280, 240, 3)}

	first, err := p.Augment(images, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	second, err := p.Augment(images, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, outputs := range [][]*tensors.Tensor{first, second} {
		for _, output := range outputs {
			require.Equal(t, []int{2, 3, 224, 224}, output.Shape().Dimensions)
		}
	}
	assert.Equal(t, tensors.MustCopyFlatData[float32](first[0]), tensors.MustCopyFlatData[float32](second[0]),
		"raw view must not depend on the augmentation seed")
	assert.NotEqual(t, tensors.MustCopyFlatData[float32](first[1]), tensors.MustCopyFlatData[float32](second[1]))

	// The raw view is the Basic pipeline.
	basic, err := New(backend, augment.DefaultConfig(augment.Basic))
	require.NoError(t, err)
	defer basic.Finalize()
	want, err := basic.Augment(images, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](want[0]), tensors.MustCopyFlatData[float32](first[0]), 1e-5)
}

func TestFinalize(t *testing.T) {
	p, err := New(graphtest.BuildTestBackend(), augment.DefaultConfig(augment.Basic))
	require.NoError(t, err)
	p.Finalize()
	p.Finalize()
	_, err = p.Augment([]*pixels.Image{pixels.New(10, 10, 3)}, rand.New(rand.NewSource(1)))
	require.Error(t, err)
}

func TestColorTwistIdentity(t *testing.T) {
	matrix, offset := ColorTwist{Saturation: 1, Contrast: 1, Brightness: 1}.Affine()
	for i := range 3 {
		for j := range 3 {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, matrix[i][j], 2e-3, "entry (%d, %d)", i, j)
		}
		assert.Equal(t, 0.0, offset[i])
	}

	// Zero saturation maps all colors to gray.
	matrix, _ = ColorTwist{Saturation: 0, Contrast: 1, Brightness: 1}.Affine()
	for j := range 3 {
		assert.InDelta(t, matrix[0][j], matrix[1][j], 1e-9)
		assert.InDelta(t, matrix[0][j], matrix[2][j], 1e-9)
	}
}

func TestBlurMatrix(t *testing.T) {
	assert.Equal(t, 1, reflect101(-1, 10))
	assert.Equal(t, 2, reflect101(-2, 10))
	assert.Equal(t, 8, reflect101(10, 10))
	assert.Equal(t, 7, reflect101(11, 10))
	assert.InDelta(t, 1.1, BlurSigma, 1e-9)
	m := blurMatrix(10)
	for _, row := range m {
		var sum float32
		for _, v := range row {
			sum += v
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
	// Symmetric window, so the middle row is symmetric around the diagonal.
	assert.InDelta(t, m[5][4], m[5][6], 1e-6)
}

func TestRandomRotation(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	counts := map[int32]int{}
	const n = 10_000
	for range n {
		counts[RandomRotation(rng)]++
	}
	assert.Len(t, counts, 3)
	assert.InDelta(t, 0.8, float64(counts[0])/n, 0.03)
	assert.InDelta(t, 0.1, float64(counts[1])/n, 0.02)
	assert.InDelta(t, 0.1, float64(counts[3])/n, 0.02)
}
