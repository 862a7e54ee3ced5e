// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package warp generates random near-identity affine transforms, used to distort the augmented
// view of images in noisy-student training.
package warp

import (
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// MaxJitter bounds the uniform noise added to each entry of the linear part of the transform.
const MaxJitter = 0.2

// Matrix is a 2x3 affine transform in homogeneous coordinates (the last row, always {0, 0, 1},
// is dropped). It maps destination pixel coordinates (x, y) to source coordinates.
type Matrix [2][3]float32

// Identity transform.
var Identity = Matrix{{1, 0, 0}, {0, 1, 0}}

type mat3 [3][3]float64

func (a mat3) mul(b mat3) (c mat3) {
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				c[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return
}

func translation(dx, dy float64) mat3 {
	return mat3{{1, 0, dx}, {0, 1, dy}, {0, 0, 1}}
}

// Generate returns a random transform centered on (cx, cy): the coordinates are translated to
// the center, transformed by a linear map whose entries are the identity plus independent
// uniform noise in [-MaxJitter, MaxJitter], and translated back.
//
// It uses only rng, so concurrent callers are safe as long as each has its own *rand.Rand.
func Generate(rng *rand.Rand, cx, cy float64) Matrix {
	u := func() float64 { return (2*rng.Float64() - 1) * MaxJitter }
	m := mat3{
		{1 + u(), u(), 0},
		{u(), 1 + u(), 0},
		{0, 0, 1},
	}
	full := translation(cx, cy).mul(m.mul(translation(-cx, -cy)))
	var out Matrix
	for i := range 2 {
		for j := range 3 {
			out[i][j] = float32(full[i][j])
		}
	}
	return out
}

// Apply maps the point (x, y).
func (m Matrix) Apply(x, y float32) (float32, float32) {
	return m[0][0]*x + m[0][1]*y + m[0][2], m[1][0]*x + m[1][1]*y + m[1][2]
}

// Det returns the determinant of the linear part.
func (m Matrix) Det() float64 {
	return float64(m[0][0])*float64(m[1][1]) - float64(m[0][1])*float64(m[1][0])
}

// Generator is a source of transforms for callers that don't keep their own random number
// generator. It is safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	cx, cy float64
}

// NewGenerator returns a Generator of transforms centered on (cx, cy).
func NewGenerator(seed int64, cx, cy float64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), cx: cx, cy: cy}
}

// Next returns a new random transform.
func (g *Generator) Next() Matrix {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Generate(g.rng, g.cx, g.cy)
}

// Batch returns n independently drawn transforms.
func (g *Generator) Batch(n int) []Matrix {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Matrix, n)
	for ii := range out {
		out[ii] = Generate(g.rng, g.cx, g.cy)
	}
	return out
}

// ToTensor stacks the matrices in a float32 tensor shaped [len(matrices), 2, 3].
func ToTensor(matrices []Matrix) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(matrices), 2, 3))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii, m := range matrices {
			copy(flat[ii*6:], m[0][:])
			copy(flat[ii*6+3:], m[1][:])
		}
	})
	return t
}
