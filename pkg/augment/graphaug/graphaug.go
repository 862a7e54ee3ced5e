// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphaug implements the batched augmentation pipelines as fused GoMLX computation
// graphs, executed by a backend (possibly on an accelerator).
//
// Images of arbitrary sizes are placed on the host into a fixed-size uint8 canvas, together
// with their geometry (original size, border and resize). The graph then computes, for every
// output pixel, the composition of rotation, center crop, resize and synthetic border, and
// samples the canvas once. The remaining stages (blur, color twist, jitter, affine and water
// warps) operate on the batch of crops.
//
// Batches of images that all share the same size skip the canvas: they are sent as they are,
// and the synthetic border is added on device with border.Pad over a border.Device.
//
// The random parameters of each sample (resize, rotation, color twist, warp matrix) are drawn on
// the host from the *rand.Rand given to Augment; the pixel jitter uses the graph random number
// generator, seeded from the same *rand.Rand.
package graphaug

import (
	"math"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/augment/warp"
	"github.com/yushanml/yushan/pkg/border"
	"github.com/yushanml/yushan/pkg/pixels"
	"k8s.io/klog/v2"
)

// WarpFn returns the affine warp matrix for one sample of the NoisyStudent augmented view.
// It is called concurrently, always with a *rand.Rand owned by the caller.
type WarpFn func(rng *rand.Rand) warp.Matrix

// Pipeline executes one of the graph augmentation modes.
type Pipeline struct {
	cfg         augment.Config
	mode        border.Mode
	backend     backends.Backend
	exec        *Exec
	uniformExec *Exec
	warpFn      WarpFn

	mu            sync.Mutex
	finished      bool
	uniformShapes map[[3]int]bool
}

// MaxUniformShapes is the number of (batchSize, height, width) shapes of same-size batches
// compiled by a Pipeline. Other same-size batches go through the canvas.
const MaxUniformShapes = 8

// New creates a graph pipeline for the configuration kind, which must be one of augment.Basic,
// augment.Rotate, augment.Water or augment.NoisyStudent.
//
// The graph is compiled on the first call to Augment, and recompiled for each new batch size.
func New(backend backends.Backend, cfg augment.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Kind.IsGraph() {
		return nil, errors.Wrapf(augment.ErrConfiguration, "pipeline kind %s is not a graph pipeline", cfg.Kind)
	}
	p := &Pipeline{cfg: cfg, backend: backend, mode: border.Replicate, uniformShapes: make(map[[3]int]bool)}
	if cfg.Border {
		var err error
		p.mode, err = cfg.BorderMode()
		if err != nil {
			return nil, err
		}
	}
	center := float64(cfg.CropSize) / 2
	p.warpFn = func(rng *rand.Rand) warp.Matrix { return warp.Generate(rng, center, center) }

	var buildFn func(uniform bool, inputs []*Node) []*Node
	switch cfg.Kind {
	case augment.Basic, augment.Rotate:
		buildFn = p.buildRotate
	case augment.Water:
		buildFn = p.buildWater
	case augment.NoisyStudent:
		buildFn = p.buildNoisyStudent
	default:
		return nil, errors.Wrapf(augment.ErrConfiguration, "pipeline kind %s is not a graph pipeline", cfg.Kind)
	}
	var err error
	p.exec, err = NewExec(backend, func(inputs []*Node) []*Node { return buildFn(false, inputs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "creating graph pipeline %s", cfg.Kind)
	}
	p.exec.WithName("graphaug_" + cfg.Kind.String())
	p.uniformExec, err = NewExec(backend, func(inputs []*Node) []*Node { return buildFn(true, inputs) })
	if err != nil {
		p.exec.Finalize()
		return nil, errors.WithMessagef(err, "creating graph pipeline %s", cfg.Kind)
	}
	p.uniformExec.WithName("graphaug_uniform_" + cfg.Kind.String()).SetMaxCache(MaxUniformShapes)
	return p, nil
}

// WithWarp replaces the generator of the affine warp matrices. It must be called before Augment.
func (p *Pipeline) WithWarp(fn WarpFn) *Pipeline {
	p.warpFn = fn
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() augment.Config { return p.cfg }

// NumOutputs returns the number of tensors returned by Augment.
func (p *Pipeline) NumOutputs() int { return p.cfg.Kind.NumOutputs() }

// Augment transforms a batch of host images. It returns float32 tensors shaped
// [batchSize, channels, CropSize, CropSize] with values in [0, 1]: the raw and the augmented
// views for augment.NoisyStudent, or a single tensor otherwise.
func (p *Pipeline) Augment(images []*pixels.Image, rng *rand.Rand) ([]*tensors.Tensor, error) {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()
	if finished {
		return nil, errors.Errorf("graph pipeline %s used after Finalize", p.cfg.Kind)
	}
	if len(images) == 0 {
		return nil, errors.New("graphaug.Augment needs at least one image")
	}
	exec := p.exec
	var canvas *tensors.Tensor
	var geo []geometry
	var err error
	if p.useUniform(images) {
		exec = p.uniformExec
		canvas, geo, err = p.placeUniform(images)
	} else {
		canvas, geo, err = p.place(images)
	}
	if err != nil {
		return nil, err
	}

	var args []any
	switch p.cfg.Kind {
	case augment.Basic:
		p.fixedGeometry(geo)
		args = []any{canvas, geometryTensor(geo)}
	case augment.Rotate, augment.Water:
		p.randomGeometry(geo, rng)
		args = []any{canvas, geometryTensor(geo)}
	case augment.NoisyStudent:
		raw := cloneGeometry(geo)
		p.fixedGeometry(raw)
		p.randomGeometry(geo, rng)
		twists := make([]ColorTwist, len(images))
		for ii := range twists {
			twists[ii] = RandomColorTwist(rng)
		}
		args = []any{canvas, geometryTensor(raw), geometryTensor(geo), twistTensor(twists)}
		if p.cfg.Warp {
			matrices := make([]warp.Matrix, len(images))
			for ii := range matrices {
				matrices[ii] = p.warpFn(rng)
			}
			args = append(args, warp.ToTensor(matrices))
		}
		rngState, err := RNGStateFromSeed(rng.Int63())
		if err != nil {
			return nil, errors.WithMessage(err, "seeding graph random number generator")
		}
		args = append(args, rngState)
	}
	defer func() {
		for _, arg := range args {
			arg.(*tensors.Tensor).FinalizeAll()
		}
	}()
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "executing graph pipeline %s on %d images", p.cfg.Kind, len(images))
	}
	if p.cfg.Kind == augment.NoisyStudent {
		// The updated generator state is not reused: each batch is seeded from rng.
		outputs[2].FinalizeAll()
		outputs = outputs[:2]
	}
	return outputs, nil
}

// Finalize releases the compiled graphs. The Pipeline can't be used afterward.
func (p *Pipeline) Finalize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.exec.Finalize()
	p.uniformExec.Finalize()
}

// useUniform returns whether the batch goes through the same-size path: it needs at least two
// images of the same height and width that fit the canvas, and a free slot among MaxUniformShapes.
func (p *Pipeline) useUniform(images []*pixels.Image) bool {
	if len(images) < 2 {
		return false
	}
	height, width := images[0].Height, images[0].Width
	if height > p.cfg.CanvasSize || width > p.cfg.CanvasSize {
		return false
	}
	for _, img := range images[1:] {
		if img.Height != height || img.Width != width {
			return false
		}
	}
	key := [3]int{len(images), height, width}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.uniformShapes[key] {
		return true
	}
	if len(p.uniformShapes) >= MaxUniformShapes {
		return false
	}
	p.uniformShapes[key] = true
	return true
}

// geometry of one sample, see the col* constants.
type geometry [numGeometry]int32

func cloneGeometry(geo []geometry) []geometry {
	return append([]geometry(nil), geo...)
}

func geometryTensor(geo []geometry) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Int32, len(geo), numGeometry))
	tensors.MustMutableFlatData[int32](t, func(flat []int32) {
		for ii, row := range geo {
			copy(flat[ii*numGeometry:], row[:])
		}
	})
	return t
}

// place copies the images to the top-left of a uint8 RGB canvas shaped [batchSize, size, size, 3],
// and returns their size and border geometry. Images larger than the canvas are downscaled to fit.
func (p *Pipeline) place(images []*pixels.Image) (*tensors.Tensor, []geometry, error) {
	size := p.cfg.CanvasSize
	geo := make([]geometry, len(images))
	canvas := tensors.FromShape(shapes.Make(dtypes.Uint8, len(images), size, size, 3))
	var err error
	tensors.MustMutableFlatData[uint8](canvas, func(flat []uint8) {
		for ii, img := range images {
			if err = img.Validate(); err != nil {
				err = errors.WithMessagef(err, "image #%d", ii)
				return
			}
			if img.Height > size || img.Width > size {
				klog.V(2).Infof("graphaug: downscaling image #%d shaped (%d, %d) to fit canvas of %d", ii, img.Height, img.Width, size)
				img = pixels.FromImage(imaging.Fit(img.ToImage(), size, size, imaging.Linear))
			}
			copyRGB(flat[ii*size*size*3:], size, img)
			g := &geo[ii]
			g[colHeight], g[colWidth] = int32(img.Height), int32(img.Width)
			g[colPaddedHeight], g[colPaddedWidth] = int32(img.Height), int32(img.Width)
			if p.cfg.Border {
				sides := border.SquareSides(img.Height, img.Width, p.mode)
				g[colTop], g[colLeft] = int32(sides.Top), int32(sides.Left)
				g[colPaddedHeight] += int32(sides.Top + sides.Bottom)
				g[colPaddedWidth] += int32(sides.Left + sides.Right)
			}
		}
	})
	if err != nil {
		canvas.FinalizeAll()
		return nil, nil, err
	}
	return canvas, geo, nil
}

// placeUniform returns the images, all of the same size, as a uint8 RGB tensor shaped
// [batchSize, height, width, 3]. The border is added by the graph, so the geometry describes the
// already padded images.
func (p *Pipeline) placeUniform(images []*pixels.Image) (*tensors.Tensor, []geometry, error) {
	height, width := images[0].Height, images[0].Width
	paddedHeight, paddedWidth := height, width
	if p.cfg.Border {
		sides := border.SquareSides(height, width, p.mode)
		paddedHeight += sides.Top + sides.Bottom
		paddedWidth += sides.Left + sides.Right
	}
	geo := make([]geometry, len(images))
	t := tensors.FromShape(shapes.Make(dtypes.Uint8, len(images), height, width, 3))
	var err error
	tensors.MustMutableFlatData[uint8](t, func(flat []uint8) {
		for ii, img := range images {
			if err = img.Validate(); err != nil {
				err = errors.WithMessagef(err, "image #%d", ii)
				return
			}
			copyRGB(flat[ii*height*width*3:], width, img)
			g := &geo[ii]
			g[colHeight], g[colWidth] = int32(paddedHeight), int32(paddedWidth)
			g[colPaddedHeight], g[colPaddedWidth] = int32(paddedHeight), int32(paddedWidth)
		}
	})
	if err != nil {
		t.FinalizeAll()
		return nil, nil, err
	}
	return t, geo, nil
}

// copyRGB copies img to the top-left of flat, an RGB image with rowWidth pixels per row.
// Gray images are replicated to the 3 channels.
func copyRGB(flat []uint8, rowWidth int, img *pixels.Image) {
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			src := img.Offset(y, x)
			dst := (y*rowWidth + x) * 3
			if img.Channels == 1 {
				v := img.Pix[src]
				flat[dst], flat[dst+1], flat[dst+2] = v, v, v
			} else {
				copy(flat[dst:dst+3], img.Pix[src:src+3])
			}
		}
	}
}

// fixedGeometry sets the deterministic resize and no rotation.
func (p *Pipeline) fixedGeometry(geo []geometry) {
	for ii := range geo {
		geo[ii][colResizeHeight] = int32(p.cfg.FixedResize)
		geo[ii][colResizeWidth] = int32(p.cfg.FixedResize)
		geo[ii][colRotation] = 0
	}
}

// randomGeometry draws the resize dimensions independently, and for the rotating kinds a
// rotation of 0 (80%), +90 (10%) or -90 (10%) degrees.
func (p *Pipeline) randomGeometry(geo []geometry, rng *rand.Rand) {
	span := p.cfg.ResizeMax - p.cfg.ResizeMin
	for ii := range geo {
		geo[ii][colResizeHeight] = int32(p.cfg.ResizeMin + rng.Intn(span))
		geo[ii][colResizeWidth] = int32(p.cfg.ResizeMin + rng.Intn(span))
		geo[ii][colRotation] = 0
		if p.cfg.Kind != augment.Water {
			geo[ii][colRotation] = RandomRotation(rng)
		}
	}
}

// RandomRotation returns the number of counter-clockwise quarter turns: 0 with probability 0.8,
// 1 (+90 degrees) or 3 (-90 degrees) with probability 0.1 each.
func RandomRotation(rng *rand.Rand) int32 {
	p := rng.Float64()
	switch {
	case p < 0.8:
		return 0
	case p < 0.9:
		return 1
	default:
		return 3
	}
}

func (p *Pipeline) gray() bool { return p.cfg.Approach.Has(augment.Gray) }

// source converts the images input to float32 and returns it with the border mode left for
// resizeCropRotate. Same-size batches (uniform) are padded here, on device, so the sampling
// only ever reads inside them.
func (p *Pipeline) source(images *Node, uniform bool) (*Node, border.Mode) {
	img := toFloat(images)
	if !uniform || !p.cfg.Border {
		return img, p.mode
	}
	padded, err := border.Pad(border.Device{Node: img}, p.mode)
	if err != nil {
		panic(errors.WithMessagef(err, "padding images shaped %s", images.Shape()))
	}
	return padded.Node, border.Replicate
}

// buildRotate builds Basic and Rotate: the rotation, if any, is part of the geometry.
func (p *Pipeline) buildRotate(uniform bool, inputs []*Node) []*Node {
	src, mode := p.source(inputs[0], uniform)
	img := resizeCropRotate(src, inputs[1], mode, p.cfg.CropSize)
	return []*Node{finish(img, p.gray())}
}

func (p *Pipeline) buildWater(uniform bool, inputs []*Node) []*Node {
	src, mode := p.source(inputs[0], uniform)
	img := resizeCropRotate(src, inputs[1], mode, p.cfg.CropSize)
	return []*Node{finish(water(img), p.gray())}
}

// buildNoisyStudent builds both views from the same images. Inputs: canvas (or same-size
// images), raw geometry, augmented geometry, color twists, [warp matrices,] random number
// generator state.
func (p *Pipeline) buildNoisyStudent(uniform bool, inputs []*Node) []*Node {
	src, mode := p.source(inputs[0], uniform)
	raw := resizeCropRotate(src, inputs[1], mode, p.cfg.CropSize)

	aug := resizeCropRotate(src, inputs[2], mode, p.cfg.CropSize)
	aug = blur(aug)
	aug = twist(aug, inputs[3])
	rngState := inputs[len(inputs)-1]
	rngState, aug = jitter(rngState, aug)
	if p.cfg.Warp {
		aug = affine(aug, inputs[4])
	}
	return []*Node{finish(raw, p.gray()), finish(aug, p.gray()), rngState}
}

// ColorTwist holds the parameters of a color transformation.
type ColorTwist struct {
	// Saturation and Contrast scale around gray and around mid-range (128) respectively.
	Saturation, Contrast float64

	// Brightness multiplies the final values.
	Brightness float64

	// Hue rotates the chroma plane, in degrees.
	Hue float64
}

// RandomColorTwist draws saturation and contrast in [0.5, 1.5], brightness in [0.875, 1.125] and
// hue in [-0.5, 0.5] degrees.
func RandomColorTwist(rng *rand.Rand) ColorTwist {
	uniform := func(lo, hi float64) float64 { return lo + (hi-lo)*rng.Float64() }
	return ColorTwist{
		Saturation: uniform(0.5, 1.5),
		Contrast:   uniform(0.5, 1.5),
		Brightness: uniform(0.875, 1.125),
		Hue:        uniform(-0.5, 0.5),
	}
}

var (
	rgbToYIQ = [3][3]float64{
		{0.299, 0.587, 0.114},
		{0.596, -0.274, -0.321},
		{0.211, -0.523, 0.311},
	}
	yiqToRGB = [3][3]float64{
		{1, 0.956, 0.621},
		{1, -0.272, -0.647},
		{1, -1.107, 1.705},
	}
)

func mul3(a, b [3][3]float64) (c [3][3]float64) {
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				c[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return
}

// Affine returns the 3x3 matrix and the offset such that the twisted color is matrix·rgb + offset.
//
// Hue and saturation are applied in the YIQ space, then the contrast around 128 and the brightness.
func (ct ColorTwist) Affine() (matrix [3][3]float64, offset [3]float64) {
	rad := ct.Hue * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	hueSat := [3][3]float64{
		{1, 0, 0},
		{0, ct.Saturation * cos, -ct.Saturation * sin},
		{0, ct.Saturation * sin, ct.Saturation * cos},
	}
	matrix = mul3(yiqToRGB, mul3(hueSat, rgbToYIQ))
	for i := range 3 {
		for j := range 3 {
			matrix[i][j] *= ct.Brightness * ct.Contrast
		}
		offset[i] = ct.Brightness * (1 - ct.Contrast) * 128
	}
	return
}

func twistTensor(twists []ColorTwist) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(twists), 3, 4))
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		for ii, ct := range twists {
			matrix, offset := ct.Affine()
			for i := range 3 {
				row := flat[ii*12+i*4:]
				row[0], row[1], row[2] = float32(matrix[i][0]), float32(matrix[i][1]), float32(matrix[i][2])
				row[3] = float32(offset[i])
			}
		}
	})
	return t
}
