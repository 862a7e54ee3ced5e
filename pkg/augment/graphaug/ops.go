// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphaug

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/yushanml/yushan/pkg/border"
)

// Columns of the per-sample geometry input, an int32 tensor shaped [batchSize, numGeometry].
const (
	colHeight = iota
	colWidth
	colTop
	colLeft
	colPaddedHeight
	colPaddedWidth
	colResizeHeight
	colResizeWidth
	colRotation
	numGeometry
)

// Water warp parameters: amplitude in pixels and frequency in radians per pixel.
const (
	WaterAmplitude = 10.0
	WaterFrequency = 2 * math.Pi / 128
)

// Blur parameters: a 5x5 Gaussian window with OpenCV's default sigma for that size.
const (
	BlurWindow = 5
	BlurSigma  = 0.3*((BlurWindow-1)*0.5-1) + 0.8
)

// geometryColumn returns column i of geometry reshaped to [batchSize, 1, 1], ready to be broadcast
// over the output pixel grid.
func geometryColumn(geometry *Node, i int) *Node {
	batchSize := geometry.Shape().Dimensions[0]
	return Reshape(Slice(geometry, AxisRange(), AxisElem(i)), batchSize, 1, 1)
}

func toFloat(x *Node) *Node {
	return ConvertDType(x, dtypes.Float32)
}

func toInt(x *Node) *Node {
	return ConvertDType(x, dtypes.Int32)
}

// grid returns the batch, row and column indices of every output pixel, each shaped
// [batchSize, size, size].
func grid(g *Graph, batchSize, size int) (b, y, x *Node) {
	shape := shapes.Make(dtypes.Int32, batchSize, size, size)
	return Iota(g, shape, 0), Iota(g, shape, 1), Iota(g, shape, 2)
}

// rotateCoords maps the coordinates of a size x size output rotated counter-clockwise by
// rotation quarter turns (shaped [batchSize, 1, 1]) to the coordinates before the rotation.
func rotateCoords(y, x, rotation *Node, size int) (ry, rx *Node) {
	g := y.Graph()
	dims := y.Shape().Dimensions
	last := Const(g, int32(size-1))
	flipY, flipX := Sub(last, y), Sub(last, x)
	is := func(k int32) *Node {
		return BroadcastToDims(Equal(rotation, Const(g, k)), dims...)
	}
	ry = Where(is(1), x, Where(is(2), flipY, Where(is(3), flipX, y)))
	rx = Where(is(1), flipY, Where(is(2), flipX, Where(is(3), y, x)))
	return
}

// bilinear interpolates the values returned by read at the fractional coordinates (fy, fx),
// clamped to [0, maxY] x [0, maxX]. read takes integer coordinates shaped like fy and returns
// values shaped [fy..., channels].
func bilinear(fy, fx, maxY, maxX *Node, read func(y, x *Node) *Node) *Node {
	fy = Max(Min(fy, maxY), ZerosLike(fy))
	fx = Max(Min(fx, maxX), ZerosLike(fx))
	y0, x0 := Floor(fy), Floor(fx)
	y1, x1 := Min(AddScalar(y0, 1), maxY), Min(AddScalar(x0, 1), maxX)
	wy, wx := InsertAxes(Sub(fy, y0), -1), InsertAxes(Sub(fx, x0), -1)
	iy0, iy1, ix0, ix1 := toInt(y0), toInt(y1), toInt(x0), toInt(x1)
	v00, v01 := read(iy0, ix0), read(iy0, ix1)
	v10, v11 := read(iy1, ix0), read(iy1, ix1)
	top := Add(v00, Mul(Sub(v01, v00), wx))
	bottom := Add(v10, Mul(Sub(v11, v10), wx))
	return Add(top, Mul(Sub(bottom, top), wy))
}

// readImage returns a read function for bilinear over img shaped [batchSize, height, width, channels].
func readImage(img, batchIdx *Node) func(y, x *Node) *Node {
	return func(y, x *Node) *Node {
		return Gather(img, Stack([]*Node{batchIdx, y, x}, 3))
	}
}

// resizeCropRotate is the first stage of every pipeline: for each output pixel it composes the
// rotation, the center crop, the resize and the synthetic border, and samples the canvas
// (float32 [batchSize, canvasSize, canvasSize, channels]) bilinearly at the resulting position.
//
// Each sample sits at the top-left corner of its canvas, with the dimensions given by geometry.
func resizeCropRotate(canvas, geometry *Node, mode border.Mode, cropSize int) *Node {
	g := canvas.Graph()
	batchSize := canvas.Shape().Dimensions[0]
	col := func(i int) *Node { return geometryColumn(geometry, i) }
	height, width := col(colHeight), col(colWidth)
	top, left := col(colTop), col(colLeft)
	paddedHeight, paddedWidth := col(colPaddedHeight), col(colPaddedWidth)
	resizeHeight, resizeWidth := col(colResizeHeight), col(colResizeWidth)

	batchIdx, y, x := grid(g, batchSize, cropSize)
	y, x = rotateCoords(y, x, col(colRotation), cropSize)

	// Position in the resized image, after the center crop offset.
	crop := Const(g, int32(cropSize))
	y = Add(y, Div(Sub(resizeHeight, crop), Const(g, int32(2))))
	x = Add(x, Div(Sub(resizeWidth, crop), Const(g, int32(2))))

	// Position in the padded image: pixel centers are aligned.
	scale := func(pos, from, to *Node) *Node {
		return AddScalar(Mul(AddScalar(toFloat(pos), 0.5), Div(toFloat(to), toFloat(from))), -0.5)
	}
	fy := scale(y, resizeHeight, paddedHeight)
	fx := scale(x, resizeWidth, paddedWidth)

	read := func(py, px *Node) *Node {
		sy, _ := border.SourceCoordNode(mode, py, top, height)
		sx, _ := border.SourceCoordNode(mode, px, left, width)
		return Gather(canvas, Stack([]*Node{batchIdx, sy, sx}, 3))
	}
	return bilinear(fy, fx,
		toFloat(AddScalar(paddedHeight, -1)), toFloat(AddScalar(paddedWidth, -1)),
		read)
}

// resample samples img [batchSize, size, size, channels] at the fractional coordinates (fy, fx),
// shaped [batchSize, size, size]. Coordinates outside the image are filled with zeros.
func resample(img, batchIdx, fy, fx *Node) *Node {
	g := img.Graph()
	size := img.Shape().Dimensions[1]
	maxPos := Scalar(g, dtypes.Float32, float64(size-1))
	zero := ZerosLike(fy)
	valid := LogicalAnd(
		LogicalAnd(GreaterOrEqual(fy, zero), LessOrEqual(fy, maxPos)),
		LogicalAnd(GreaterOrEqual(fx, zero), LessOrEqual(fx, maxPos)))
	out := bilinear(fy, fx, maxPos, maxPos, readImage(img, batchIdx))
	return Where(valid, out, ZerosLike(out))
}

// water applies the sinusoidal water distortion: output (x, y) samples the input at
// (x + A·sin(f·y), y + A·cos(f·x)).
func water(img *Node) *Node {
	g := img.Graph()
	dims := img.Shape().Dimensions
	batchIdx, y, x := grid(g, dims[0], dims[1])
	fy, fx := toFloat(y), toFloat(x)
	srcX := Add(fx, MulScalar(Sin(MulScalar(fy, WaterFrequency)), WaterAmplitude))
	srcY := Add(fy, MulScalar(Cos(MulScalar(fx, WaterFrequency)), WaterAmplitude))
	return resample(img, batchIdx, srcY, srcX)
}

// affine warps each image by its matrix (float32 [batchSize, 2, 3]), mapping destination
// coordinates (x, y) to source coordinates.
func affine(img, matrices *Node) *Node {
	g := img.Graph()
	dims := img.Shape().Dimensions
	batchIdx, y, x := grid(g, dims[0], dims[1])
	fy, fx := toFloat(y), toFloat(x)
	m := func(i, j int) *Node {
		return Reshape(Slice(matrices, AxisRange(), AxisElem(i), AxisElem(j)), dims[0], 1, 1)
	}
	srcX := Add(Add(Mul(m(0, 0), fx), Mul(m(0, 1), fy)), m(0, 2))
	srcY := Add(Add(Mul(m(1, 0), fx), Mul(m(1, 1), fy)), m(1, 2))
	return resample(img, batchIdx, srcY, srcX)
}

// jitter replaces every pixel by a random neighbor within a 2x2 window, drawn with the graph
// random number generator. It returns the updated generator state.
func jitter(rngState, img *Node) (newState, out *Node) {
	g := img.Graph()
	dims := img.Shape().Dimensions
	batchIdx, y, x := grid(g, dims[0], dims[1])
	offsetsShape := shapes.Make(dtypes.Int32, dims[0], dims[1], dims[2])
	var dy, dx *Node
	rngState, dy = RandomIntN(rngState, 2, offsetsShape)
	rngState, dx = RandomIntN(rngState, 2, offsetsShape)
	last := Const(g, int32(dims[1]-1))
	y = Min(Add(y, dy), last)
	x = Min(Add(x, dx), last)
	return rngState, readImage(img, batchIdx)(y, x)
}

// gaussianKernel returns the normalized 1D Gaussian window.
func gaussianKernel(window int, sigma float64) []float64 {
	kernel := make([]float64, window)
	center := float64(window-1) / 2
	var sum float64
	for ii := range kernel {
		d := float64(ii) - center
		kernel[ii] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[ii]
	}
	for ii := range kernel {
		kernel[ii] /= sum
	}
	return kernel
}

// reflect101 maps an out-of-range index to its mirror, excluding the edge pixel: -1 -> 1, n -> n-2.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*(n-1) - i
		}
	}
	return i
}

// blurMatrix returns the size x size matrix applying the 1D Gaussian window along one axis,
// with reflect-101 borders.
func blurMatrix(size int) [][]float32 {
	kernel := gaussianKernel(BlurWindow, BlurSigma)
	half := BlurWindow / 2
	m := make([][]float32, size)
	for row := range m {
		m[row] = make([]float32, size)
		for k, weight := range kernel {
			m[row][reflect101(row+k-half, size)] += float32(weight)
		}
	}
	return m
}

// blur applies the separable Gaussian blur to img shaped [batchSize, size, size, channels].
func blur(img *Node) *Node {
	g := img.Graph()
	m := Const(g, blurMatrix(img.Shape().Dimensions[1]))
	img = Einsum("yi,bixc->byxc", m, img)
	return Einsum("xj,byjc->byxc", m, img)
}

// twist applies a per-sample affine color transform: twists is float32 [batchSize, 3, 4], the
// first 3 columns a matrix applied to the RGB values and the last column an offset.
// The result is clipped to [0, 255].
func twist(img, twists *Node) *Node {
	batchSize := img.Shape().Dimensions[0]
	matrices := Slice(twists, AxisRange(), AxisRange(), AxisRange(0, 3))
	offsets := Reshape(Slice(twists, AxisRange(), AxisRange(), AxisRange(3, 4)), batchSize, 1, 1, 3)
	out := Add(Einsum("bij,byxj->byxi", matrices, img), offsets)
	return ClipScalar(out, 0, 255)
}

// luma converts RGB to a single channel with ITU-R 601 weights.
func luma(img *Node) *Node {
	g := img.Graph()
	weights := Const(g, [][][][]float32{{{{0.299, 0.587, 0.114}}}})
	return InsertAxes(ReduceSum(Mul(img, weights), 3), -1)
}

// finish converts [batchSize, height, width, channels] values in [0, 255] to channel-first
// values in [0, 1].
func finish(img *Node, gray bool) *Node {
	if gray {
		img = luma(img)
	}
	return DivScalar(TransposeAllDims(img, 0, 3, 1, 2), 255)
}
