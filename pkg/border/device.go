// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package border

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// Device is a Buffer backed by a computation graph node shaped [height, width, channels], or
// [batchSize, height, width, channels] for a batch of images of the same size, all padded alike.
// Padding a Device adds the operations to its graph, so the padded image never leaves the device.
type Device struct {
	Node *graph.Node
}

func (d Device) batched() bool { return d.Node.Rank() == 4 }

// Dimensions implements Buffer. For batches it returns the dimensions of each image.
func (d Device) Dimensions() []int {
	dims := d.Node.Shape().Dimensions
	if d.batched() {
		return slices.Clone(dims[1:])
	}
	return slices.Clone(dims)
}

// Take implements Buffer with a single Gather. Filled positions read from an extra row of fill
// values appended below the image.
func (d Device) Take(rows, cols []int32, fill uint8) Device {
	x := d.Node
	g := x.Graph()
	if d.batched() {
		// Batch axis after the spatial ones, so the gathered slices are [batchSize, channels].
		x = graph.TransposeAllDims(x, 1, 2, 0, 3)
	}
	height := int32(x.Shape().Dimensions[0])

	indices := make([][][]int32, len(rows))
	needsFill := false
	for ii, row := range rows {
		indices[ii] = make([][]int32, len(cols))
		for jj, col := range cols {
			if row < 0 || col < 0 {
				needsFill = true
				indices[ii][jj] = []int32{height, 0}
				continue
			}
			indices[ii][jj] = []int32{row, col}
		}
	}
	if needsFill {
		fillDims := slices.Clone(x.Shape().Dimensions)
		fillDims[0] = 1
		fillRow := graph.BroadcastToDims(graph.Scalar(g, x.DType(), float64(fill)), fillDims...)
		x = graph.Concatenate([]*graph.Node{x, fillRow}, 0)
	}
	out := graph.Gather(x, graph.Const(g, indices))
	if d.batched() {
		out = graph.TransposeAllDims(out, 2, 0, 1, 3)
	}
	return Device{Node: out}
}

// SourceCoordNode maps integer positions along one axis of a padded image back to positions in
// the original image, for per-example border sizes only known at execution time.
//
// pos, border and dim must be integer nodes of the same rank (axes of dimension 1 are broadcast);
// border is the size of the border before the content, and dim the size of the content.
// It returns the source index (always within [0, dim)) and, for Constant borders, a boolean
// mask of positions inside the content. For other modes valid is nil.
func SourceCoordNode(mode Mode, pos, border, dim *graph.Node) (index, valid *graph.Node) {
	rel := graph.Sub(pos, border)
	last := graph.AddScalar(dim, -1)
	zero := graph.ZerosLike(rel)
	switch mode {
	case Wrap:
		index = graph.Mod(graph.Add(graph.Mod(rel, dim), dim), dim)
	case Replicate:
		index = graph.Max(graph.Min(rel, last), zero)
	default:
		valid = graph.LogicalAnd(graph.GreaterOrEqual(rel, zero), graph.LessThan(rel, dim))
		index = graph.Max(graph.Min(rel, last), zero)
	}
	if index.DType() != dtypes.Int32 {
		index = graph.ConvertDType(index, dtypes.Int32)
	}
	return
}
