// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier holds the image classification models, their training driver and the
// inference runner.
//
// Models are built under the "model" scope of a context.Context. A Backbone builds the logits and
// also describes how its variables are split into parameter groups, each trained with its own
// learning rate by GroupedSGD.
package classifier

import (
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// ModelScope is the scope, under the root, where the model variables are created.
const ModelScope = "model"

// Backbone builds a classification network.
type Backbone interface {
	// Name of the backbone, saved as ParamBackbone along the checkpoints.
	Name() string

	// Logits takes images shaped [batch, channels, height, width] and returns logits shaped
	// [batch, numClasses]. It's a graph building function and panics on error.
	Logits(ctx *context.Context, images *Node, numClasses int) *Node

	// Groups returns the parameter groups given the base learning rate. The last group has no
	// prefixes and catches every variable not matched by the others.
	Groups(learningRate float64) []ParamGroup
}

// ParamGroup is a set of variables, selected by scope prefixes relative to ModelScope, that share
// a learning rate.
type ParamGroup struct {
	Name         string
	Prefixes     []string
	LearningRate float64
}

// Matches returns whether the variable scope (absolute, e.g. "/model/head/dense") belongs to the group.
// root is the absolute scope the prefixes are relative to.
func (pg ParamGroup) Matches(root, scope string) bool {
	for _, prefix := range pg.Prefixes {
		full := joinScope(root, prefix)
		if scope == full || strings.HasPrefix(scope, full+context.ScopeSeparator) {
			return true
		}
	}
	return false
}

func joinScope(root, scope string) string {
	root = strings.TrimSuffix(root, context.ScopeSeparator)
	scope = strings.Trim(scope, context.ScopeSeparator)
	if scope == "" {
		return root
	}
	return root + context.ScopeSeparator + scope
}

// ValidateGroups checks that the groups are usable by GroupedSGD.
func ValidateGroups(groups []ParamGroup) error {
	if len(groups) == 0 {
		return errors.New("at least one parameter group is required")
	}
	names := make(map[string]bool, len(groups))
	for ii, group := range groups {
		if group.Name == "" {
			return errors.Errorf("parameter group #%d has no name", ii)
		}
		if names[group.Name] {
			return errors.Errorf("parameter group name %q used more than once", group.Name)
		}
		names[group.Name] = true
		if group.LearningRate <= 0 {
			return errors.Errorf("parameter group %q has learning rate %g, it must be > 0", group.Name, group.LearningRate)
		}
		last := ii == len(groups)-1
		if last && len(group.Prefixes) > 0 {
			return errors.Errorf("last parameter group %q must have no prefixes, it catches all remaining variables", group.Name)
		}
		if !last && len(group.Prefixes) == 0 {
			return errors.Errorf("parameter group %q has no prefixes, only the last group can be the catch-all", group.Name)
		}
	}
	return nil
}

var (
	// ParamBackbone is the name of the backbone, see KnownBackbones.
	ParamBackbone = "backbone"

	// ParamCNNWidth is the number of channels of the first convolution of the CNN backbone.
	// It doubles on each block of the body.
	ParamCNNWidth = "cnn_width"

	// ParamCNNBlocks is the number of convolution blocks in the body of the CNN backbone, each one halving
	// the spatial dimensions.
	ParamCNNBlocks = "cnn_blocks"

	// ParamGroupDivisors holds the divisors of the base learning rate for the "stem" and "body" groups.
	// The "head" group always uses the base learning rate.
	ParamGroupDivisors = "lr_group_divisors"
)

// KnownBackbones maps backbone names to their constructors.
var KnownBackbones = map[string]func(ctx *context.Context) Backbone{
	"cnn": func(ctx *context.Context) Backbone { return NewCNN(ctx) },
	"gray_cnn": func(ctx *context.Context) Backbone {
		return NewGray(NewCNN(ctx))
	},
}

// BackboneFromContext returns the backbone selected by ParamBackbone (default "cnn").
func BackboneFromContext(ctx *context.Context) (Backbone, error) {
	name := context.GetParamOr(ctx, ParamBackbone, "cnn")
	newFn, found := KnownBackbones[name]
	if !found {
		known := make([]string, 0, len(KnownBackbones))
		for k := range KnownBackbones {
			known = append(known, k)
		}
		slices.Sort(known)
		return nil, errors.Errorf("unknown backbone %q, valid values are %q", name, known)
	}
	return newFn(ctx), nil
}

// CNN is a plain convolutional backbone: a strided "stem" convolution, a "body" of
// convolution+max-pool blocks, and a "head" with global average pooling and a dense layer.
type CNN struct {
	Width, Blocks int

	// Divisors of the learning rate for the stem and body groups.
	StemDivisor, BodyDivisor float64
}

// NewCNN creates the CNN backbone configured from the context hyperparameters.
func NewCNN(ctx *context.Context) *CNN {
	divisors := context.GetParamOr(ctx, ParamGroupDivisors, []float64{100, 10})
	if len(divisors) != 2 {
		exceptions.Panicf("parameter %q must have 2 values (stem and body divisors), got %v", ParamGroupDivisors, divisors)
	}
	return &CNN{
		Width:       context.GetParamOr(ctx, ParamCNNWidth, 32),
		Blocks:      context.GetParamOr(ctx, ParamCNNBlocks, 3),
		StemDivisor: divisors[0],
		BodyDivisor: divisors[1],
	}
}

// Name implements Backbone.
func (c *CNN) Name() string { return "cnn" }

// Groups implements Backbone.
func (c *CNN) Groups(learningRate float64) []ParamGroup {
	return []ParamGroup{
		{Name: "stem", Prefixes: []string{"stem"}, LearningRate: learningRate / c.StemDivisor},
		{Name: "body", Prefixes: []string{"body"}, LearningRate: learningRate / c.BodyDivisor},
		{Name: "head", LearningRate: learningRate},
	}
}

// Logits implements Backbone.
func (c *CNN) Logits(ctx *context.Context, images *Node, numClasses int) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("CNN expects images shaped [batch, channels, height, width], got %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]

	// Convolutions work with the channels last.
	x := TransposeAllDims(images, 0, 2, 3, 1)

	stemCtx := ctx.In("stem")
	x = layers.Convolution(stemCtx, x).Channels(c.Width).KernelSize(3).Strides(2).PadSame().Done()
	x = batchnorm.New(stemCtx.In("norm"), x, -1).Done()
	x = activations.Relu(x)

	width := c.Width
	bodyCtx := ctx.In("body")
	for ii := range c.Blocks {
		if ii > 0 {
			width *= 2
		}
		blockCtx := bodyCtx.Inf("%03d_block", ii)
		x = layers.Convolution(blockCtx, x).Channels(width).KernelSize(3).PadSame().Done()
		x = batchnorm.New(blockCtx.In("norm"), x, -1).Done()
		x = activations.Relu(x)
		x = MaxPool(x).Window(2).Done()
	}

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	logits := layers.Dense(ctx.In("head"), x, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return logits
}

// Gray adapts a backbone to single channel (gray) images with a 1x1 convolution that maps
// the gray channel to the 3 channels the inner backbone expects.
//
// The adapter, in scope "gray_adapter", is trained with the head learning rate.
type Gray struct {
	Inner Backbone
}

// NewGray wraps inner with the gray adapter.
func NewGray(inner Backbone) *Gray { return &Gray{Inner: inner} }

// Name implements Backbone.
func (g *Gray) Name() string { return "gray_" + g.Inner.Name() }

// Groups implements Backbone: the adapter gets a group of its own, with the learning rate of the
// inner catch-all (head) group.
func (g *Gray) Groups(learningRate float64) []ParamGroup {
	inner := g.Inner.Groups(learningRate)
	groups := make([]ParamGroup, 0, len(inner)+1)
	groups = append(groups, ParamGroup{
		Name:         "gray_adapter",
		Prefixes:     []string{"gray_adapter"},
		LearningRate: inner[len(inner)-1].LearningRate,
	})
	return append(groups, inner...)
}

// Logits implements Backbone.
func (g *Gray) Logits(ctx *context.Context, images *Node, numClasses int) *Node {
	if images.Rank() != 4 || images.Shape().Dimensions[1] != 1 {
		exceptions.Panicf("Gray backbone expects images shaped [batch, 1, height, width], got %s", images.Shape())
	}
	x := TransposeAllDims(images, 0, 2, 3, 1)
	x = layers.Convolution(ctx.In("gray_adapter"), x).Channels(3).KernelSize(1).Done()
	x = TransposeAllDims(x, 0, 3, 1, 2)
	return g.Inner.Logits(ctx, x, numClasses)
}

// ModelFn returns the train.ModelFn for the backbone. The first input is the batch of images, the
// output is the logits.
func ModelFn(backbone Backbone, numClasses int) train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec
		return []*Node{backbone.Logits(ctx, inputs[0], numClasses)}
	}
}
