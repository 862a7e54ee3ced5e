// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/augment/graphaug"
	"github.com/yushanml/yushan/pkg/augment/hostaug"
	"github.com/yushanml/yushan/pkg/pixels"
)

// Augmenter transforms a batch of images into normalized tensors.
// Both the host (hostaug) and the graph (graphaug) pipelines are Augmenters.
type Augmenter interface {
	// Augment returns NumOutputs tensors shaped [len(images), channels, crop, crop].
	Augment(images []*pixels.Image, rng *rand.Rand) ([]*tensors.Tensor, error)

	// NumOutputs is 2 for distillation (raw and augmented views) and 1 otherwise.
	NumOutputs() int

	// Finalize releases resources. The Augmenter can't be used afterward.
	Finalize()
}

var _ Augmenter = (*graphaug.Pipeline)(nil)

// HostAugmenter runs a hostaug.Pipeline on each image in a worker pool.
type HostAugmenter struct {
	pipeline *hostaug.Pipeline
	pool     *workerspool.Pool
}

// NewHostAugmenter wraps the host pipeline. A nil pool runs the images sequentially.
func NewHostAugmenter(pipeline *hostaug.Pipeline, pool *workerspool.Pool) *HostAugmenter {
	return &HostAugmenter{pipeline: pipeline, pool: pool}
}

// NumOutputs implements Augmenter.
func (h *HostAugmenter) NumOutputs() int { return 1 }

// Finalize implements Augmenter. There is nothing to release.
func (h *HostAugmenter) Finalize() {}

// Augment implements Augmenter. Each image gets its own random number generator, seeded in order from rng.
func (h *HostAugmenter) Augment(images []*pixels.Image, rng *rand.Rand) ([]*tensors.Tensor, error) {
	rngs := make([]*rand.Rand, len(images))
	for ii := range rngs {
		rngs[ii] = rand.New(rand.NewSource(rng.Int63()))
	}
	outs := make([]*pixels.Image, len(images))
	err := h.pool.Map(len(images), func(i int) error {
		var err error
		outs[i], err = h.pipeline.Apply(images[i], rngs[i])
		return errors.WithMessagef(err, "augmenting image #%d", i)
	})
	if err != nil {
		return nil, err
	}
	t, err := pixels.ToTensor(outs)
	if err != nil {
		return nil, err
	}
	return []*tensors.Tensor{t}, nil
}

// NewAugmenter builds the pipeline for cfg.Kind: graph kinds are compiled for backend, and host
// kinds run in pool.
func NewAugmenter(backend backends.Backend, cfg augment.Config, pool *workerspool.Pool) (Augmenter, error) {
	switch cfg.Kind {
	case augment.Basic, augment.Rotate, augment.Water, augment.NoisyStudent:
		if backend == nil {
			return nil, errors.Wrapf(augment.ErrConfiguration, "pipeline %s requires a backend", cfg.Kind)
		}
		p, err := graphaug.New(backend, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case augment.Host, augment.HostSecondSource:
		p, err := hostaug.New(cfg)
		if err != nil {
			return nil, err
		}
		return NewHostAugmenter(p, pool), nil
	default:
		return nil, errors.Wrapf(augment.ErrConfiguration, "unknown pipeline kind %s", cfg.Kind)
	}
}
