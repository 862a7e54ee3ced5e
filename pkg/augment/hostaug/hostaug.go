// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostaug implements the CPU augmentation pipelines: each image is transformed
// independently on the host, using github.com/disintegration/imaging for the resampling steps.
//
// There are two variants, selected by the kind in the configuration:
//
//   - augment.Host: optional gray, border, random resize, center crop, occasional rotation.
//   - augment.HostSecondSource: for scanned documents. Crops the margins of a 300x300 source,
//     adds white/wrapped borders, simulates print artifacts and stray pen lines, then resizes,
//     crops, blurs and rotates.
//
// Randomness only comes from the *rand.Rand passed to each call, so a Pipeline can be used
// concurrently as long as each goroutine has its own random number generator.
package hostaug

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/border"
	"github.com/yushanml/yushan/pkg/pixels"
)

// Pipeline transforms host images to square crops.
type Pipeline struct {
	cfg  augment.Config
	mode border.Mode
}

// New creates a host pipeline. The configuration kind must be augment.Host or augment.HostSecondSource.
func New(cfg augment.Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{cfg: cfg}
	switch cfg.Kind {
	case augment.Host:
		if cfg.Border {
			var err error
			p.mode, err = cfg.BorderMode()
			if err != nil {
				return nil, err
			}
		}
	case augment.HostSecondSource:
	default:
		return nil, errors.Wrapf(augment.ErrConfiguration, "pipeline kind %s is not a host pipeline", cfg.Kind)
	}
	return p, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() augment.Config { return p.cfg }

// Apply transforms one image, returning a CropSize x CropSize image, with 1 channel if the
// approach includes augment.Gray, 3 otherwise.
func (p *Pipeline) Apply(img *pixels.Image, rng *rand.Rand) (*pixels.Image, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if p.cfg.Kind == augment.HostSecondSource {
		return p.secondSource(img, rng)
	}
	return p.standard(img, rng)
}

func (p *Pipeline) standard(img *pixels.Image, rng *rand.Rand) (*pixels.Image, error) {
	gray := p.cfg.Approach.Has(augment.Gray)
	if gray {
		img = img.Gray()
	}
	if p.cfg.Border {
		var err error
		img, err = border.Pad(img, p.mode)
		if err != nil {
			return nil, err
		}
	}
	h, w := p.randomSize(rng)
	var out image.Image = imaging.Resize(img.ToImage(), w, h, imaging.Linear)
	out = imaging.CropCenter(out, p.cfg.CropSize, p.cfg.CropSize)
	out = rotate90(out, quarterTurns(rng, p.cfg.RotateProbability))
	return finish(out, gray), nil
}

// quarterTurns draws the counter-clockwise rotation in quarter turns: with the given probability
// the rotation is applied, and then the number of turns is uniform in [0, 4). So 0 can be drawn
// even when the rotation is applied, and the image stays upright with probability 1-0.75·probability.
func quarterTurns(rng *rand.Rand, probability float64) int {
	if rng.Float64() >= probability {
		return 0
	}
	return rng.Intn(4)
}

// randomSize draws the height and width of the random resize independently.
func (p *Pipeline) randomSize(rng *rand.Rand) (h, w int) {
	span := p.cfg.ResizeMax - p.cfg.ResizeMin
	h = p.cfg.ResizeMin + rng.Intn(span)
	w = p.cfg.ResizeMin + rng.Intn(span)
	return
}

// rotate90 rotates counter-clockwise by k times 90 degrees.
func rotate90(img image.Image, k int) image.Image {
	switch k % 4 {
	case 1:
		return imaging.Rotate90(img)
	case 2:
		return imaging.Rotate180(img)
	case 3:
		return imaging.Rotate270(img)
	}
	return img
}

// finish converts the output of imaging back to a pixel buffer, with a single channel if gray.
func finish(img image.Image, gray bool) *pixels.Image {
	out := pixels.FromImage(img)
	if gray {
		out = out.Gray()
	}
	return out
}

// Tensor applies the pipeline to each image, using rngs[i] for images[i], and returns the
// normalized batch shaped [batch, channels, CropSize, CropSize].
func (p *Pipeline) Tensor(images []*pixels.Image, rngs []*rand.Rand) (*tensors.Tensor, error) {
	if len(images) != len(rngs) {
		return nil, errors.Errorf("hostaug.Tensor got %d images but %d random number generators", len(images), len(rngs))
	}
	outs := make([]*pixels.Image, len(images))
	for ii, img := range images {
		var err error
		outs[ii], err = p.Apply(img, rngs[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "augmenting image #%d", ii)
		}
	}
	return pixels.ToTensor(outs)
}
