// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment holds the configuration shared by the image augmentation pipelines: the
// approach flags, the pipeline kinds and the sizes used by the resize and crop stages.
//
// The pipelines themselves live in the sub-packages hostaug (CPU, one image at a time) and
// graphaug (fused batched computation graphs, executed by a GoMLX backend).
package augment

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/border"
	"k8s.io/klog/v2"
)

// ErrConfiguration is returned at pipeline construction for unset or contradictory configurations.
var ErrConfiguration = errors.New("invalid augmentation configuration")

// Approach is a set of flags selecting the color space and the border strategy.
type Approach uint8

const (
	// Gray converts images to a single luma channel.
	Gray Approach = 1 << iota

	// Replicate borders extend the outermost rows/columns.
	Replicate

	// Wrap borders tile the image content.
	Wrap
)

// Has returns whether all flags in f are set.
func (a Approach) Has(f Approach) bool {
	return a&f == f
}

func (a Approach) String() string {
	var parts []string
	for _, f := range []struct {
		flag Approach
		name string
	}{{Gray, "gray"}, {Replicate, "replicate"}, {Wrap, "wrap"}} {
		if a.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// ParseApproach parses a list of flags separated by "+" or ",", e.g. "gray+wrap".
// The empty string and "none" are the empty set.
func ParseApproach(s string) (Approach, error) {
	var a Approach
	for _, part := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return r == '+' || r == ',' }) {
		switch strings.TrimSpace(part) {
		case "gray", "grey":
			a |= Gray
		case "replicate":
			a |= Replicate
		case "wrap":
			a |= Wrap
		case "none", "":
		default:
			return 0, errors.Wrapf(ErrConfiguration, "unknown approach flag %q in %q", part, s)
		}
	}
	return a, nil
}

// BorderChoice is the fallback border used when a border is required but the approach selects none.
type BorderChoice uint8

const (
	// BorderNone means there is no fallback: a required border with no mode is a configuration error.
	BorderNone BorderChoice = iota
	BorderReplicate
	BorderWrap
)

// PipelineKind selects one of the augmentation pipelines.
type PipelineKind uint8

const (
	// Basic is the deterministic validation/inference pipeline: border, fixed resize, center crop.
	Basic PipelineKind = iota

	// Rotate draws a random resize and a rotation of 0 or ±90 degrees.
	Rotate

	// Water is Rotate with a sinusoidal "water" warp instead of the rotation.
	Water

	// NoisyStudent emits a deterministic raw view and a heavily augmented view of every sample.
	NoisyStudent

	// Host is the CPU pipeline: border, random resize, center crop, occasional rotation.
	Host

	// HostSecondSource is the CPU pipeline for scanned documents, simulating print artifacts.
	HostSecondSource
)

var kindNames = []string{"basic", "rotate", "water", "noisy_student", "host", "host_second_source"}

func (k PipelineKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("PipelineKind(%d)", int(k))
}

// ParseKind is the inverse of PipelineKind.String.
func ParseKind(s string) (PipelineKind, error) {
	for ii, name := range kindNames {
		if strings.EqualFold(s, name) {
			return PipelineKind(ii), nil
		}
	}
	return 0, errors.Wrapf(ErrConfiguration, "unknown pipeline kind %q, valid kinds are %q", s, kindNames)
}

// IsGraph returns whether the kind is implemented by a computation graph (as opposed to the host).
func (k PipelineKind) IsGraph() bool {
	return k <= NoisyStudent
}

// NumOutputs is the number of image tensors generated per sample: 2 for NoisyStudent, 1 otherwise.
func (k PipelineKind) NumOutputs() int {
	if k == NoisyStudent {
		return 2
	}
	return 1
}

// Config of an augmentation pipeline. It is a value type: pipelines keep their own copy.
type Config struct {
	Kind     PipelineKind
	Approach Approach

	// Border selects whether a synthetic border is added to make images square before resizing.
	Border bool

	// BorderDefault is used when Border is set and Approach has neither Replicate nor Wrap.
	BorderDefault BorderChoice

	// CropSize is the side of the square output images.
	CropSize int

	// ResizeMin and ResizeMax bound the random resize, in [ResizeMin, ResizeMax).
	ResizeMin, ResizeMax int

	// FixedResize is the resize used by the deterministic pipelines, before the center crop.
	FixedResize int

	// CanvasSize is the side of the fixed-size buffer the graph pipelines receive images in.
	// Larger images are downscaled to fit first.
	CanvasSize int

	// RotateProbability is the chance of a 90 degrees multiple rotation in the Host pipeline.
	RotateProbability float64

	// Warp enables the externally generated affine warp in the NoisyStudent augmented branch.
	Warp bool
}

// DefaultConfig returns the configuration for the given kind with the default sizes and
// replicate borders.
func DefaultConfig(kind PipelineKind) Config {
	return Config{
		Kind:              kind,
		Approach:          Replicate,
		Border:            true,
		CropSize:          224,
		ResizeMin:         224,
		ResizeMax:         320,
		FixedResize:       248,
		CanvasSize:        512,
		RotateProbability: 0.2,
	}
}

// Validate checks the configuration; all errors wrap ErrConfiguration.
func (c Config) Validate() error {
	if int(c.Kind) >= len(kindNames) {
		return errors.Wrapf(ErrConfiguration, "unknown pipeline kind %s", c.Kind)
	}
	if c.CropSize <= 0 {
		return errors.Wrapf(ErrConfiguration, "crop size must be > 0, got %d", c.CropSize)
	}
	if c.ResizeMin < c.CropSize || c.ResizeMax <= c.ResizeMin {
		return errors.Wrapf(ErrConfiguration, "resize range [%d, %d) must be non-empty and not smaller than the crop size %d",
			c.ResizeMin, c.ResizeMax, c.CropSize)
	}
	if c.FixedResize < c.CropSize {
		return errors.Wrapf(ErrConfiguration, "fixed resize %d smaller than crop size %d", c.FixedResize, c.CropSize)
	}
	if c.Kind.IsGraph() && c.CanvasSize <= 0 {
		return errors.Wrapf(ErrConfiguration, "canvas size must be > 0, got %d", c.CanvasSize)
	}
	if c.RotateProbability < 0 || c.RotateProbability > 1 {
		return errors.Wrapf(ErrConfiguration, "rotate probability %g out of [0, 1]", c.RotateProbability)
	}
	if c.Warp && c.Kind != NoisyStudent {
		return errors.Wrapf(ErrConfiguration, "affine warp is only available for the %s pipeline, not %s", NoisyStudent, c.Kind)
	}
	if c.Border && c.Kind != HostSecondSource {
		if _, err := c.BorderMode(); err != nil {
			return err
		}
	}
	return nil
}

// BorderMode resolves the border mode: replicate wins over wrap if both are set, and
// BorderDefault is used if neither is.
func (c Config) BorderMode() (border.Mode, error) {
	switch {
	case c.Approach.Has(Replicate):
		if c.Approach.Has(Wrap) {
			klog.Warningf("augmentation approach %q selects both replicate and wrap borders, using replicate", c.Approach)
		}
		return border.Replicate, nil
	case c.Approach.Has(Wrap):
		return border.Wrap, nil
	}
	switch c.BorderDefault {
	case BorderReplicate:
		return border.Replicate, nil
	case BorderWrap:
		return border.Wrap, nil
	}
	return 0, errors.Wrapf(ErrConfiguration, "a border is required but approach %q selects neither replicate nor wrap, and no default is set",
		c.Approach)
}

// OutputChannels is the number of channels of the generated images.
func (c Config) OutputChannels() int {
	if c.Approach.Has(Gray) {
		return 1
	}
	return 3
}
