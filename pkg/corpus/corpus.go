// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package corpus lists the labeled images used for training and validation.
//
// A Catalog holds manifest entries (image path, label word and source) loaded from CSV files or
// scanned from directory trees. Entries are assigned to the training or the validation split
// by a hash of their path, so the split is stable across runs and machines. A Selector picks
// which sources go in each split.
package corpus

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yushanml/yushan/pkg/pixels"
)

// Sample is one labeled image: either already in memory (Image) or to be read from Path.
type Sample struct {
	Image *pixels.Image
	Path  string
	Label int
}

// Split of a dataset in training and validation samples.
type Split struct {
	Train, Valid []Sample
}

// Selector picks the subsets of the corpus used for training.
type Selector uint8

const (
	// Cleaned uses only the manually verified images.
	Cleaned Selector = iota

	// Mixed trains on the verified images plus the noisy ones, and validates on verified images.
	Mixed

	// SecondSource uses only the scanned documents corpus, which has its own validation split.
	SecondSource

	// NoisyStudent trains on the pseudo-labeled noisy images followed by the verified training
	// images, and validates on verified images.
	NoisyStudent
)

var selectorNames = []string{"cleaned", "mixed", "second", "noisy_student"}

func (s Selector) String() string {
	if int(s) < len(selectorNames) {
		return selectorNames[s]
	}
	return fmt.Sprintf("Selector(%d)", int(s))
}

// ParseSelector is the inverse of Selector.String. "2nd" is accepted for SecondSource.
func ParseSelector(name string) (Selector, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "2nd" {
		return SecondSource, nil
	}
	for ii, n := range selectorNames {
		if n == name {
			return Selector(ii), nil
		}
	}
	return 0, errors.Errorf("unknown corpus selector %q, valid values are %q", name, selectorNames)
}

// Provider lists the image paths and labels for a selector.
type Provider interface {
	PathsAndLabels(selector Selector) (trainPaths, validPaths []string, trainLabels, validLabels []int, err error)
}

// FromPaths zips paths and labels into samples.
func FromPaths(paths []string, labels []int) ([]Sample, error) {
	if len(paths) != len(labels) {
		return nil, errors.Errorf("%d paths but %d labels", len(paths), len(labels))
	}
	samples := make([]Sample, len(paths))
	for ii, path := range paths {
		samples[ii] = Sample{Path: path, Label: labels[ii]}
	}
	return samples, nil
}

// Load builds the Split for the selector from the provider, and checks it.
func Load(provider Provider, selector Selector) (Split, error) {
	trainPaths, validPaths, trainLabels, validLabels, err := provider.PathsAndLabels(selector)
	if err != nil {
		return Split{}, err
	}
	var split Split
	if split.Train, err = FromPaths(trainPaths, trainLabels); err != nil {
		return Split{}, errors.WithMessage(err, "training split")
	}
	if split.Valid, err = FromPaths(validPaths, validLabels); err != nil {
		return Split{}, errors.WithMessage(err, "validation split")
	}
	if err = CheckDisjoint(trainPaths, validPaths); err != nil {
		return Split{}, err
	}
	return split, nil
}

// Validate checks that either all samples are in memory or all have a path, and that labels are
// within [0, numClasses). numClasses <= 0 skips the label check.
func Validate(samples []Sample, numClasses int) error {
	if len(samples) == 0 {
		return nil
	}
	inMemory := samples[0].Image != nil
	for ii, s := range samples {
		if (s.Image != nil) != inMemory || (s.Image == nil && s.Path == "") {
			return errors.Errorf("sample #%d: all samples must be either in memory or given by a path", ii)
		}
		if s.Image != nil && s.Path != "" {
			return errors.Errorf("sample #%d has both an image and a path (%q)", ii, s.Path)
		}
		if s.Label < 0 || (numClasses > 0 && s.Label >= numClasses) {
			return errors.Errorf("sample #%d (%q) has label %d, out of range [0, %d)", ii, s.Path, s.Label, numClasses)
		}
	}
	return nil
}

// CheckDisjoint returns an error naming the first path present in both lists.
func CheckDisjoint(train, valid []string) error {
	seen := make(map[string]bool, len(train))
	for _, p := range train {
		seen[p] = true
	}
	for _, p := range valid {
		if seen[p] {
			return errors.Errorf("path %q is both in the training and validation splits", p)
		}
	}
	return nil
}
