// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/pkg/border"
)

func TestApproach(t *testing.T) {
	a, err := ParseApproach("gray+wrap")
	require.NoError(t, err)
	assert.True(t, a.Has(Gray))
	assert.True(t, a.Has(Wrap))
	assert.False(t, a.Has(Replicate))
	assert.Equal(t, "gray+wrap", a.String())

	a, err = ParseApproach("")
	require.NoError(t, err)
	assert.Equal(t, "none", a.String())

	_, err = ParseApproach("gray,mirror")
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestKinds(t *testing.T) {
	for k := Basic; k <= HostSecondSource; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("mixed")
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 2, NoisyStudent.NumOutputs())
	assert.Equal(t, 1, Water.NumOutputs())
	assert.True(t, Rotate.IsGraph())
	assert.False(t, Host.IsGraph())
}

func TestBorderMode(t *testing.T) {
	cfg := DefaultConfig(Rotate)
	mode, err := cfg.BorderMode()
	require.NoError(t, err)
	assert.Equal(t, border.Replicate, mode)

	cfg.Approach = Wrap | Gray
	mode, err = cfg.BorderMode()
	require.NoError(t, err)
	assert.Equal(t, border.Wrap, mode)

	// Replicate wins when both are set.
	cfg.Approach = Wrap | Replicate
	mode, err = cfg.BorderMode()
	require.NoError(t, err)
	assert.Equal(t, border.Replicate, mode)

	cfg.Approach = Gray
	_, err = cfg.BorderMode()
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, cfg.Validate(), ErrConfiguration)

	cfg.BorderDefault = BorderWrap
	mode, err = cfg.BorderMode()
	require.NoError(t, err)
	assert.Equal(t, border.Wrap, mode)
	require.NoError(t, cfg.Validate())

	// Without a border, the approach needs no border flag.
	cfg = DefaultConfig(Basic)
	cfg.Approach, cfg.Border = 0, false
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"crop":         func(c *Config) { c.CropSize = 0 },
		"resize range": func(c *Config) { c.ResizeMax = c.ResizeMin },
		"resize min":   func(c *Config) { c.ResizeMin = 100 },
		"fixed resize": func(c *Config) { c.FixedResize = 200 },
		"canvas":       func(c *Config) { c.CanvasSize = 0 },
		"probability":  func(c *Config) { c.RotateProbability = 1.5 },
		"warp":         func(c *Config) { c.Warp = true },
		"kind":         func(c *Config) { c.Kind = PipelineKind(42) },
	} {
		cfg := DefaultConfig(Rotate)
		mutate(&cfg)
		require.ErrorIs(t, cfg.Validate(), ErrConfiguration, "case %q", name)
	}
	cfg := DefaultConfig(NoisyStudent)
	cfg.Warp = true
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.OutputChannels())
	cfg.Approach |= Gray
	assert.Equal(t, 1, cfg.OutputChannels())
}
