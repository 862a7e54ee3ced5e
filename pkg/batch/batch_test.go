// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"io"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/augment"
	"github.com/yushanml/yushan/pkg/augment/hostaug"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/pixels"
)

// idAugmenter outputs, per image, the value of its first pixel, which the tests set to the sample index.
type idAugmenter struct {
	numOutputs int
	finalized  atomic.Bool
}

func (f *idAugmenter) Augment(images []*pixels.Image, _ *rand.Rand) ([]*tensors.Tensor, error) {
	ids := make([]float32, len(images))
	for ii, img := range images {
		ids[ii] = float32(img.Pix[0])
	}
	outputs := make([]*tensors.Tensor, f.numOutputs)
	for ii := range outputs {
		outputs[ii] = tensors.FromFlatDataAndDimensions(ids, len(ids))
	}
	return outputs, nil
}

func (f *idAugmenter) NumOutputs() int { return f.numOutputs }
func (f *idAugmenter) Finalize()       { f.finalized.Store(true) }

func memorySamples(n int) []corpus.Sample {
	samples := make([]corpus.Sample, n)
	for ii := range samples {
		img := pixels.New(2, 2, 1)
		img.Pix[0] = uint8(ii)
		samples[ii] = corpus.Sample{Image: img, Label: ii % 3}
	}
	return samples
}

func batchIDs(t *testing.T, rec *Record) []int {
	flat := tensors.MustCopyFlatData[float32](rec.Aug)
	ids := make([]int, len(flat))
	for ii, v := range flat {
		ids[ii] = int(v)
	}
	return ids
}

// epoch reads batches until io.EOF, returning the sample ids of each batch.
func epoch(t *testing.T, a *Assembler) [][]int {
	var batches [][]int
	for {
		rec, err := a.NextBatch()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		ids := batchIDs(t, rec)
		require.Equal(t, rec.Indices, ids)
		require.Equal(t, []int{len(ids), 1}, rec.Labels.Shape().Dimensions)
		batches = append(batches, ids)
		rec.Finalize()
	}
}

func sizes(batches [][]int) []int {
	s := make([]int, len(batches))
	for ii, b := range batches {
		s[ii] = len(b)
	}
	return s
}

func TestPartialAutoReset(t *testing.T) {
	for _, phase := range []Phase{Train, Valid} {
		a, err := NewAssembler(memorySamples(10), &idAugmenter{numOutputs: 1}, DefaultOptions(4, phase))
		require.NoError(t, err)
		assert.Equal(t, 3, a.NumBatches())
		assert.Equal(t, []int{4, 4, 2}, sizes(epoch(t, a)), "phase %s", phase)
		assert.Equal(t, []int{4, 4, 2}, sizes(epoch(t, a)), "phase %s", phase)
		assert.Equal(t, 2, a.Epoch())
		a.Close()
	}
}

func TestValidOrderIsStable(t *testing.T) {
	a, err := NewAssembler(memorySamples(10), &idAugmenter{numOutputs: 1}, DefaultOptions(4, Valid))
	require.NoError(t, err)
	defer a.Close()
	want := [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}
	assert.Equal(t, want, epoch(t, a))
	assert.Equal(t, want, epoch(t, a))
	a.Reset()
	assert.Equal(t, want, epoch(t, a))
}

func TestTrainShuffles(t *testing.T) {
	a, err := NewAssembler(memorySamples(30), &idAugmenter{numOutputs: 1}, DefaultOptions(8, Train))
	require.NoError(t, err)
	defer a.Close()
	flatten := func(batches [][]int) []int {
		var all []int
		for _, b := range batches {
			all = append(all, b...)
		}
		return all
	}
	first, second := flatten(epoch(t, a)), flatten(epoch(t, a))
	assert.Len(t, first, 30)
	assert.ElementsMatch(t, first, second)
	assert.NotEqual(t, first, second)

	// Same seed, same order.
	b, err := NewAssembler(memorySamples(30), &idAugmenter{numOutputs: 1}, DefaultOptions(8, Train))
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, first, flatten(epoch(t, b)))
}

func TestLastBatchPolicies(t *testing.T) {
	opts := DefaultOptions(4, Valid)
	opts.LastBatch = Drop
	a, err := NewAssembler(memorySamples(10), &idAugmenter{numOutputs: 1}, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, a.NumBatches())
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}}, epoch(t, a))
	a.Close()

	opts.LastBatch = Fill
	a, err = NewAssembler(memorySamples(10), &idAugmenter{numOutputs: 1}, opts)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 9, 9}}, epoch(t, a))
	a.Close()
}

type fakeReader struct{}

func (fakeReader) Read(path string) (*pixels.Image, error) {
	if path == "bad" {
		return nil, errors.New("corrupted file")
	}
	img := pixels.New(2, 2, 1)
	img.Pix[0] = path[0] - '0'
	return img, nil
}

func TestFaultPolicy(t *testing.T) {
	samples, err := corpus.FromPaths([]string{"0", "1", "bad", "3"}, []int{0, 1, 2, 3})
	require.NoError(t, err)
	opts := DefaultOptions(4, Valid)
	opts.Reader = fakeReader{}
	opts.Workers = 2
	a, err := NewAssembler(samples, &idAugmenter{numOutputs: 1}, opts)
	require.NoError(t, err)
	rec, err := a.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3}, rec.Indices)
	assert.Equal(t, []int32{0, 1, 3}, tensors.MustCopyFlatData[int32](rec.Labels))
	require.Len(t, rec.Faults, 1)
	assert.Equal(t, 2, rec.Faults[0].Index)
	assert.Equal(t, "bad", rec.Faults[0].Path)
	a.Close()

	opts.Faults = Abort
	a, err = NewAssembler(samples, &idAugmenter{numOutputs: 1}, opts)
	require.NoError(t, err)
	defer a.Close()
	_, err = a.NextBatch()
	var sampleErr *SampleError
	require.ErrorAs(t, err, &sampleErr)
	assert.Equal(t, 2, sampleErr.Index)
	assert.ErrorContains(t, err, "corrupted file")
}

// transientReader fails the first read of path "2" only.
type transientReader struct {
	failed atomic.Bool
}

func (r *transientReader) Read(path string) (*pixels.Image, error) {
	if path == "2" && !r.failed.Swap(true) {
		return nil, errors.New("connection reset")
	}
	return fakeReader{}.Read(path)
}

func TestAbortKeepsBatch(t *testing.T) {
	samples, err := corpus.FromPaths([]string{"0", "1", "2", "3", "4"}, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	opts := DefaultOptions(4, Valid)
	opts.Reader = &transientReader{}
	opts.Faults = Abort
	a, err := NewAssembler(samples, &idAugmenter{numOutputs: 1}, opts)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.NextBatch()
	var sampleErr *SampleError
	require.ErrorAs(t, err, &sampleErr)
	assert.Equal(t, 2, sampleErr.Index)

	// The aborted batch is read again, with the samples that had loaded.
	rec, err := a.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, rec.Indices)
	assert.Equal(t, []int{0, 1, 2, 3}, batchIDs(t, rec))
	rec.Finalize()
	rec, err = a.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 4, 4}, rec.Indices)
	rec.Finalize()
}

func TestNewAssemblerErrors(t *testing.T) {
	_, err := NewAssembler(memorySamples(3), &idAugmenter{numOutputs: 1}, DefaultOptions(0, Train))
	require.Error(t, err)
	_, err = NewAssembler(memorySamples(3), nil, DefaultOptions(2, Train))
	require.Error(t, err)
	samples, _ := corpus.FromPaths([]string{"a"}, []int{0})
	_, err = NewAssembler(samples, &idAugmenter{numOutputs: 1}, DefaultOptions(2, Train))
	require.ErrorContains(t, err, "Reader")
}

func TestDistillationYield(t *testing.T) {
	a, err := NewAssembler(memorySamples(5), &idAugmenter{numOutputs: 2}, DefaultOptions(5, Valid))
	require.NoError(t, err)
	_, inputs, labels, err := a.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 1)
	assert.Equal(t, []int32{0, 1, 2, 0, 1}, tensors.MustCopyFlatData[int32](labels[0]))
	_, _, _, err = a.Yield()
	require.Equal(t, io.EOF, err)

	aug := a.augmenter.(*idAugmenter)
	a.Close()
	assert.True(t, aug.finalized.Load())
	_, err = a.NextBatch()
	require.Error(t, err)
	a.Close()
}

func TestHostAugmenter(t *testing.T) {
	pool := workerspool.New(3)
	defer pool.Close()
	augmenter, err := NewAugmenter(nil, augment.DefaultConfig(augment.Host), pool)
	require.NoError(t, err)
	require.IsType(t, &HostAugmenter{}, augmenter)
	rng := rand.New(rand.NewSource(1))
	images := make([]*pixels.Image, 3)
	for ii := range images {
		images[ii] = pixels.New(100+10*ii, 150, 3)
	}
	outputs, err := augmenter.Augment(images, rng)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, []int{3, 3, 224, 224}, outputs[0].Shape().Dimensions)

	_, err = augmenter.Augment([]*pixels.Image{{Height: 2, Width: 2, Channels: 4, Pix: make([]uint8, 16)}}, rng)
	require.Error(t, err)
}

func TestNewAugmenterErrors(t *testing.T) {
	_, err := NewAugmenter(nil, augment.DefaultConfig(augment.Basic), nil)
	require.ErrorIs(t, err, augment.ErrConfiguration)
	cfg := augment.DefaultConfig(augment.Host)
	cfg.Kind = augment.PipelineKind(99)
	_, err = NewAugmenter(nil, cfg, nil)
	require.ErrorIs(t, err, augment.ErrConfiguration)
	_, err = hostaug.New(augment.DefaultConfig(augment.Rotate))
	require.ErrorIs(t, err, augment.ErrConfiguration)
}
