// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batch assembles augmented mini-batches from a list of samples.
//
// An Assembler iterates over samples in epochs, decodes them in a worker pool, runs them through
// an Augmenter (host or graph pipeline) and returns a Record per batch. It implements
// train.Dataset, so it can be fed directly to GoMLX trainers and evaluators.
package batch

import (
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/yushanml/yushan/internal/workerspool"
	"github.com/yushanml/yushan/pkg/corpus"
	"github.com/yushanml/yushan/pkg/pixels"
	"k8s.io/klog/v2"
)

// LastBatchPolicy defines what to do with the final samples of an epoch that don't fill a batch.
type LastBatchPolicy uint8

const (
	// Partial emits an undersized final batch.
	Partial LastBatchPolicy = iota

	// Drop discards the remaining samples.
	Drop

	// Fill pads the final batch by repeating its last sample.
	Fill
)

func (p LastBatchPolicy) String() string {
	switch p {
	case Partial:
		return "partial"
	case Drop:
		return "drop"
	case Fill:
		return "fill"
	}
	return fmt.Sprintf("LastBatchPolicy(%d)", int(p))
}

// ParseLastBatchPolicy is the inverse of LastBatchPolicy.String.
func ParseLastBatchPolicy(s string) (LastBatchPolicy, error) {
	for _, p := range []LastBatchPolicy{Partial, Drop, Fill} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown last batch policy %q, valid values are \"partial\", \"drop\" and \"fill\"", s)
}

// Phase of the dataset.
type Phase uint8

const (
	// Train reshuffles the samples at the start of every epoch.
	Train Phase = iota

	// Valid iterates in dataset order, every pass.
	Valid
)

func (p Phase) String() string {
	if p == Train {
		return "train"
	}
	return "valid"
}

// FaultPolicy defines what to do when a sample fails to decode.
type FaultPolicy uint8

const (
	// Skip drops the sample from the batch and reports it in Record.Faults.
	Skip FaultPolicy = iota

	// Abort makes NextBatch return the *SampleError.
	Abort
)

func (p FaultPolicy) String() string {
	if p == Abort {
		return "abort"
	}
	return "skip"
}

// ParseFaultPolicy parses "skip" or "abort".
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch strings.ToLower(s) {
	case "skip", "":
		return Skip, nil
	case "abort":
		return Abort, nil
	}
	return 0, errors.Errorf("unknown fault policy %q, valid values are \"skip\" and \"abort\"", s)
}

// SampleError is a failure to load one sample.
type SampleError struct {
	Index int
	Path  string
	Err   error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample #%d (%q): %v", e.Index, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *SampleError) Unwrap() error { return e.Err }

// Reader decodes image files, see decode.Reader.
type Reader interface {
	Read(path string) (*pixels.Image, error)
}

// DefaultSeed used to shuffle the training samples.
const DefaultSeed = 42

// Options of an Assembler. The zero value is not valid, start from DefaultOptions.
type Options struct {
	Name      string
	BatchSize int
	Phase     Phase
	LastBatch LastBatchPolicy
	Faults    FaultPolicy
	Seed      int64

	// Reader is required if the samples are given by path.
	Reader Reader

	// Pool used for decoding. If nil the Assembler creates one with Workers goroutines
	// (0 for runtime.NumCPU()) and closes it on Close.
	Pool    *workerspool.Pool
	Workers int

	// Prefetch is the number of batches read ahead by Assembler.Dataset. 0 disables it.
	Prefetch int
}

// DefaultOptions for the given batch size and phase.
func DefaultOptions(batchSize int, phase Phase) Options {
	return Options{BatchSize: batchSize, Phase: phase, Seed: DefaultSeed}
}

// Record is one assembled batch. Its tensors are owned by the caller, see Finalize.
type Record struct {
	// Raw is the undistorted view, only set when the augmenter has 2 outputs (distillation).
	Raw *tensors.Tensor

	// Aug is float32 shaped [batchSize, channels, crop, crop], with values in [0, 1].
	Aug *tensors.Tensor

	// Labels is int32 shaped [batchSize, 1].
	Labels *tensors.Tensor

	// Indices of the samples in the batch.
	Indices []int

	// Faults of samples skipped from the batch.
	Faults []*SampleError
}

// Size returns the number of samples in the batch.
func (r *Record) Size() int { return len(r.Indices) }

// Inputs returns the model inputs: [Aug] or [Raw, Aug].
func (r *Record) Inputs() []*tensors.Tensor {
	if r.Raw != nil {
		return []*tensors.Tensor{r.Raw, r.Aug}
	}
	return []*tensors.Tensor{r.Aug}
}

// Finalize releases the tensors of the record.
func (r *Record) Finalize() {
	for _, t := range []*tensors.Tensor{r.Raw, r.Aug, r.Labels} {
		if t != nil {
			t.FinalizeAll()
		}
	}
	r.Raw, r.Aug, r.Labels = nil, nil, nil
}

// Assembler iterates over samples in batches. It's safe for concurrent use, but batches are
// produced one at a time.
type Assembler struct {
	samples   []corpus.Sample
	augmenter Augmenter
	opts      Options
	pool      *workerspool.Pool
	ownsPool  bool

	mu     sync.Mutex
	rng    *rand.Rand
	order  []int
	pos    int
	epoch  int
	closed bool
}

// Assert Assembler is a train.Dataset.
var _ train.Dataset = (*Assembler)(nil)

// NewAssembler creates an Assembler over samples. The samples slice is read-only while the
// Assembler is in use, and the augmenter is finalized on Close.
func NewAssembler(samples []corpus.Sample, augmenter Augmenter, opts Options) (*Assembler, error) {
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", opts.BatchSize)
	}
	if augmenter == nil {
		return nil, errors.New("NewAssembler requires an Augmenter")
	}
	if err := corpus.Validate(samples, 0); err != nil {
		return nil, err
	}
	if len(samples) > 0 && samples[0].Image == nil && opts.Reader == nil {
		return nil, errors.New("samples are given by path, but no Reader was configured")
	}
	if opts.Name == "" {
		opts.Name = "yushan-" + opts.Phase.String()
	}
	a := &Assembler{
		samples:   samples,
		augmenter: augmenter,
		opts:      opts,
		pool:      opts.Pool,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
	if a.pool == nil {
		a.pool = workerspool.New(opts.Workers)
		a.ownsPool = true
	}
	a.startEpoch()
	klog.V(1).Infof("batch: %s with %d samples, batch size %d, %s last batch, %d outputs",
		opts.Name, len(samples), opts.BatchSize, opts.LastBatch, augmenter.NumOutputs())
	return a, nil
}

// startEpoch resets the position, and reshuffles in the Train phase. It must be called with mu locked.
func (a *Assembler) startEpoch() {
	a.pos = 0
	if a.order == nil {
		a.order = make([]int, len(a.samples))
	}
	for ii := range a.order {
		a.order[ii] = ii
	}
	if a.opts.Phase == Train {
		a.rng.Shuffle(len(a.order), func(i, j int) { a.order[i], a.order[j] = a.order[j], a.order[i] })
	}
}

// Epoch returns the number of completed epochs.
func (a *Assembler) Epoch() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epoch
}

// NumBatches returns the number of batches in an epoch, assuming no faults.
func (a *Assembler) NumBatches() int {
	n, bs := len(a.samples), a.opts.BatchSize
	if a.opts.LastBatch == Drop {
		return n / bs
	}
	return (n + bs - 1) / bs
}

// nextIndices returns the sample indices of the next batch, or nil at the end of the epoch.
// It must be called with mu locked.
func (a *Assembler) nextIndices() []int {
	bs := a.opts.BatchSize
	remaining := len(a.order) - a.pos
	if remaining <= 0 || (a.opts.LastBatch == Drop && remaining < bs) {
		return nil
	}
	n := min(bs, remaining)
	indices := append([]int(nil), a.order[a.pos:a.pos+n]...)
	a.pos += n
	if a.opts.LastBatch == Fill {
		for len(indices) < bs {
			indices = append(indices, indices[n-1])
		}
	}
	return indices
}

// NextBatch assembles the next batch. At the end of an epoch it returns io.EOF, and the following
// call starts a new epoch.
//
// On errors (including the *SampleError of the Abort policy) the position in the epoch is not
// advanced: the next call reads the same batch again, good samples included.
func (a *Assembler) NextBatch() (*Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.Errorf("batch assembler %q used after Close", a.opts.Name)
	}
	for {
		start := a.pos
		indices := a.nextIndices()
		if indices == nil {
			a.epoch++
			a.startEpoch()
			return nil, io.EOF
		}
		images, kept, faults, err := a.load(indices)
		if err != nil {
			a.pos = start
			return nil, err
		}
		if len(kept) == 0 {
			klog.Warningf("batch: %s dropped a whole batch of %d samples", a.opts.Name, len(indices))
			continue
		}
		rec, err := a.assemble(images, kept, faults)
		if err != nil {
			a.pos = start
			return nil, err
		}
		return rec, nil
	}
}

// load decodes the samples in the pool. It returns the images and indices of the samples
// that loaded, and the faults of the ones that didn't.
func (a *Assembler) load(indices []int) ([]*pixels.Image, []int, []*SampleError, error) {
	images := make([]*pixels.Image, len(indices))
	errs := make([]error, len(indices))
	err := a.pool.Map(len(indices), func(i int) error {
		sample := &a.samples[indices[i]]
		if sample.Image != nil {
			images[i] = sample.Image
			return nil
		}
		images[i], errs[i] = a.opts.Reader.Read(sample.Path)
		return nil
	})
	if err != nil {
		return nil, nil, nil, errors.WithMessage(err, "decoding batch")
	}
	var kept []int
	var faults []*SampleError
	keptImages := images[:0]
	for i, idx := range indices {
		if errs[i] == nil {
			keptImages = append(keptImages, images[i])
			kept = append(kept, idx)
			continue
		}
		fault := &SampleError{Index: idx, Path: a.samples[idx].Path, Err: errs[i]}
		if a.opts.Faults == Abort {
			return nil, nil, nil, fault
		}
		klog.Errorf("batch: skipping %v", fault)
		faults = append(faults, fault)
	}
	return keptImages, kept, faults, nil
}

func (a *Assembler) assemble(images []*pixels.Image, indices []int, faults []*SampleError) (*Record, error) {
	rng := rand.New(rand.NewSource(a.rng.Int63()))
	outputs, err := a.augmenter.Augment(images, rng)
	if err != nil {
		return nil, errors.WithMessagef(err, "augmenting batch of %d samples", len(images))
	}
	if len(outputs) != a.augmenter.NumOutputs() {
		for _, t := range outputs {
			t.FinalizeAll()
		}
		return nil, errors.Errorf("augmenter returned %d outputs, expected %d", len(outputs), a.augmenter.NumOutputs())
	}
	rec := &Record{Indices: indices, Faults: faults}
	if len(outputs) == 2 {
		rec.Raw, rec.Aug = outputs[0], outputs[1]
	} else {
		rec.Aug = outputs[0]
	}
	rec.Labels = tensors.FromShape(shapes.Make(dtypes.Int32, len(indices), 1))
	tensors.MustMutableFlatData[int32](rec.Labels, func(flat []int32) {
		for ii, idx := range indices {
			flat[ii] = int32(a.samples[idx].Label)
		}
	})
	return rec, nil
}

// Name implements train.Dataset.
func (a *Assembler) Name() string { return a.opts.Name }

// Reset implements train.Dataset. It restarts the current epoch (reshuffling in the Train phase).
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startEpoch()
}

// Yield implements train.Dataset. Inputs are [Aug] or [Raw, Aug] and labels are [Labels].
func (a *Assembler) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	var rec *Record
	rec, err = a.NextBatch()
	if err != nil {
		return
	}
	return nil, rec.Inputs(), []*tensors.Tensor{rec.Labels}, nil
}

// Dataset returns the Assembler as a train.Dataset, wrapped with Prefetch if Options.Prefetch > 0.
func (a *Assembler) Dataset() train.Dataset {
	if a.opts.Prefetch > 0 {
		return Prefetch(a, a.opts.Prefetch)
	}
	return a
}

// Close finalizes the augmenter and, if owned, the worker pool. A new Assembler is needed to iterate again.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.augmenter.Finalize()
	if a.ownsPool {
		a.pool.Close()
	}
}
