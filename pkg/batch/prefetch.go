// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batch

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchDataset reads ahead batches of a train.Dataset in a background goroutine.
//
// There is a single producer, so the order of the yields is preserved. After io.EOF the producer
// continues with the next epoch, which is what datasets that reset automatically (like Assembler)
// expect. Any other error stops the producer: Yield keeps returning it until Reset is called.
type PrefetchDataset struct {
	ds    train.Dataset
	depth int

	mu      sync.Mutex
	buffer  chan yieldUnit
	stop    chan struct{}
	stopped chan struct{} // Closed when the producer goroutine exits.
	err     error         // Sticky non-EOF error, cleared by Reset.
	done    bool
}

type yieldUnit struct {
	spec           any
	inputs, labels []*tensors.Tensor
	err            error
}

func (u *yieldUnit) finalize() {
	for _, t := range u.inputs {
		t.FinalizeAll()
	}
	for _, t := range u.labels {
		t.FinalizeAll()
	}
}

var _ train.Dataset = (*PrefetchDataset)(nil)

// Prefetch starts reading up to depth batches ahead from ds. Call Done to stop the goroutine.
func Prefetch(ds train.Dataset, depth int) *PrefetchDataset {
	if depth < 1 {
		depth = 1
	}
	p := &PrefetchDataset{ds: ds, depth: depth}
	p.start()
	return p
}

// start the producer. It must be called with mu locked (or before p is shared).
func (p *PrefetchDataset) start() {
	ds := p.ds
	buffer := make(chan yieldUnit, p.depth)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	p.buffer, p.stop, p.stopped = buffer, stop, stopped
	go func() {
		defer close(stopped)
		for {
			select {
			case <-stop:
				return
			default:
			}
			var unit yieldUnit
			unit.spec, unit.inputs, unit.labels, unit.err = ds.Yield()
			select {
			case buffer <- unit:
			case <-stop:
				unit.finalize()
				return
			}
			if unit.err != nil && unit.err != io.EOF {
				klog.Errorf("prefetch %q: %+v", ds.Name(), unit.err)
				return
			}
		}
	}()
}

// stopProducer stops the goroutine and finalizes the batches read ahead. It must be called with mu locked.
func (p *PrefetchDataset) stopProducer() {
	close(p.stop)
	for {
		select {
		case unit := <-p.buffer:
			unit.finalize()
		case <-p.stopped:
			for {
				select {
				case unit := <-p.buffer:
					unit.finalize()
				default:
					return
				}
			}
		}
	}
}

// Name implements train.Dataset.
func (p *PrefetchDataset) Name() string { return p.ds.Name() }

// Yield implements train.Dataset, returning the next batch read ahead.
func (p *PrefetchDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		err = errors.Errorf("prefetch %q used after Done", p.ds.Name())
		return
	}
	if p.err != nil {
		err = p.err
		return
	}
	unit := <-p.buffer
	if unit.err != nil && unit.err != io.EOF {
		p.err = unit.err
	}
	return unit.spec, unit.inputs, unit.labels, unit.err
}

// Reset implements train.Dataset: it discards the batches read ahead, resets the underlying dataset
// and restarts reading.
func (p *PrefetchDataset) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.stopProducer()
	p.err = nil
	p.ds.Reset()
	p.start()
}

// Done stops the producer goroutine and frees the batches read ahead. The dataset can't be used afterward.
func (p *PrefetchDataset) Done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.stopProducer()
}
