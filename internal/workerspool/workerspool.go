// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs per-sample work (decoding, host augmentation) on a bounded number of
// goroutines shared by all users of a Pool.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// Pool of workers. A nil *Pool runs everything inline.
type Pool struct {
	// parallelism is the maximum number of tasks running at the same time.
	// Negative means unlimited. New maps 0 to runtime.NumCPU(), so it is always != 0.
	parallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases or the pool is closed.
	numRunning int
	closed     bool
}

// ErrClosed is returned when tasks are submitted to a closed pool.
var ErrClosed = errors.New("workers pool is closed")

// New returns a Pool running at most parallelism tasks at once. If parallelism is 0 it uses runtime.NumCPU().
// A negative value means unlimited.
func New(parallelism int) *Pool {
	if parallelism == 0 {
		parallelism = runtime.NumCPU()
	}
	w := &Pool{parallelism: parallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// Parallelism returns the configured limit of concurrent tasks.
func (w *Pool) Parallelism() int {
	if w == nil {
		return 0
	}
	return w.parallelism
}

// lockedIsFull returns whether all workers are in use. It must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.parallelism < 0 {
		return false
	}
	return w.numRunning >= w.parallelism
}

// Go waits until a worker is available and runs task in it. It doesn't wait for the task to finish.
func (w *Pool) Go(task func()) error {
	if w == nil || w.parallelism == 0 {
		task()
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.closed && w.lockedIsFull() {
		w.cond.Wait()
	}
	if w.closed {
		return ErrClosed
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Broadcast()
			w.mu.Unlock()
		}()
		task()
	}()
	return nil
}

// Map runs fn(i) for i in [0, n) in the pool and waits for all of them.
// It returns the first error by index, if any; all calls are executed regardless.
func (w *Pool) Map(n int, fn func(i int) error) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		err := w.Go(func() {
			defer wg.Done()
			errs[i] = fn(i)
		})
		if err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close the pool: tasks submitted afterward fail with ErrClosed. It waits for running tasks to finish.
func (w *Pool) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.cond.Broadcast()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}
