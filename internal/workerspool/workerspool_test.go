// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapRespectsParallelism(t *testing.T) {
	pool := New(3)
	defer pool.Close()
	var running, peak atomic.Int32
	var count atomic.Int32
	err := pool.Map(50, func(i int) error {
		now := running.Add(1)
		for {
			p := peak.Load()
			if now <= p || peak.CompareAndSwap(p, now) {
				break
			}
		}
		runtime.Gosched()
		count.Add(1)
		running.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(50), count.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestMapFirstErrorByIndex(t *testing.T) {
	pool := New(4)
	defer pool.Close()
	var count atomic.Int32
	err := pool.Map(10, func(i int) error {
		count.Add(1)
		if i == 3 || i == 7 {
			return errors.Errorf("task %d", i)
		}
		return nil
	})
	require.EqualError(t, err, "task 3")
	assert.Equal(t, int32(10), count.Load())
}

func TestInlineAndNil(t *testing.T) {
	var nilPool *Pool
	var order []int
	require.NoError(t, nilPool.Map(3, func(i int) error {
		order = append(order, i)
		return nil
	}))
	assert.Equal(t, []int{0, 1, 2}, order)
	nilPool.Close()

	assert.Equal(t, runtime.NumCPU(), New(0).Parallelism())
	unlimited := New(-1)
	require.NoError(t, unlimited.Map(100, func(int) error { return nil }))
	unlimited.Close()
}

func TestClose(t *testing.T) {
	pool := New(2)
	pool.Close()
	require.ErrorIs(t, pool.Go(func() {}), ErrClosed)
	require.ErrorIs(t, pool.Map(2, func(int) error { return nil }), ErrClosed)
}
