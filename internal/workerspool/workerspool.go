// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs batches of independent tasks with bounded parallelism.
package workerspool

import (
	"sync"
)

// Pool limits the number of tasks running in parallel. It is safe for concurrent use, and the limit is shared
// by all calls to Map.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time. If 0 or 1 tasks run inline.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New returns a new Pool running at most maxParallelism tasks at a time.
// If maxParallelism <= 1 tasks are run sequentially in the caller goroutine.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of parallel tasks.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// acquire waits until there is a worker available.
func (w *Pool) acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
}

func (w *Pool) release() {
	w.mu.Lock()
	w.numRunning--
	w.cond.Signal()
	w.mu.Unlock()
}

// Map calls task(ii) for ii in [0, n) and waits for all of them to finish. It returns the error of the lowest
// index task that failed, or nil.
//
// Tasks must not call Map on the same Pool, it could deadlock.
func (w *Pool) Map(n int, task func(ii int) error) error {
	errs := make([]error, n)
	if w.maxParallelism <= 1 {
		for ii := range n {
			errs[ii] = task(ii)
		}
	} else {
		var wg sync.WaitGroup
		for ii := range n {
			w.acquire()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer w.release()
				errs[ii] = task(ii)
			}()
		}
		wg.Wait()
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
