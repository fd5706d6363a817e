// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ca

import (
	"sync"
	"time"
)

// Dispatcher runs posted callbacks in order on one goroutine. Library
// implementations use it to deliver callbacks off the caller's goroutine.
// The queue is unbounded so a callback may post more work without blocking.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// NewDispatcher starts the callback goroutine
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if d.stopped {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Post queues fn. It reports false once the dispatcher is stopped.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return false
	}
	d.queue = append(d.queue, fn)
	d.cond.Signal()
	return true
}

// Drain waits up to timeout until everything posted before the call has
// run. Calling it from a callback always times out.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	marker := make(chan struct{})
	if !d.Post(func() { close(marker) }) {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-marker:
		return true
	case <-timer.C:
		return false
	}
}

// Stop discards queued callbacks and waits for the running one to finish.
// It must not be called from a callback.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()

	<-d.done
}
