// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package worker

import "sync"

// Lock tags, recorded while a worker is blocked on a mutex or condition so
// the timeout dump can say which subsystem it is stuck in.
const (
	TagNone = iota
	TagDataCache
	TagAMU
	TagNVMe
	TagZDMA
)

// Mutex is a mutex whose acquisition suspends the current worker with the
// Lock reason. Hot paths that must not suspend simply never take one.
type Mutex struct {
	Tag int
	mu  sync.Mutex
}

// Lock acquires the mutex on behalf of w. w may be nil for callers outside
// the worker pool (initialization, tests).
func (m *Mutex) Lock(w *Worker) {
	if w == nil {
		m.mu.Lock()
		return
	}
	w.mu.Lock()
	w.blockedOn = Lock
	w.lockTag = m.Tag
	w.mu.Unlock()

	m.mu.Lock()

	w.mu.Lock()
	w.blockedOn = None
	w.lockTag = TagNone
	w.mu.Unlock()
}

func (m *Mutex) Unlock() { m.mu.Unlock() }

// Cond is a condition variable whose Wait suspends the current worker with
// the Cond reason.
type Cond struct {
	Tag  int
	cond *sync.Cond
}

// NewCond binds the condition to a worker mutex.
func NewCond(m *Mutex) *Cond {
	c := &Cond{Tag: m.Tag}
	c.cond = sync.NewCond(&m.mu)
	return c
}

// Wait releases the mutex and suspends w until Signal or Broadcast.
func (c *Cond) Wait(w *Worker) {
	if w == nil {
		c.cond.Wait()
		return
	}
	w.mu.Lock()
	w.blockedOn = CondWait
	w.lockTag = c.Tag
	w.mu.Unlock()

	c.cond.Wait()

	w.mu.Lock()
	w.blockedOn = None
	w.lockTag = TagNone
	w.mu.Unlock()
}

func (c *Cond) Signal()    { c.cond.Signal() }
func (c *Cond) Broadcast() { c.cond.Broadcast() }
