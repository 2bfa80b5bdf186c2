// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Cooperative worker pool for the application processor. Each worker runs
// on its own goroutine and parks on a private event condition whenever it
// waits for I/O; wake-ups name the reason the worker is expected to be
// blocked on and are dropped otherwise.

package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimedOut is returned by WaitTimeout when the periodic timeout scan
// wakes the worker instead of the awaited event.
var ErrTimedOut = errors.New("worker: wait timed out")

// Reason identifies what a blocked worker is waiting for.
type Reason int

const (
	None Reason = iota
	Lock
	PCIeRx
	PCIeTx
	NVMeSQ
	FIL
	ECC
	CondWait
	ZDMA
	StorPU
	Flush
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"
	case Lock:
		return "lock"
	case PCIeRx:
		return "pcie-rx"
	case PCIeTx:
		return "pcie-tx"
	case NVMeSQ:
		return "nvme-sq"
	case FIL:
		return "fil"
	case ECC:
		return "ecc"
	case CondWait:
		return "cond"
	case ZDMA:
		return "zdma"
	case StorPU:
		return "storpu"
	case Flush:
		return "flush"
	}
	return "unknown"
}

const noDeadline = time.Duration(-1)

// Worker is one cooperative task. All fields below the event mutex are
// guarded by it.
type Worker struct {
	ID int

	mu    sync.Mutex
	event *sync.Cond

	blockedOn Reason
	lockTag   int
	pending   bool // wake arrived while preparing to sleep
	timedOut  bool

	waitStart time.Time
	remaining time.Duration // noDeadline when no timeout armed

	// Request is a description of the in-flight command, shown when the
	// timeout scan dumps a stuck worker.
	Request func() string
}

func newWorker(id int) *Worker {
	w := &Worker{ID: id, remaining: noDeadline}
	w.event = sync.NewCond(&w.mu)
	return w
}

// Prepare marks the worker as blocked on reason before the request that
// will eventually wake it is made visible to another processor. This
// closes the wake-before-wait window: a Wake arriving between Prepare and
// Wait is latched in the pending flag.
func (w *Worker) Prepare(reason Reason) {
	w.mu.Lock()
	w.blockedOn = reason
	w.pending = false
	w.timedOut = false
	w.remaining = noDeadline
	w.mu.Unlock()
}

// Wait parks the worker until a matching Wake. Prepare must have been
// called first.
func (w *Worker) Wait() error {
	w.mu.Lock()
	for !w.pending && !w.timedOut {
		w.event.Wait()
	}
	err := w.finishLocked()
	w.mu.Unlock()
	return err
}

// WaitTimeout parks the worker until a matching Wake or until the timeout
// scan expires the wait. A zero duration means wait forever.
func (w *Worker) WaitTimeout(d time.Duration) error {
	w.mu.Lock()
	if d > 0 {
		w.waitStart = time.Now()
		w.remaining = d
	} else {
		w.remaining = noDeadline
	}
	for !w.pending && !w.timedOut {
		w.event.Wait()
	}
	err := w.finishLocked()
	w.mu.Unlock()
	return err
}

func (w *Worker) finishLocked() error {
	w.pending = false
	w.blockedOn = None
	w.remaining = noDeadline
	if w.timedOut {
		w.timedOut = false
		return ErrTimedOut
	}
	return nil
}

// Block is Prepare followed by Wait, for waits whose wake condition is
// re-checked by the caller in a loop.
func (w *Worker) Block(reason Reason) error {
	w.Prepare(reason)
	return w.Wait()
}

// Wake unparks the worker if it is (or is about to be) blocked on reason.
// None matches any reason. Safe to call from any goroutine, including
// interrupt-style contexts such as ring completion handlers.
func (w *Worker) Wake(reason Reason) {
	w.mu.Lock()
	if reason == None || reason == w.blockedOn {
		w.pending = true
		w.event.Signal()
	}
	w.mu.Unlock()
}

// BlockedOn reports the current blocking reason.
func (w *Worker) BlockedOn() Reason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blockedOn
}

// Pool is a fixed set of workers sharing the application processor.
type Pool struct {
	workers []*Worker
	log     zerolog.Logger

	wg sync.WaitGroup
}

// NewPool creates n workers.
func NewPool(n int, log zerolog.Logger) *Pool {
	p := &Pool{log: log}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, newWorker(i))
	}
	return p
}

func (p *Pool) Len() int            { return len(p.workers) }
func (p *Pool) Get(i int) *Worker   { return p.workers[i] }
func (p *Pool) Workers() []*Worker  { return p.workers }

// Start runs fn on a fresh goroutine per worker.
func (p *Pool) Start(fn func(w *Worker)) {
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			fn(w)
		}()
	}
}

// Join waits for every worker function to return.
func (p *Pool) Join() { p.wg.Wait() }

// CheckTimeouts is the periodic tick: it decrements the remaining time of
// every blocked worker and wakes those that crossed zero with the
// timed-out flag set. Called from the device tick handler.
func (p *Pool) CheckTimeouts(now time.Time) {
	for _, w := range p.workers {
		w.mu.Lock()
		if w.blockedOn == None || w.remaining == noDeadline {
			w.mu.Unlock()
			continue
		}
		elapsed := now.Sub(w.waitStart)
		w.waitStart = now
		if elapsed >= w.remaining {
			req := "none"
			if w.Request != nil {
				req = w.Request()
			}
			p.log.Warn().
				Int("worker", w.ID).
				Stringer("blocked_on", w.blockedOn).
				Str("request", req).
				Msg("worker wait timed out")

			w.remaining = noDeadline
			w.timedOut = true
			w.event.Signal()
		} else {
			w.remaining -= elapsed
		}
		w.mu.Unlock()
	}
}
