// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/worker"
)

// flushCache broadcasts a namespace flush to the flusher pool and waits
// until every flusher drains its shard. Only one namespace flush is
// outstanding at a time.
func (f *FTL) flushCache(w *worker.Worker, nsid uint32) {
	if len(f.flushers) == 0 {
		// No flusher pool configured; flush inline.
		f.dc.flushRange(w, nsid, 0, 1, 0, flash.LPA(^uint32(0)))
		return
	}

	f.flusherMu.Lock(w)

	for f.flushing {
		f.flusherCond.Wait(w)
	}
	f.flushing = true

	for i := range f.flushers {
		ctl := &f.flushers[i]
		ctl.nsid = nsid
		ctl.active = true
		if ctl.worker != nil {
			ctl.worker.Wake(worker.Flush)
		}
	}

	for f.anyFlusherActive() {
		f.flusherCond.Wait(w)
	}

	f.flushing = false
	f.flusherCond.Broadcast()
	f.flusherMu.Unlock()
}

func (f *FTL) anyFlusherActive() bool {
	for i := range f.flushers {
		if f.flushers[i].active {
			return true
		}
	}
	return false
}

// FlusherMain is the body of one flusher worker. index is the flusher's
// tag: it writes back cache entries whose LPA is congruent to it modulo
// the flusher count.
func (f *FTL) FlusherMain(w *worker.Worker, index int) {
	ctl := &f.flushers[index]

	f.flusherMu.Lock(w)
	ctl.worker = w
	f.flusherMu.Unlock()

	for {
		w.Prepare(worker.Flush)

		f.flusherMu.Lock(w)
		active, stop, nsid := ctl.active, ctl.stop, ctl.nsid
		f.flusherMu.Unlock()

		if stop {
			return
		}
		if !active {
			w.Wait()
			continue
		}

		f.dc.flushRange(w, nsid, uint32(index), uint32(len(f.flushers)), 0, flash.LPA(^uint32(0)))

		f.flusherMu.Lock(w)
		ctl.active = false
		f.flusherCond.Broadcast()
		f.flusherMu.Unlock()
	}
}

// StopFlushers terminates the flusher pool; used on device teardown.
func (f *FTL) StopFlushers() {
	f.flusherMu.Lock(nil)
	for i := range f.flushers {
		f.flushers[i].stop = true
		if w := f.flushers[i].worker; w != nil {
			w.Wake(worker.Flush)
		}
	}
	f.flusherMu.Unlock()
}
