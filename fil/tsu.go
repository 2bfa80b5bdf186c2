// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fil

import (
	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
)

// dispatcher is the pipeline surface the scheduler drives: busy checks for
// admission control and the per-die dispatch entry point.
type dispatcher interface {
	IsChannelBusy(channel uint32) bool
	IsDieBusy(channel, chip, die uint32, isProgram bool) bool
	Dispatch(list *taskList)
}

// txnQueues are the seven per-chip queues, selected by (type, source).
type txnQueues struct {
	read         taskList
	write        taskList
	mappingRead  taskList
	mappingWrite taskList
	gcRead       taskList
	gcWrite      taskList
	gcErase      taskList
}

// TSU is the transaction scheduling unit: it accepts tasks from the ring,
// queues them per chip and dispatches per-die batches whenever a chip or
// its channel goes idle.
type TSU struct {
	geom *flash.Geometry
	pipe dispatcher

	queues [][]txnQueues // [channel][chip]
	count  [][]int

	// round-robin cursor per channel for fairness across its chips
	rrIndex []uint32

	enqueued [][]uint64 // stats

	multiplane bool
	log        zerolog.Logger
}

func newTSU(g *flash.Geometry, pipe dispatcher, multiplane bool, log zerolog.Logger) *TSU {
	t := &TSU{
		geom:       g,
		pipe:       pipe,
		rrIndex:    make([]uint32, g.Channels),
		multiplane: multiplane,
		log:        log,
	}
	t.queues = make([][]txnQueues, g.Channels)
	t.count = make([][]int, g.Channels)
	t.enqueued = make([][]uint64, g.Channels)
	for i := range t.queues {
		t.queues[i] = make([]txnQueues, g.ChipsPerChannel)
		t.count[i] = make([]int, g.ChipsPerChannel)
		t.enqueued[i] = make([]uint64, g.ChipsPerChannel)
	}
	return t
}

// ProcessTask queues an arriving task. It reports false for out-of-range
// addresses, which the service completes as errors.
func (t *TSU) ProcessTask(task *Task) bool {
	if task.Addr.Channel >= t.geom.Channels || task.Addr.Chip >= t.geom.ChipsPerChannel {
		return false
	}

	chip := &t.queues[task.Addr.Channel][task.Addr.Chip]
	var queue *taskList

	switch task.Type {
	case TaskRead:
		switch task.Source {
		case flash.SourceUser:
			queue = &chip.read
		case flash.SourceMapping:
			queue = &chip.mappingRead
		case flash.SourceGC:
			queue = &chip.gcRead
		}
	case TaskWrite:
		switch task.Source {
		case flash.SourceUser:
			queue = &chip.write
		case flash.SourceMapping:
			queue = &chip.mappingWrite
		case flash.SourceGC:
			queue = &chip.gcWrite
		}
	case TaskErase:
		queue = &chip.gcErase
	}
	if queue == nil {
		return false
	}

	queue.pushBack(task)
	t.count[task.Addr.Channel][task.Addr.Chip]++
	t.enqueued[task.Addr.Channel][task.Addr.Chip]++
	return true
}

// dispatchQueue walks the primary (and optionally secondary) queue once,
// picking at most one candidate per die subject to the multi-LUN rules,
// then packs same-die same-page transactions on other planes into a
// multi-plane batch. Returns the number of dispatched tasks.
func (t *TSU) dispatchQueue(qPrim, qSec *taskList) int {
	head := make([]*Task, t.geom.DiesPerChip)
	var dieBitmap uint64
	found := 0

	maxBatch := 1
	if t.multiplane {
		maxBatch = int(t.geom.PlanesPerDie)
	}

	allDies := uint64(1)<<t.geom.DiesPerChip - 1

	qPrim.each(func(txn *Task) bool {
		if dieBitmap&(1<<txn.Addr.Die) != 0 {
			return true
		}
		if !t.pipe.IsDieBusy(txn.Addr.Channel, txn.Addr.Chip, txn.Addr.Die, txn.Type == TaskWrite) {
			head[txn.Addr.Die] = txn
			// Admitting a write makes the channel busy at once; no more
			// transactions can be admitted behind it.
			if txn.Type == TaskWrite {
				return false
			}
		}
		dieBitmap |= 1 << txn.Addr.Die
		return dieBitmap != allDies
	})

	for die := uint32(0); die < t.geom.DiesPerChip; die++ {
		cand := head[die]
		if cand == nil {
			continue
		}
		// The die was idle when scanned but may have become busy after a
		// prior die of this chip dispatched.
		if t.pipe.IsDieBusy(cand.Addr.Channel, cand.Addr.Chip, die, cand.Type == TaskWrite) {
			continue
		}

		var batch taskList
		var planeBitmap uint64
		page := cand.Addr.Page
		foundDie := 0

		pack := func(q *taskList) {
			q.each(func(txn *Task) bool {
				if txn.Addr.Die == die &&
					planeBitmap&(1<<txn.Addr.Plane) == 0 &&
					(planeBitmap == 0 || txn.Addr.Page == page) {
					planeBitmap |= 1 << txn.Addr.Plane
					foundDie++
					q.remove(txn)
					batch.pushBack(txn)
				}
				return foundDie < maxBatch
			})
		}

		pack(qPrim)
		if qSec != nil && foundDie < maxBatch {
			pack(qSec)
		}

		if !batch.empty() {
			t.pipe.Dispatch(&batch)
		}
		found += foundDie

		if t.pipe.IsChannelBusy(cand.Addr.Channel) {
			break
		}
	}

	return found
}

func (t *TSU) dispatchRead(channel, chip uint32) bool {
	q := &t.queues[channel][chip]
	var qPrim, qSec *taskList

	if !q.mappingRead.empty() {
		// Reads for mapping entries unblock everything else; they go first.
		qPrim = &q.mappingRead
		if !q.read.empty() {
			qSec = &q.read
		} else if !q.gcRead.empty() {
			qSec = &q.gcRead
		}
	} else if !q.read.empty() {
		qPrim = &q.read
		if !q.gcRead.empty() {
			qSec = &q.gcRead
		}
	} else if !q.write.empty() {
		// Pending user writes suppress GC reads to avoid write starvation.
		return false
	} else if !q.gcRead.empty() {
		qPrim = &q.gcRead
	} else {
		return false
	}

	found := t.dispatchQueue(qPrim, qSec)
	t.count[channel][chip] -= found
	return found > 0
}

func (t *TSU) dispatchWrite(channel, chip uint32) bool {
	q := &t.queues[channel][chip]
	var qPrim, qSec *taskList

	if !q.mappingWrite.empty() {
		qPrim = &q.mappingWrite
		if !q.write.empty() {
			qSec = &q.write
		} else if !q.gcWrite.empty() {
			qSec = &q.gcWrite
		}
	} else if !q.write.empty() {
		qPrim = &q.write
		if !q.gcWrite.empty() {
			qSec = &q.gcWrite
		}
	} else if !q.gcWrite.empty() {
		qPrim = &q.gcWrite
	} else {
		return false
	}

	found := t.dispatchQueue(qPrim, qSec)
	t.count[channel][chip] -= found
	return found > 0
}

func (t *TSU) dispatchErase(channel, chip uint32) bool {
	q := &t.queues[channel][chip]
	if q.gcErase.empty() {
		return false
	}
	found := t.dispatchQueue(&q.gcErase, nil)
	t.count[channel][chip] -= found
	return found > 0
}

func (t *TSU) dispatchChip(channel, chip uint32) {
	if t.dispatchRead(channel, chip) {
		return
	}
	if t.dispatchWrite(channel, chip) {
		return
	}
	t.dispatchErase(channel, chip)
}

func (t *TSU) flushChannel(channel uint32) {
	for i := uint32(0); i < t.geom.ChipsPerChannel; i++ {
		chip := t.rrIndex[channel]
		if t.count[channel][chip] > 0 {
			t.dispatchChip(channel, chip)
		}
		t.rrIndex[channel] = (t.rrIndex[channel] + 1) % t.geom.ChipsPerChannel
		if t.pipe.IsChannelBusy(channel) {
			break
		}
	}
}

// FlushQueues attempts dispatch on every idle channel.
func (t *TSU) FlushQueues() {
	for ch := uint32(0); ch < t.geom.Channels; ch++ {
		if t.pipe.IsChannelBusy(ch) {
			continue
		}
		t.flushChannel(ch)
	}
}

// NotifyChannelIdle is called by the pipeline when a channel bus frees up.
func (t *TSU) NotifyChannelIdle(channel uint32) {
	t.flushChannel(channel)
}

// NotifyChipIdle is called by the pipeline when a chip finishes its last
// outstanding command.
func (t *TSU) NotifyChipIdle(channel, chip uint32) {
	if t.pipe.IsChannelBusy(channel) {
		return
	}
	t.dispatchChip(channel, chip)
}

// ReportStats dumps queue depths to the log.
func (t *TSU) ReportStats() {
	for ch := uint32(0); ch < t.geom.Channels; ch++ {
		for chip := uint32(0); chip < t.geom.ChipsPerChannel; chip++ {
			q := &t.queues[ch][chip]
			t.log.Info().
				Uint32("channel", ch).
				Uint32("chip", chip).
				Uint64("enqueued", t.enqueued[ch][chip]).
				Int("read", q.read.len()).
				Int("write", q.write.len()).
				Int("mapping_read", q.mappingRead.len()).
				Int("mapping_write", q.mappingWrite.len()).
				Int("gc_read", q.gcRead.len()).
				Int("gc_write", q.gcWrite.len()).
				Int("gc_erase", q.gcErase.len()).
				Msg("tsu queues")
		}
	}
}
