// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Flash interface layer: per-die transaction scheduling and the NAND
// command/data pipeline, run as an event loop on a real-time processor.

package fil

import (
	"github.com/dswarbrick/openssd/flash"
)

// TaskStatus is the completion status reported back to the FTL.
type TaskStatus uint8

const (
	StatusOK TaskStatus = iota
	StatusError
)

// TaskType extends the transaction types with control operations carried
// over the same ring.
type TaskType uint8

const (
	TaskRead TaskType = iota
	TaskWrite
	TaskErase
	TaskDump // dump scheduler and pipeline state to the log
)

// Task is the descriptor shared between the FTL and the FIL processor in
// a task table; the ring queue carries only its slot index.
type Task struct {
	Type   TaskType
	Source flash.TxnSource
	Addr   flash.Address
	LPA    flash.LPA

	Data    []byte
	Offset  uint32
	Length  uint32
	CodeBuf []byte
	CodeLen uint32

	Status    TaskStatus
	Completed bool
	ErrBitmap uint64

	TotalXferUs uint64
	TotalExecUs uint64

	// Worker is the opaque handle identifying the originating worker.
	Worker int

	// scheduler linkage, owned by the FIL processor
	next, prev *Task
}

// taskList is an intrusive doubly-linked queue of tasks, mirroring the
// list_head discipline of the scheduler: tasks move between the chip
// queues, per-die active lists and the channel data-out wait list without
// allocation.
type taskList struct {
	head, tail *Task
	size       int
}

func (l *taskList) empty() bool { return l.head == nil }
func (l *taskList) len() int    { return l.size }

func (l *taskList) pushBack(t *Task) {
	t.next, t.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
	l.size++
}

func (l *taskList) remove(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.next, t.prev = nil, nil
	l.size--
}

func (l *taskList) popFront() *Task {
	t := l.head
	if t != nil {
		l.remove(t)
	}
	return t
}

// each walks the list; fn returning false stops the walk. Removal of the
// current element inside fn is allowed.
func (l *taskList) each(fn func(t *Task) bool) {
	for t := l.head; t != nil; {
		next := t.next
		if !fn(t) {
			return
		}
		t = next
	}
}
