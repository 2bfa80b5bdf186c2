// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcie

import (
	"fmt"
	"sync"
	"time"
)

// MemLink is the in-process link backend: host memory is a byte slice and
// the queues are channels. The "host" side of a MemLink is driven
// directly by the embedding process (tests, the development harness).
type MemLink struct {
	mu  sync.Mutex
	mem []byte
	up  bool

	sq   []sqEntry
	cqs  map[uint16]chan [16]byte
	irqs chan uint16

	events chan Event
}

type sqEntry struct {
	qid uint16
	sqe [64]byte
}

// NewMemLink creates a link with the given host memory size.
func NewMemLink(hostMemBytes int) *MemLink {
	return &MemLink{
		mem:    make([]byte, hostMemBytes),
		up:     true,
		cqs:    make(map[uint16]chan [16]byte),
		irqs:   make(chan uint16, 256),
		events: make(chan Event, 256),
	}
}

// --- device side ---

func (l *MemLink) PeekSQE() (uint16, [64]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sq) == 0 {
		return 0, [64]byte{}, false
	}
	e := l.sq[0]
	return e.qid, e.sqe, true
}

func (l *MemLink) PopSQE() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sq) > 0 {
		l.sq = l.sq[1:]
	}
}

func (l *MemLink) PostCQE(qid uint16, cqe [16]byte) error {
	l.mu.Lock()
	cq, ok := l.cqs[qid]
	if !ok {
		cq = make(chan [16]byte, 1024)
		l.cqs[qid] = cq
	}
	l.mu.Unlock()

	select {
	case cq <- cqe:
	default:
		return fmt.Errorf("pcie: CQ %d overflow", qid)
	}
	select {
	case l.irqs <- qid:
	default:
	}
	return nil
}

func (l *MemLink) DMARead(addr uint64, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return ErrLinkDown
	}
	if addr+uint64(len(p)) > uint64(len(l.mem)) {
		return ErrBadAddress
	}
	copy(p, l.mem[addr:])
	return nil
}

func (l *MemLink) DMAWrite(addr uint64, p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		return ErrLinkDown
	}
	if addr+uint64(len(p)) > uint64(len(l.mem)) {
		return ErrBadAddress
	}
	copy(l.mem[addr:], p)
	return nil
}

func (l *MemLink) Events() <-chan Event { return l.events }

func (l *MemLink) Up() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

// --- host side ---

// HostWrite places data into host memory, as a host application would
// before ringing a doorbell.
func (l *MemLink) HostWrite(addr uint64, p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy(l.mem[addr:], p)
}

// HostRead reads host memory back.
func (l *MemLink) HostRead(addr uint64, p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	copy(p, l.mem[addr:])
}

// Submit enqueues a submission queue entry and rings the doorbell.
func (l *MemLink) Submit(qid uint16, sqe [64]byte) {
	l.mu.Lock()
	l.sq = append(l.sq, sqEntry{qid: qid, sqe: sqe})
	l.mu.Unlock()
	l.event(Event{Type: EventDoorbell})
}

// WriteCC emulates a host write of the controller configuration register.
func (l *MemLink) WriteCC(val uint32) {
	l.event(Event{Type: EventCCWrite, CC: val})
}

// PollCQE waits for a completion on the given queue.
func (l *MemLink) PollCQE(qid uint16, timeout time.Duration) ([16]byte, bool) {
	l.mu.Lock()
	cq, ok := l.cqs[qid]
	if !ok {
		cq = make(chan [16]byte, 1024)
		l.cqs[qid] = cq
	}
	l.mu.Unlock()

	select {
	case cqe := <-cq:
		return cqe, true
	case <-time.After(timeout):
		return [16]byte{}, false
	}
}

// SetLinkState simulates link transitions.
func (l *MemLink) SetLinkState(up bool) {
	l.mu.Lock()
	l.up = up
	l.mu.Unlock()
	if up {
		l.event(Event{Type: EventLinkUp})
	} else {
		l.event(Event{Type: EventLinkDown})
	}
}

func (l *MemLink) event(ev Event) {
	select {
	case l.events <- ev:
	default:
	}
}

var _ Link = (*MemLink)(nil)
