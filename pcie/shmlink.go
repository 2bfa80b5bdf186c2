// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package pcie

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ShmLink is the shared-memory link backend: the queue rings, the
// emulated controller registers and the host memory window live in a
// mmap'd file shared with the host-side harness. Index publication uses
// the same release/acquire discipline as the internal ring queues.
//
// Layout:
//
//	0x000  magic, link-up flag, CC value, CC sequence number
//	0x010  SQ ring: tail, head, 64 slots x (4-byte qid + 64-byte SQE)
//	0x1118 CQ ring: tail, head, 64 slots x (4-byte qid + 16-byte CQE)
//	0x1620 host memory window (remainder of the file)
const (
	shmMagic    = 0x4d435351 // "QSCM"
	shmSQSlots  = 64
	shmCQSlots  = 64
	shmSQEntry  = 4 + 64
	shmCQEntry  = 4 + 16
	shmHdrSize  = 0x10
	shmSQOff    = shmHdrSize
	shmSQSize   = 8 + shmSQSlots*shmSQEntry
	shmCQOff    = shmSQOff + shmSQSize
	shmCQSize   = 8 + shmCQSlots*shmCQEntry
	shmWindowOf = shmCQOff + shmCQSize
)

type ShmLink struct {
	f    *os.File
	mem  []byte
	stop chan struct{}

	sqHead uint32 // device-local consumer index
	lastCC uint32

	events chan Event
	upFlag atomic.Bool
}

// OpenShmLink maps (creating if necessary) the shared-memory file. size
// covers the rings plus the host memory window.
func OpenShmLink(path string, size int) (*ShmLink, error) {
	if size < shmWindowOf+4096 {
		return nil, fmt.Errorf("pcie: shm segment too small (%d bytes)", size)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &ShmLink{
		f:      f,
		mem:    mem,
		stop:   make(chan struct{}),
		events: make(chan Event, 256),
	}
	binary.LittleEndian.PutUint32(mem[0:], shmMagic)
	l.upFlag.Store(l.word(4) != 0)

	go l.poll()
	return l, nil
}

// Close unmaps the segment.
func (l *ShmLink) Close() error {
	close(l.stop)
	if err := unix.Munmap(l.mem); err != nil {
		return err
	}
	return l.f.Close()
}

func (l *ShmLink) word(off int) uint32 {
	return atomic.LoadUint32((*uint32)(ptrAt(l.mem, off)))
}

func (l *ShmLink) setWord(off int, v uint32) {
	atomic.StoreUint32((*uint32)(ptrAt(l.mem, off)), v)
}

// poll watches the register words and the SQ tail, turning changes into
// events. The harness on the other side has no way to interrupt us, so
// this stands in for the IP's interrupt lines.
func (l *ShmLink) poll() {
	tick := time.NewTicker(100 * time.Microsecond)
	defer tick.Stop()

	var lastCCSeq, lastTail uint32
	for {
		select {
		case <-l.stop:
			return
		case <-tick.C:
		}

		if up := l.word(4) != 0; up != l.upFlag.Load() {
			l.upFlag.Store(up)
			if up {
				l.event(Event{Type: EventLinkUp})
			} else {
				l.event(Event{Type: EventLinkDown})
			}
		}

		if seq := l.word(12); seq != lastCCSeq {
			lastCCSeq = seq
			l.lastCC = l.word(8)
			l.event(Event{Type: EventCCWrite, CC: l.lastCC})
		}

		if tail := l.word(shmSQOff); tail != lastTail {
			lastTail = tail
			l.event(Event{Type: EventDoorbell})
		}
	}
}

func (l *ShmLink) event(ev Event) {
	select {
	case l.events <- ev:
	default:
	}
}

func (l *ShmLink) PeekSQE() (uint16, [64]byte, bool) {
	tail := l.word(shmSQOff)
	if l.sqHead == tail {
		return 0, [64]byte{}, false
	}
	slot := shmSQOff + 8 + int(l.sqHead%shmSQSlots)*shmSQEntry
	qid := uint16(binary.LittleEndian.Uint32(l.mem[slot:]))
	var sqe [64]byte
	copy(sqe[:], l.mem[slot+4:])
	return qid, sqe, true
}

func (l *ShmLink) PopSQE() {
	if l.sqHead != l.word(shmSQOff) {
		l.sqHead++
		l.setWord(shmSQOff+4, l.sqHead)
	}
}

func (l *ShmLink) PostCQE(qid uint16, cqe [16]byte) error {
	tail := l.word(shmCQOff)
	head := l.word(shmCQOff + 4)
	if tail-head >= shmCQSlots {
		return fmt.Errorf("pcie: shm CQ overflow")
	}
	slot := shmCQOff + 8 + int(tail%shmCQSlots)*shmCQEntry
	binary.LittleEndian.PutUint32(l.mem[slot:], uint32(qid))
	copy(l.mem[slot+4:], cqe[:])
	l.setWord(shmCQOff, tail+1)
	return nil
}

func (l *ShmLink) DMARead(addr uint64, p []byte) error {
	if !l.upFlag.Load() {
		return ErrLinkDown
	}
	base := uint64(shmWindowOf)
	if base+addr+uint64(len(p)) > uint64(len(l.mem)) {
		return ErrBadAddress
	}
	copy(p, l.mem[base+addr:])
	return nil
}

func (l *ShmLink) DMAWrite(addr uint64, p []byte) error {
	if !l.upFlag.Load() {
		return ErrLinkDown
	}
	base := uint64(shmWindowOf)
	if base+addr+uint64(len(p)) > uint64(len(l.mem)) {
		return ErrBadAddress
	}
	copy(l.mem[base+addr:], p)
	return nil
}

func (l *ShmLink) Events() <-chan Event { return l.events }

func (l *ShmLink) Up() bool { return l.upFlag.Load() }

var _ Link = (*ShmLink)(nil)
