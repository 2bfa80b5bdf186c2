// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Host link abstraction. The NVMe front-end talks to the PCIe endpoint IP
// through this interface; backends exist for plain in-process memory (the
// development and test build) and a shared-memory segment mapped with
// mmap (the VFIO-less host harness).

package pcie

import "errors"

var (
	// ErrLinkDown reports a transfer attempted while the link is down.
	ErrLinkDown = errors.New("pcie: link down")
	// ErrBadAddress reports a host address outside the mapped window.
	ErrBadAddress = errors.New("pcie: bad host address")
)

// EventType enumerates link-level events delivered to the front-end.
type EventType uint8

const (
	// EventCCWrite signals a host write to the controller configuration
	// register; the new value rides in the event.
	EventCCWrite EventType = iota
	// EventDoorbell signals new submission queue entries.
	EventDoorbell
	// EventLinkDown and EventLinkUp track the physical link.
	EventLinkDown
	EventLinkUp
)

// Event is one link notification.
type Event struct {
	Type EventType
	CC   uint32
}

// Link is the capability set the front-end needs from the endpoint:
// submission/completion queue access, host memory DMA and interrupt
// delivery.
type Link interface {
	// PeekSQE returns the next submission queue entry without consuming
	// it; PopSQE consumes it. Entries are raw 64-byte commands tagged
	// with their queue ID.
	PeekSQE() (qid uint16, sqe [64]byte, ok bool)
	PopSQE()

	// PostCQE posts a raw 16-byte completion to a completion queue and
	// raises the queue's interrupt vector.
	PostCQE(qid uint16, cqe [16]byte) error

	// DMARead copies host memory at addr into p; DMAWrite copies p into
	// host memory at addr.
	DMARead(addr uint64, p []byte) error
	DMAWrite(addr uint64, p []byte) error

	// Events delivers CC writes, doorbells and link transitions.
	Events() <-chan Event

	// Up reports link state.
	Up() bool
}

// QueueConfigurator is implemented by links whose I/O queues must be
// programmed explicitly (the shared-memory backend creates queues on
// demand and does not need it).
type QueueConfigurator interface {
	ConfigCQ(qid uint16, base uint64, size uint16, irqVector uint16) error
	ConfigSQ(qid uint16, base uint64, size uint16, cqid uint16) error
}
