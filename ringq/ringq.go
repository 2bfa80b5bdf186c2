// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Lock-free single-producer/single-consumer ring queues connecting the
// application processor with the real-time processors. A ring carries two
// directions: "avail" for requests and "used" for responses, each a ring of
// 32-bit slot descriptors. Descriptor payloads live outside the ring and
// are addressed by slot contents.

package ringq

import (
	"fmt"
	"sync/atomic"
)

// direction is one SPSC ring. Indices increase monotonically and are taken
// modulo capacity on access. The producer fills slots and publishes the
// tail with a release store; the consumer reads the tail with an acquire
// load, drains slots, and publishes the head for producer flow control.
type direction struct {
	slots []uint32
	mask  uint32

	tail atomic.Uint32 // published by producer
	head atomic.Uint32 // published by consumer

	ptail uint32 // producer-local insert index
	chead uint32 // consumer-local drain index
	ctail uint32 // consumer snapshot of tail
}

func (d *direction) push(v uint32) bool {
	if d.ptail-d.head.Load() > d.mask {
		// Full. Overflow is a programming error upstream; callers size the
		// ring for the maximum number of outstanding descriptors.
		return false
	}
	d.slots[d.ptail&d.mask] = v
	d.ptail++
	return true
}

func (d *direction) publish() { d.tail.Store(d.ptail) }

func (d *direction) snapshot() { d.ctail = d.tail.Load() }

func (d *direction) pop() (uint32, bool) {
	if d.chead == d.ctail {
		return 0, false
	}
	v := d.slots[d.chead&d.mask]
	d.chead++
	d.head.Store(d.chead)
	return v, true
}

func (d *direction) pending() bool { return d.tail.Load() != d.head.Load() }

// Ring provides request/response semantics between exactly two parties:
// the request producer calls AddAvail/WriteAvailTail and GetUsed, the
// service side calls GetAvail and AddUsed/WriteUsedTail.
type Ring struct {
	avail direction
	used  direction
}

// New creates a ring; capacity must be a power of two.
func New(capacity uint32) (*Ring, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringq: capacity %d not a power of two", capacity)
	}
	r := &Ring{}
	r.avail.slots = make([]uint32, capacity)
	r.avail.mask = capacity - 1
	r.used.slots = make([]uint32, capacity)
	r.used.mask = capacity - 1
	return r, nil
}

// AddAvail enqueues a request descriptor. Not visible to the consumer
// until WriteAvailTail.
func (r *Ring) AddAvail(v uint32) bool { return r.avail.push(v) }

// WriteAvailTail publishes all requests added so far (release).
func (r *Ring) WriteAvailTail() { r.avail.publish() }

// ReadAvailTail snapshots the published request tail (acquire).
func (r *Ring) ReadAvailTail() { r.avail.snapshot() }

// GetAvail dequeues the next request up to the last snapshot.
func (r *Ring) GetAvail() (uint32, bool) { return r.avail.pop() }

// AddUsed enqueues a response descriptor.
func (r *Ring) AddUsed(v uint32) bool { return r.used.push(v) }

// WriteUsedTail publishes all responses added so far (release).
func (r *Ring) WriteUsedTail() { r.used.publish() }

// ReadUsedTail snapshots the published response tail (acquire).
func (r *Ring) ReadUsedTail() { r.used.snapshot() }

// GetUsed dequeues the next response up to the last snapshot.
func (r *Ring) GetUsed() (uint32, bool) { return r.used.pop() }

// AvailPending reports whether unconsumed requests exist. Safe from either
// side; used by service loops deciding whether to sleep.
func (r *Ring) AvailPending() bool { return r.avail.pending() }

// UsedPending reports whether unconsumed responses exist.
func (r *Ring) UsedPending() bool { return r.used.pending() }
