// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package pcie

import "sync/atomic"

// DMAEngine issues host transfers over a link, splitting them into bursts
// bounded by the endpoint's maximum read-request and write-payload sizes.
// Channels are a pool of disjoint resources; each transfer reserves one
// for all of its bursts.
type DMAEngine struct {
	link Link

	// burst limits in bytes; zero means unlimited
	MaxReadRequest  uint32
	MaxWritePayload uint32

	channels chan struct{}
	stopped  atomic.Bool
}

// NewDMAEngine creates an engine with the given channel count.
func NewDMAEngine(link Link, channels int, maxReadReq, maxWritePayload uint32) *DMAEngine {
	e := &DMAEngine{
		link:            link,
		MaxReadRequest:  maxReadReq,
		MaxWritePayload: maxWritePayload,
		channels:        make(chan struct{}, channels),
	}
	for i := 0; i < channels; i++ {
		e.channels <- struct{}{}
	}
	return e
}

// Stop fails further transfers; called on link-down.
func (e *DMAEngine) Stop() { e.stopped.Store(true) }

// Start re-enables transfers; called on link-up.
func (e *DMAEngine) Start() { e.stopped.Store(false) }

func (e *DMAEngine) transfer(addr uint64, p []byte, limit uint32, write bool) error {
	if e.stopped.Load() {
		return ErrLinkDown
	}

	// Reserve a DMA channel for the transfer.
	<-e.channels
	defer func() { e.channels <- struct{}{} }()

	for len(p) > 0 {
		chunk := len(p)
		if limit > 0 && chunk > int(limit) {
			chunk = int(limit)
		}
		var err error
		if write {
			err = e.link.DMAWrite(addr, p[:chunk])
		} else {
			err = e.link.DMARead(addr, p[:chunk])
		}
		if err != nil {
			return err
		}
		addr += uint64(chunk)
		p = p[chunk:]
	}
	return nil
}

// Read copies host memory into p in read-request-sized bursts.
func (e *DMAEngine) Read(addr uint64, p []byte) error {
	return e.transfer(addr, p, e.MaxReadRequest, false)
}

// Write copies p into host memory in payload-sized bursts.
func (e *DMAEngine) Write(addr uint64, p []byte) error {
	return e.transfer(addr, p, e.MaxWritePayload, true)
}
