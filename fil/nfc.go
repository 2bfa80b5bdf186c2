// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fil

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/dswarbrick/openssd/flash"
)

// TransferDir distinguishes the two DMA directions of a channel.
type TransferDir uint8

const (
	ToNAND TransferDir = iota
	FromNAND
)

// Controller abstracts one channel's NAND flash controller above the
// register level. The pipeline drives it with the ONFI-shaped command
// sequence: chip select, address/trigger, transfer start, transfer
// completion polling and asynchronous status reads.
type Controller interface {
	// SelectChip asserts or deasserts chip enable for one chip of the
	// channel. At most one chip is selected at a time.
	SelectChip(chip uint32, enable bool)

	// ReadPageAddr issues the row/column address cycle for a page read.
	ReadPageAddr(die, plane, block, page, col uint32)
	// ReadPage triggers array read for the previously addressed page.
	ReadPage()
	// ReadTransfer starts the data-out DMA into data (and code, when ECC
	// bytes are requested; code may be nil).
	ReadTransfer(die, plane uint32, data []byte, code []byte)

	// ProgramTransfer issues the address cycle and streams data in.
	ProgramTransfer(die, plane, block, page, col uint32, data []byte)
	// ProgramPage confirms the program, starting array execution.
	ProgramPage()

	// EraseBlock issues the erase opcode for a block.
	EraseBlock(die, plane, block uint32)

	// TransferDone polls whether the outstanding DMA in the direction has
	// drained.
	TransferDone(dir TransferDir) bool
	// CompleteTransfer retires the outstanding DMA and, for FromNAND,
	// returns the per-codeword error bitmap of the transfer.
	CompleteTransfer(dir TransferDir, length uint32) uint64

	// ReadStatusAsync issues READ STATUS for a die; CheckStatus polls the
	// response. ready is false while the status poll itself is still in
	// flight on the bus.
	ReadStatusAsync(die, plane uint32)
	CheckStatus() (ready, arrayBusy, failed bool)

	// StepSize and CodeSize describe the ECC codeword layout the
	// controller applies inline during transfers.
	StepSize() uint32
	CodeSize() uint32
}

// MemController is a memory-backed channel controller used by the
// development build and the tests. Array latencies are modelled by the
// pipeline, not here: commands complete instantly at this level, and
// erased pages read back as zeroes.
type MemController struct {
	geom *flash.Geometry

	mu       sync.Mutex
	selected int32 // selected chip, -1 when none

	// pages[chip][die][plane][block][page], allocated lazily on first
	// program.
	pages map[pageKey][]byte

	readAddr      memAddr
	lastErrBitmap uint64

	pendingXfer [2]bool
	statusDie   int32

	// injected per-page error bitmaps, consumed on the next read transfer
	faults map[pageKey]uint64

	step, code uint32
}

type pageKey struct {
	chip, die, plane, block, page uint32
}

// NewMemController creates a controller for one channel of the geometry.
func NewMemController(g *flash.Geometry, stepSize, codeSize uint32) *MemController {
	return &MemController{
		geom:     g,
		selected: -1,
		pages:    make(map[pageKey][]byte),
		faults:   make(map[pageKey]uint64),
		step:     stepSize,
		code:     codeSize,
	}
}

func (c *MemController) StepSize() uint32 { return c.step }
func (c *MemController) CodeSize() uint32 { return c.code }

func (c *MemController) SelectChip(chip uint32, enable bool) {
	c.mu.Lock()
	if enable {
		c.selected = int32(chip)
	} else {
		c.selected = -1
	}
	c.mu.Unlock()
}

func (c *MemController) key(die, plane, block, page uint32) pageKey {
	return pageKey{uint32(c.selected), die, plane, block, page}
}

// addressed page for the read sequence
type memAddr struct {
	die, plane, block, page, col uint32
}

var _ Controller = (*MemController)(nil)

func (c *MemController) ReadPageAddr(die, plane, block, page, col uint32) {
	c.mu.Lock()
	c.readAddr = memAddr{die, plane, block, page, col}
	c.mu.Unlock()
}

func (c *MemController) ReadPage() {}

// dataOffset decodes a column address: columns on the wire count in
// (step + code) units when ECC bytes travel with the data; raw byte
// offsets are always step-aligned, so the two encodings are
// distinguishable.
func (c *MemController) dataOffset(col uint32) uint32 {
	unit := c.step + c.code
	if col%unit == 0 {
		return col / unit * c.step
	}
	return col
}

func (c *MemController) ReadTransfer(die, plane uint32, data []byte, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.readAddr
	k := c.key(a.die, a.plane, a.block, a.page)
	stored := c.pages[k]
	dataOff := int(c.dataOffset(a.col))

	for i := range data {
		off := dataOff + i
		if stored != nil && off < int(c.geom.PageSize) {
			data[i] = stored[off]
		} else {
			data[i] = 0
		}
	}
	if code != nil {
		codeBase := int(c.geom.PageSize) + dataOff/int(c.step)*int(c.code)
		for i := range code {
			off := codeBase + i
			if stored != nil && off < len(stored) {
				code[i] = stored[off]
			} else {
				code[i] = 0
			}
		}
	}

	c.lastErrBitmap = c.faults[k]
	delete(c.faults, k)
	c.pendingXfer[FromNAND] = true
}

var memCRCTable = crc32.MakeTable(crc32.Castagnoli)

func (c *MemController) ProgramTransfer(die, plane, block, page, col uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(die, plane, block, page)
	stored := c.pages[k]
	if stored == nil {
		stored = make([]byte, c.geom.PageSize+c.geom.OOBSize)
		c.pages[k] = stored
	}
	copy(stored[c.dataOffset(col):], data)

	// The controller computes the per-codeword codes inline during the
	// transfer and stores them in the spare area.
	if c.code >= 4 {
		nrSteps := c.geom.PageSize / c.step
		for s := uint32(0); s < nrSteps; s++ {
			word := stored[s*c.step : (s+1)*c.step]
			off := c.geom.PageSize + s*c.code
			binary.LittleEndian.PutUint32(stored[off:], crc32.Checksum(word, memCRCTable))
		}
	}
	c.pendingXfer[ToNAND] = true
}

func (c *MemController) ProgramPage() {}

func (c *MemController) EraseBlock(die, plane, block uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := uint32(0); p < c.geom.PagesPerBlock; p++ {
		delete(c.pages, c.key(die, plane, block, p))
	}
}

func (c *MemController) TransferDone(dir TransferDir) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingXfer[dir]
}

func (c *MemController) CompleteTransfer(dir TransferDir, length uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingXfer[dir] = false
	if dir == FromNAND {
		return c.lastErrBitmap
	}
	return 0
}

func (c *MemController) ReadStatusAsync(die, plane uint32) {
	c.mu.Lock()
	c.statusDie = int32(die)
	c.mu.Unlock()
}

func (c *MemController) CheckStatus() (ready, arrayBusy, failed bool) {
	// The memory array is always ready and never reports a failure.
	return true, false, false
}

// InjectReadError arms a one-shot error bitmap for the page at addr on the
// given chip; the next read transfer of that page reports it. Used by
// tests to exercise the ECC correction path.
func (c *MemController) InjectReadError(chip uint32, addr flash.Address, bitmap uint64, corrupt bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := pageKey{chip, addr.Die, addr.Plane, addr.Block, addr.Page}
	c.faults[k] = bitmap
	if corrupt {
		if stored := c.pages[k]; stored != nil {
			stored[0] ^= 0xff
		}
	}
}

// CorruptMatching flips a bit in every stored page of a chip whose first
// byte matches pattern, arming the given error bitmap on each. Returns
// the number of pages hit.
func (c *MemController) CorruptMatching(chip uint32, pattern byte, bitmap uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, stored := range c.pages {
		if k.chip != chip || stored[0] != pattern {
			continue
		}
		stored[1] ^= 0x01
		c.faults[k] = bitmap
		n++
	}
	return n
}
