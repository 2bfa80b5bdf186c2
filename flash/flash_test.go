// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	g := DefaultGeometry()
	require.NoError(t, g.Validate())

	// Exhaustive over the outer dimensions, sampled over blocks and pages.
	for ch := uint32(0); ch < g.Channels; ch++ {
		for w := uint32(0); w < g.ChipsPerChannel; w++ {
			for d := uint32(0); d < g.DiesPerChip; d++ {
				for pl := uint32(0); pl < g.PlanesPerDie; pl++ {
					for _, b := range []uint32{0, 1, 517, g.BlocksPerPlane - 1} {
						for _, p := range []uint32{0, 1, 255, g.PagesPerBlock - 1} {
							addr := Address{ch, w, d, pl, b, p}
							ppn := g.PPN(addr)
							assert.Equal(t, addr, g.Address(ppn), "ppn %#x", ppn)
						}
					}
				}
			}
		}
	}
}

func TestPPNOrdering(t *testing.T) {
	g := DefaultGeometry()

	// Page is the fastest-varying dimension, channel the slowest.
	a := Address{Channel: 1, Chip: 0, Die: 1, Plane: 0, Block: 3, Page: 7}
	b := a
	b.Page++
	assert.Equal(t, g.PPN(a)+1, g.PPN(b))

	assert.Equal(t, PPN(0), g.PPN(Address{}))
	last := Address{
		Channel: g.Channels - 1, Chip: g.ChipsPerChannel - 1,
		Die: g.DiesPerChip - 1, Plane: g.PlanesPerDie - 1,
		Block: g.BlocksPerPlane - 1, Page: g.PagesPerBlock - 1,
	}
	assert.Equal(t, uint64(g.PPN(last)), g.TotalPages()-1)
}

func TestGeometryValidate(t *testing.T) {
	g := DefaultGeometry()
	assert.NoError(t, g.Validate())

	bad := g
	bad.SectorSize = 1000
	assert.Error(t, bad.Validate())

	bad = g
	bad.PageSize = 16000
	assert.Error(t, bad.Validate())

	bad = g
	bad.SectorSize = 512
	bad.PageSize = 512 * 128
	assert.Error(t, bad.Validate(), "more than 64 sectors per page")
}

func TestBitmap(t *testing.T) {
	bm := NewBitmap(130)
	assert.Len(t, bm, 3)

	bm.Set(0)
	bm.Set(64)
	bm.Set(129)
	assert.True(t, bm.Test(0))
	assert.True(t, bm.Test(64))
	assert.True(t, bm.Test(129))
	assert.False(t, bm.Test(1))
	assert.Equal(t, uint32(3), bm.CountSet(130))

	assert.Equal(t, uint32(1), bm.NextZero(0, 130))
	bm.Set(1)
	bm.Set(2)
	assert.Equal(t, uint32(3), bm.NextZero(0, 130))

	full := NewBitmap(64)
	for i := uint32(0); i < 64; i++ {
		full.Set(i)
	}
	assert.Equal(t, uint32(64), full.NextZero(0, 64))

	bm.Clear(64)
	assert.False(t, bm.Test(64))
	assert.Equal(t, uint32(4), bm.CountSet(130))
}

func TestPageBufferSize(t *testing.T) {
	g := DefaultGeometry()
	assert.Equal(t, uint32(20480), g.PageBufferSize()) // 16384+1872 rounded to 4K

	bp := NewBufferPool(&g)
	buf := bp.GetZeroed()
	assert.Len(t, buf, int(g.PageBufferSize()))
	bp.Put(buf)
}
