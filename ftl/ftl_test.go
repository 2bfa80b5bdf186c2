// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/metafs"
	"github.com/dswarbrick/openssd/worker"
)

// fakeFlash stands in for the FIL: a PPN-indexed page store shared across
// power cycles.
type fakeFlash struct {
	mu    sync.Mutex
	geom  *flash.Geometry
	pages map[flash.PPN][]byte
}

func newFakeFlash(g *flash.Geometry) *fakeFlash {
	return &fakeFlash{geom: g, pages: make(map[flash.PPN][]byte)}
}

func (ff *fakeFlash) submit(w *worker.Worker, txn *flash.Transaction) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	switch txn.Type {
	case flash.TxnWrite:
		page := make([]byte, ff.geom.PageSize)
		copy(page, txn.Data[:ff.geom.PageSize])
		ff.pages[ff.geom.PPN(txn.Addr)] = page
	case flash.TxnRead:
		stored := ff.pages[ff.geom.PPN(txn.Addr)]
		dst := txn.Data[:ff.geom.PageSize]
		if stored == nil {
			for i := range dst {
				dst[i] = 0
			}
		} else {
			copy(dst, stored)
		}
	case flash.TxnErase:
	}
	return nil
}

// bufHost satisfies HostXfer against the request's Buf field.
type bufHost struct{}

func (bufHost) DMARead(w *worker.Worker, req *Request, iov []IOVec, count uint32) error {
	off := 0
	for _, v := range iov {
		off += copy(v.Base, req.Buf[off:])
	}
	return nil
}

func (bufHost) DMAWrite(w *worker.Worker, req *Request, iov []IOVec, count uint32) error {
	off := 0
	for _, v := range iov {
		off += copy(req.Buf[off:], v.Base)
	}
	return nil
}

func ftlTestGeometry() flash.Geometry {
	g := flash.DefaultGeometry()
	g.Channels = 2
	g.ChipsPerChannel = 1
	g.DiesPerChip = 2
	g.PlanesPerDie = 2
	g.BlocksPerPlane = 64
	g.PagesPerBlock = 32
	return g
}

func newTestFTL(t *testing.T, g *flash.Geometry, ff *fakeFlash, dir string) *FTL {
	t.Helper()
	store, err := metafs.Open(dir)
	require.NoError(t, err)

	f := New(Config{
		Geometry:        g,
		Store:           store,
		Submit:          ff.submit,
		Correct:         func(w *worker.Worker, data, code []byte, errBitmap uint64) error { return nil },
		Host:            bufHost{},
		DataCacheBytes:  uint64(g.PageSize) * 64,
		XlateCacheBytes: uint64(g.PageSize/4) * 8 * 4, // four translation pages
		NrFlushers:      0,
		WriteCache:      true,
		CapacityBytes:   1 << 30,
		Log:             zerolog.Nop(),
	})
	require.NoError(t, f.Init(InitOptions{}))
	return f
}

func writeReq(f *FTL, nsid uint32, lba flash.LBA, sectors uint32, data []byte) *Request {
	return &Request{Type: IOWrite, NSID: nsid, StartLBA: lba, SectorCount: sectors, Buf: data}
}

func readReq(f *FTL, nsid uint32, lba flash.LBA, sectors uint32, buf []byte) *Request {
	return &Request{Type: IORead, NSID: nsid, StartLBA: lba, SectorCount: sectors, Buf: buf}
}

func TestSegmentation(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	// 4 KiB sectors, 16 KiB pages: LBA 3 length 6 spans three pages.
	req := &Request{Type: IOWrite, NSID: 1, StartLBA: 3, SectorCount: 6}
	f.segment(req)
	require.Len(t, req.Txns, 3)

	assert.Equal(t, flash.LPA(0), req.Txns[0].LPA)
	assert.Equal(t, flash.PageBitmap(0b1000), req.Txns[0].Bitmap)
	assert.Equal(t, uint32(3*g.SectorSize), req.Txns[0].Offset)
	assert.Equal(t, g.SectorSize, req.Txns[0].Length)

	assert.Equal(t, flash.LPA(1), req.Txns[1].LPA)
	assert.Equal(t, flash.PageBitmap(0b1111), req.Txns[1].Bitmap)
	assert.Equal(t, uint32(0), req.Txns[1].Offset)
	assert.Equal(t, 4*g.SectorSize, req.Txns[1].Length)

	assert.Equal(t, flash.LPA(2), req.Txns[2].LPA)
	assert.Equal(t, flash.PageBitmap(0b0001), req.Txns[2].Bitmap)
	assert.Equal(t, g.SectorSize, req.Txns[2].Length)
}

func TestWriteReadRoundTrip(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	pattern := make([]byte, 4*g.SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 0, 4, pattern)))

	got := make([]byte, len(pattern))
	require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, 0, 4, got)))
	assert.True(t, bytes.Equal(pattern, got))
}

func TestOverlappingWrites(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	aa := bytes.Repeat([]byte{0xAA}, int(2*g.SectorSize))
	bb := bytes.Repeat([]byte{0x55}, int(g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 1, 2, aa)))
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 0, 1, bb)))

	got := make([]byte, 3*g.SectorSize)
	require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, 0, 3, got)))

	for i := uint32(0); i < g.SectorSize; i++ {
		require.Equal(t, byte(0x55), got[i], "sector 0 at %d", i)
	}
	for i := g.SectorSize; i < 3*g.SectorSize; i++ {
		require.Equal(t, byte(0xAA), got[i], "sectors 1-2 at %d", i)
	}
}

func TestWriteZeroes(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	junk := bytes.Repeat([]byte{0xEE}, int(8*g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 100, 8, junk)))

	zero := &Request{Type: IOWriteZeroes, NSID: 1, StartLBA: 100, SectorCount: 8}
	require.NoError(t, f.ProcessRequest(nil, zero))

	got := bytes.Repeat([]byte{0xFF}, int(8*g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, 100, 8, got)))
	for i := range got {
		require.Zero(t, got[i], "byte %d", i)
	}
}

func TestFlushAndPowerCycle(t *testing.T) {
	g := ftlTestGeometry()
	ff := newFakeFlash(&g)
	dir := t.TempDir()

	f := newTestFTL(t, &g, ff, dir)
	pattern := bytes.Repeat([]byte{0x5A}, int(g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 7, 1, pattern)))
	require.NoError(t, f.ProcessRequest(nil, &Request{Type: IOFlush, NSID: 1}))
	require.NoError(t, f.Sync(nil))

	// Power cycle: new FTL over the same flash and metadata store.
	f2 := newTestFTL(t, &g, ff, dir)
	got := make([]byte, g.SectorSize)
	require.NoError(t, f2.ProcessRequest(nil, readReq(f2, 1, 7, 1, got)))
	assert.True(t, bytes.Equal(pattern, got))
}

func TestCacheHitCounters(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	data := bytes.Repeat([]byte{1}, int(4*g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, 0, 4, data)))

	got := make([]byte, len(data))
	before := f.Cache().Stats.ReadHits.Load()
	require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, 0, 4, got)))
	assert.Greater(t, f.Cache().Stats.ReadHits.Load(), before,
		"read of just-written sectors must hit the cache")
}

func TestReadUnwrittenReturnsZeros(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	got := bytes.Repeat([]byte{0xFF}, int(2*g.SectorSize))
	require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, 500, 2, got)))
	for i := range got {
		require.Zero(t, got[i])
	}
}

func TestXlateCacheEvictionPressure(t *testing.T) {
	g := ftlTestGeometry()
	ff := newFakeFlash(&g)
	f := newTestFTL(t, &g, ff, t.TempDir())

	// Touch more translation pages than the cache holds (capacity 4).
	entsPerPage := g.PageSize / 4
	spp := g.SectorsPerPage()
	data := bytes.Repeat([]byte{7}, int(g.SectorSize))
	var lbas []flash.LBA
	for i := uint32(0); i < 6; i++ {
		lba := flash.LBA(i) * flash.LBA(entsPerPage) * flash.LBA(spp)
		lbas = append(lbas, lba)
		require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, lba, 1, data)))
	}

	// Everything remains readable after evictions.
	for _, lba := range lbas {
		got := make([]byte, g.SectorSize)
		require.NoError(t, f.ProcessRequest(nil, readReq(f, 1, lba, 1, got)))
		assert.True(t, bytes.Equal(data, got), "lba %d", lba)
	}
}

func TestNamespaceLifecycle(t *testing.T) {
	g := ftlTestGeometry()
	f := newTestFTL(t, &g, newFakeFlash(&g), t.TempDir())

	// Namespace 1 exists and is active from first boot.
	info, err := f.GetNamespace(1)
	require.NoError(t, err)
	assert.True(t, info.Active)

	nsid, err := f.CreateNamespace(NamespaceInfo{SizeBlocks: 1 << 16, CapacityBlocks: 1 << 16})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), nsid)

	// Allocated but not active: no I/O.
	err = f.ProcessRequest(nil, writeReq(f, nsid, 0, 1, make([]byte, g.SectorSize)))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.AttachNamespace(nsid))
	assert.ErrorIs(t, f.AttachNamespace(nsid), ErrBusy)

	require.NoError(t, f.ProcessRequest(nil, writeReq(f, nsid, 0, 1, make([]byte, g.SectorSize))))

	require.NoError(t, f.DetachNamespace(nsid))
	assert.ErrorIs(t, f.DetachNamespace(nsid), ErrNotFound)

	require.NoError(t, f.DeleteNamespace(nsid))
	_, err = f.GetNamespace(nsid)
	assert.ErrorIs(t, err, ErrNotFound)

	// Unknown namespaces are rejected.
	_, err = f.GetNamespace(99)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFlusherPool(t *testing.T) {
	g := ftlTestGeometry()
	ff := newFakeFlash(&g)
	store, err := metafs.Open(t.TempDir())
	require.NoError(t, err)

	f := New(Config{
		Geometry:        &g,
		Store:           store,
		Submit:          ff.submit,
		Correct:         func(w *worker.Worker, data, code []byte, errBitmap uint64) error { return nil },
		Host:            bufHost{},
		DataCacheBytes:  uint64(g.PageSize) * 64,
		XlateCacheBytes: uint64(g.PageSize/4) * 8 * 4,
		NrFlushers:      4,
		WriteCache:      true,
		CapacityBytes:   1 << 30,
		Log:             zerolog.Nop(),
	})
	require.NoError(t, f.Init(InitOptions{}))

	pool := worker.NewPool(4, zerolog.Nop())
	pool.Start(func(w *worker.Worker) { f.FlusherMain(w, w.ID) })
	defer func() {
		f.StopFlushers()
		pool.Join()
	}()

	// Dirty a spread of pages, then flush the namespace.
	data := bytes.Repeat([]byte{3}, int(g.SectorSize))
	spp := g.SectorsPerPage()
	for i := uint32(0); i < 16; i++ {
		require.NoError(t, f.ProcessRequest(nil, writeReq(f, 1, flash.LBA(i*spp), 1, data)))
	}

	require.NoError(t, f.ProcessRequest(nil, &Request{Type: IOFlushData, NSID: 1}))

	// After the flush every entry is clean.
	dc := f.Cache()
	dc.mu.Lock()
	dirty := 0
	dc.index.Ascend(func(e *cacheEntry) bool {
		if e.status == EntryDirty {
			dirty++
		}
		return true
	})
	dc.mu.Unlock()
	assert.Zero(t, dirty)

	// The flushed pages are on flash.
	ff.mu.Lock()
	stored := len(ff.pages)
	ff.mu.Unlock()
	assert.GreaterOrEqual(t, stored, 16)
}
