// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/worker"
)

const gtdFileFormat = "gtd_ns%d.bin"

// PlaneAllocScheme selects which of the 24 interleavings of
// {channel, chip, die, plane} successive LPAs are striped across. It is a
// static property of a namespace.
type PlaneAllocScheme uint8

const (
	PASCWDP PlaneAllocScheme = iota
	PASCWPD
	PASCDWP
	PASCDPW
	PASCPWD
	PASCPDW
	PASWCDP
	PASWCPD
	PASWDCP
	PASWDPC
	PASWPCD
	PASWPDC
	PASDCWP
	PASDCPW
	PASDWCP
	PASDWPC
	PASDPCW
	PASDPWC
	PASPCWD
	PASPCDW
	PASPWCD
	PASPWDC
	PASPDCW
	PASPDWC
)

// dimension indices: 0 = channel, 1 = chip, 2 = die, 3 = plane
var schemeOrder = [24][4]uint8{
	{0, 1, 2, 3}, {0, 1, 3, 2}, {0, 2, 1, 3}, {0, 2, 3, 1}, {0, 3, 1, 2}, {0, 3, 2, 1},
	{1, 0, 2, 3}, {1, 0, 3, 2}, {1, 2, 0, 3}, {1, 2, 3, 0}, {1, 3, 0, 2}, {1, 3, 2, 0},
	{2, 0, 1, 3}, {2, 0, 3, 1}, {2, 1, 0, 3}, {2, 1, 3, 0}, {2, 3, 0, 1}, {2, 3, 1, 0},
	{3, 0, 1, 2}, {3, 0, 2, 1}, {3, 1, 0, 2}, {3, 1, 2, 0}, {3, 2, 0, 1}, {3, 2, 1, 0},
}

// xlateEntry is the in-memory mapping entry: the PPN plus the bitmap of
// sectors of that physical page holding valid data. On disk only the PPN
// is kept; bitmaps re-expand to all-valid on load.
type xlateEntry struct {
	ppn    flash.PPN
	bitmap flash.PageBitmap
}

// xlatePage is a cached translation page.
type xlatePage struct {
	mvpn    uint32
	entries []xlateEntry
	dirty   bool
	mutex   worker.Mutex
	pin     uint32
	lruElem *list.Element
}

func xlatePageLess(a, b *xlatePage) bool { return a.mvpn < b.mvpn }

// xlateCache is the bounded LRU set of translation pages loaded into RAM.
// The structure lock covers the index, the LRU list and pin counts; page
// contents are guarded by the per-page mutex.
type xlateCache struct {
	capacity int
	size     int

	mu    sync.Mutex
	index *btree.BTreeG[*xlatePage]
	lru   *list.List // back = least recently used
}

func newXlateCache(capacity int) *xlateCache {
	return &xlateCache{
		capacity: capacity,
		index:    btree.NewG(8, xlatePageLess),
		lru:      list.New(),
	}
}

// pin detaches the page from the LRU; pinned pages are never evicted.
// Callers hold the structure lock.
func (c *xlateCache) pinLocked(pg *xlatePage) {
	if pg.pin == 0 && pg.lruElem != nil {
		c.lru.Remove(pg.lruElem)
		pg.lruElem = nil
	}
	pg.pin++
}

func (c *xlateCache) unpin(pg *xlatePage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pg.pin == 0 {
		panic("amu: unpin of unpinned translation page")
	}
	pg.pin--
	if pg.pin == 0 {
		pg.lruElem = c.lru.PushFront(pg)
	}
}

// Domain is the per-namespace address mapping state.
type Domain struct {
	ftl  *FTL
	nsid uint32

	totalLogicalPages uint64
	scheme            PlaneAllocScheme

	// Global translation directory: translation-page index to the PPN
	// currently storing it.
	gtdMu sync.Mutex
	gtd   []flash.PPN

	entsPerPage     uint32
	totalXlatePages uint32

	cache *xlateCache
}

func (d *Domain) mvpnOf(lpa flash.LPA) uint32 { return uint32(lpa) / d.entsPerPage }
func (d *Domain) slotOf(lpa flash.LPA) uint32 { return uint32(lpa) % d.entsPerPage }
func (d *Domain) gtdFile() string             { return fmt.Sprintf(gtdFileFormat, d.nsid) }

// attachDomain creates or restores the mapping domain for a namespace.
// capacityBytes bounds the translation-page cache.
func (f *FTL) attachDomain(nsid uint32, capacityBytes uint64, totalLogicalPages uint64, reset bool) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	f.domainMu.Lock()
	defer f.domainMu.Unlock()
	if f.domains[nsid-1] != nil {
		return ErrInvalid
	}

	entsPerPage := f.geom.PageSize / 4
	totalXlate := uint32((totalLogicalPages + uint64(entsPerPage) - 1) / uint64(entsPerPage))
	// In-memory pages carry the expanded bitmaps, 8 bytes per entry.
	xlatePgSize := uint64(entsPerPage) * 8

	d := &Domain{
		ftl:               f,
		nsid:              nsid,
		totalLogicalPages: totalLogicalPages,
		scheme:            f.cfg.PlaneAllocScheme,
		gtd:               make([]flash.PPN, totalXlate),
		entsPerPage:       entsPerPage,
		totalXlatePages:   totalXlate,
		cache:             newXlateCache(int(capacityBytes / xlatePgSize)),
	}
	if _, err := f.store.Stat(d.gtdFile()); err != nil || reset {
		f.log.Info().Uint32("nsid", nsid).Msg("initializing new global translation directory")
		for i := range d.gtd {
			d.gtd[i] = flash.NoPPN
		}
		if err := d.saveGTD(); err != nil {
			return err
		}
	} else {
		if err := d.restoreGTD(); err != nil {
			f.log.Error().Err(err).Uint32("nsid", nsid).Msg("failed to restore GTD")
			return err
		}
	}

	f.log.Info().Uint32("nsid", nsid).Uint64("logical_pages", totalLogicalPages).Msg("attached mapping domain")
	f.domains[nsid-1] = d
	return nil
}

func (f *FTL) domain(nsid uint32) *Domain {
	if nsid == 0 || nsid > NamespaceMax {
		return nil
	}
	f.domainMu.Lock()
	defer f.domainMu.Unlock()
	return f.domains[nsid-1]
}

func (f *FTL) detachDomain(nsid uint32) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	f.domainMu.Lock()
	d := f.domains[nsid-1]
	if d == nil {
		f.domainMu.Unlock()
		return ErrInvalid
	}
	f.domains[nsid-1] = nil
	f.domainMu.Unlock()

	return d.save(nil)
}

func (f *FTL) deleteDomain(nsid uint32) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	return f.store.Remove(fmt.Sprintf(gtdFileFormat, nsid))
}

func (d *Domain) saveGTD() error {
	buf := make([]byte, 4*len(d.gtd))
	d.gtdMu.Lock()
	for i, ppn := range d.gtd {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(ppn))
	}
	d.gtdMu.Unlock()
	return d.ftl.store.Write(d.gtdFile(), buf)
}

func (d *Domain) restoreGTD() error {
	buf, err := d.ftl.store.Read(d.gtdFile())
	if err != nil {
		return err
	}
	if len(buf) < 4*len(d.gtd) {
		return ErrIO
	}
	for i := range d.gtd {
		d.gtd[i] = flash.PPN(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return nil
}

// save flushes dirty translation pages then persists the GTD.
func (d *Domain) save(w *worker.Worker) error {
	d.flush(w)
	return d.saveGTD()
}

// SaveDomain flushes and persists the mapping directory of a namespace.
func (f *FTL) SaveDomain(w *worker.Worker, nsid uint32) error {
	d := f.domain(nsid)
	if d == nil {
		return ErrInvalid
	}
	return d.save(w)
}

// flush walks the cache in mvpn order and writes back dirty pages.
func (d *Domain) flush(w *worker.Worker) {
	for next := uint32(0); ; {
		var pg *xlatePage
		d.cache.mu.Lock()
		d.cache.index.AscendGreaterOrEqual(&xlatePage{mvpn: next}, func(p *xlatePage) bool {
			if p.dirty {
				pg = p
				return false
			}
			return true
		})
		if pg == nil {
			d.cache.mu.Unlock()
			return
		}
		d.cache.pinLocked(pg)
		d.cache.mu.Unlock()

		pg.mutex.Lock(w)
		d.flushPage(w, pg)
		pg.mutex.Unlock()
		d.cache.unpin(pg)

		next = pg.mvpn + 1
	}
}

// assignPlane stripes the transaction's LPA across the parallelism
// dimensions per the domain's allocation scheme.
func (d *Domain) assignPlane(txn *flash.Transaction) {
	g := d.ftl.geom
	counts := [4]uint32{g.Channels, g.ChipsPerChannel, g.DiesPerChip, g.PlanesPerDie}
	out := [4]uint32{}

	lpa := uint32(txn.LPA)
	for _, dim := range schemeOrder[d.scheme] {
		out[dim] = lpa % counts[dim]
		lpa /= counts[dim]
	}
	txn.Addr.Channel = out[0]
	txn.Addr.Chip = out[1]
	txn.Addr.Die = out[2]
	txn.Addr.Plane = out[3]
}

// getTranslationPage returns the page for mvpn locked and pinned. On a
// miss the page is loaded from flash, or synthesized all-unmapped when the
// GTD has no backing page.
func (d *Domain) getTranslationPage(w *worker.Worker, mvpn uint32) (*xlatePage, error) {
	c := d.cache

	c.mu.Lock()
	if pg, ok := c.index.Get(&xlatePage{mvpn: mvpn}); ok {
		c.pinLocked(pg)
		c.mu.Unlock()
		pg.mutex.Lock(w)
		return pg, nil
	}

	if c.size >= c.capacity {
		// Cache full: evict the least recently used unpinned page,
		// flushing it first when dirty, and reuse its buffer.
		back := c.lru.Back()
		if back == nil {
			c.mu.Unlock()
			return nil, ErrNoMemory
		}
		pg := back.Value.(*xlatePage)
		if pg.pin != 0 {
			panic("amu: pinned translation page on LRU")
		}
		c.lru.Remove(back)
		pg.lruElem = nil
		c.index.Delete(pg)
		c.size--
		c.mu.Unlock()

		if pg.dirty {
			d.flushPage(w, pg)
		}

		// Take the page mutex while the page is unreachable; a waiter that
		// finds it after reinsertion then blocks until it is populated.
		pg.mutex.Lock(w)
		c.mu.Lock()
		pg.mvpn = mvpn
		c.index.ReplaceOrInsert(pg)
		c.size++
		c.pinLocked(pg)
		c.mu.Unlock()

		if err := d.populatePage(w, pg); err != nil {
			d.dropPage(pg)
			return nil, err
		}
		return pg, nil
	}

	pg := &xlatePage{
		mvpn:    mvpn,
		entries: make([]xlateEntry, d.entsPerPage),
		mutex:   worker.Mutex{Tag: worker.TagAMU},
		pin:     1,
	}
	pg.mutex.Lock(w)
	c.index.ReplaceOrInsert(pg)
	c.size++
	c.mu.Unlock()

	if err := d.populatePage(w, pg); err != nil {
		d.dropPage(pg)
		return nil, err
	}
	return pg, nil
}

// dropPage backs out a page whose load failed: unlock, unindex, unpin.
func (d *Domain) dropPage(pg *xlatePage) {
	pg.mutex.Unlock()
	c := d.cache
	c.mu.Lock()
	c.index.Delete(pg)
	c.size--
	if pg.pin == 0 {
		panic("amu: dropping unpinned translation page")
	}
	pg.pin--
	c.mu.Unlock()
}

// populatePage fills a freshly-inserted page, called with the page mutex
// held.
func (d *Domain) populatePage(w *worker.Worker, pg *xlatePage) error {
	d.gtdMu.Lock()
	mppn := d.gtd[pg.mvpn]
	d.gtdMu.Unlock()

	if mppn == flash.NoPPN {
		for i := range pg.entries {
			pg.entries[i] = xlateEntry{ppn: flash.NoPPN}
		}
		pg.dirty = true
		return nil
	}
	return d.readPage(w, pg, mppn)
}

// readPage issues the mapping-read transaction loading a translation page
// from flash.
func (d *Domain) readPage(w *worker.Worker, pg *xlatePage, mppn flash.PPN) error {
	f := d.ftl
	buf := f.bufPool.Get()
	defer f.bufPool.Put(buf)

	txn := &flash.Transaction{
		Type:   flash.TxnRead,
		Source: flash.SourceMapping,
		NSID:   d.nsid,
		LPA:    flash.LPA(pg.mvpn),
		PPN:    mppn,
		Data:   buf,
		Offset: 0,
		Length: f.geom.PageSize,
		Bitmap: f.geom.FullPageBitmap(),
	}
	txn.Addr = f.geom.Address(mppn)

	if err := f.submitTxn(w, txn); err != nil {
		f.log.Warn().Err(err).Uint32("mvpn", pg.mvpn).Msg("translation page read failed")
		return err
	}

	full := f.geom.FullPageBitmap()
	for i := range pg.entries {
		pg.entries[i].ppn = flash.PPN(binary.LittleEndian.Uint32(buf[i*4:]))
		pg.entries[i].bitmap = full
	}
	pg.dirty = false
	return nil
}

// flushPage writes a dirty translation page out through the mapping write
// frontier and repoints the GTD at the new physical page. Called with the
// page mutex held (or with the page unreachable from the index).
func (d *Domain) flushPage(w *worker.Worker, pg *xlatePage) error {
	if !pg.dirty {
		return nil
	}
	f := d.ftl
	buf := f.bufPool.Get()
	defer f.bufPool.Put(buf)

	for i := range pg.entries {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(pg.entries[i].ppn))
	}

	txn := &flash.Transaction{
		Type:   flash.TxnWrite,
		Source: flash.SourceMapping,
		NSID:   d.nsid,
		LPA:    flash.LPA(pg.mvpn),
		PPN:    flash.NoPPN,
		Data:   buf,
		Offset: 0,
		Length: f.geom.PageSize,
		Bitmap: f.geom.FullPageBitmap(),
	}

	d.assignPlane(txn)
	if err := d.allocPageForMapping(txn, pg.mvpn, false); err != nil {
		return err
	}

	if err := f.submitTxn(w, txn); err != nil {
		f.bm.InvalidatePage(&txn.Addr)
		return err
	}

	pg.dirty = false
	d.gtdMu.Lock()
	d.gtd[pg.mvpn] = txn.PPN
	d.gtdMu.Unlock()
	return nil
}

// getPPA looks up the mapping for an LPA; NoPPN when unmapped.
func (d *Domain) getPPA(w *worker.Worker, lpa flash.LPA) (flash.PPN, flash.PageBitmap, error) {
	pg, err := d.getTranslationPage(w, d.mvpnOf(lpa))
	if err != nil {
		return flash.NoPPN, 0, err
	}
	slot := d.slotOf(lpa)
	ppn := pg.entries[slot].ppn
	bitmap := pg.entries[slot].bitmap
	pg.mutex.Unlock()
	d.cache.unpin(pg)
	return ppn, bitmap, nil
}

// updateRead reads the sectors of the prior physical page that the write
// does not cover into the transaction buffer, widening the transaction to
// the union of both sector sets.
func (d *Domain) updateRead(w *worker.Worker, txn *flash.Transaction, entry *xlateEntry) error {
	f := d.ftl
	bitmap := entry.bitmap &^ txn.Bitmap
	if entry.ppn == flash.NoPPN || bitmap == 0 {
		return ErrInternal
	}

	buf := f.bufPool.Get()
	defer f.bufPool.Put(buf)

	sectorShift := uint32(bits.TrailingZeros32(f.geom.SectorSize))
	firstSector := uint32(bits.TrailingZeros64(uint64(bitmap)))
	offset := firstSector << sectorShift

	readTxn := &flash.Transaction{
		Type:     flash.TxnRead,
		Source:   flash.SourceUser,
		NSID:     txn.NSID,
		LPA:      txn.LPA,
		PPN:      entry.ppn,
		Data:     buf,
		Offset:   offset,
		Length:   f.geom.PageSize - offset,
		Bitmap:   bitmap,
		ReqStats: txn.ReqStats,
	}
	readTxn.Addr = f.geom.Address(entry.ppn)

	if err := f.submitTxn(w, readTxn); err != nil {
		f.log.Warn().Err(err).Msg("update read failed")
		return err
	}

	// Scatter the read sectors into the write buffer.
	secSize := f.geom.SectorSize
	for i := uint32(0); i < f.geom.SectorsPerPage(); i++ {
		if bitmap&(1<<i) != 0 {
			copy(txn.Data[i*secSize:(i+1)*secSize], buf[i*secSize:(i+1)*secSize])
		}
	}

	txn.Bitmap |= bitmap
	if readTxn.Offset < txn.Offset {
		txn.Offset = readTxn.Offset
	}
	txn.Length = f.geom.PageSize - txn.Offset
	return nil
}

// allocPageForWrite maps the transaction's LPA to a fresh physical page:
// update-read when the write leaves previously-valid sectors uncovered,
// invalidate the prior page, allocate from the write frontier and update
// the mapping entry with the union bitmap.
func (d *Domain) allocPageForWrite(w *worker.Worker, txn *flash.Transaction, forGC bool) error {
	pg, err := d.getTranslationPage(w, d.mvpnOf(txn.LPA))
	if err != nil {
		return err
	}
	defer func() {
		pg.mutex.Unlock()
		d.cache.unpin(pg)
	}()

	slot := d.slotOf(txn.LPA)
	entry := &pg.entries[slot]

	if entry.ppn != flash.NoPPN {
		if entry.bitmap&txn.Bitmap != entry.bitmap {
			if err := d.updateRead(w, txn, entry); err != nil {
				return err
			}
		}
		addr := d.ftl.geom.Address(entry.ppn)
		d.ftl.bm.InvalidatePage(&addr)
	}

	if err := d.ftl.bm.AllocPage(txn.NSID, &txn.Addr, forGC, false); err != nil {
		return err
	}
	txn.PPN = d.ftl.geom.PPN(txn.Addr)
	entry.ppn = txn.PPN
	entry.bitmap |= txn.Bitmap
	pg.dirty = true
	return nil
}

// allocPageForMapping allocates a physical page for a translation page
// write, invalidating the page the GTD pointed at.
func (d *Domain) allocPageForMapping(txn *flash.Transaction, mvpn uint32, forGC bool) error {
	d.gtdMu.Lock()
	mppn := d.gtd[mvpn]
	d.gtdMu.Unlock()

	if mppn != flash.NoPPN {
		addr := d.ftl.geom.Address(mppn)
		d.ftl.bm.InvalidatePage(&addr)
	}

	if err := d.ftl.bm.AllocPage(txn.NSID, &txn.Addr, forGC, true); err != nil {
		return err
	}
	txn.PPN = d.ftl.geom.PPN(txn.Addr)
	return nil
}

// translate produces a physical address for one transaction. Reads of
// unmapped LPAs allocate a fresh page without any NAND I/O; the subsequent
// read simply returns the uninitialised page.
func (d *Domain) translate(w *worker.Worker, txn *flash.Transaction) error {
	if txn.Type == flash.TxnRead {
		ppn, _, err := d.getPPA(w, txn.LPA)
		if err != nil {
			return err
		}
		if ppn == flash.NoPPN {
			d.assignPlane(txn)
			if err := d.allocPageForWrite(w, txn, false); err != nil {
				return err
			}
		} else {
			txn.PPN = ppn
			txn.Addr = d.ftl.geom.Address(ppn)
		}
	} else {
		d.assignPlane(txn)
		if err := d.allocPageForWrite(w, txn, false); err != nil {
			return err
		}
	}
	txn.PPNReady = true
	return nil
}

// Dispatch is the hot path: assign physical addresses to a batch, then
// execute it. On failure, physical pages already allocated for writes in
// the batch are invalidated; mapping-table updates are left in place, so
// an affected LPA may point at an invalidated page until rewritten
// (documented lost-data state).
func (f *FTL) Dispatch(w *worker.Worker, txns []*flash.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	var err error
	for _, txn := range txns {
		d := f.domain(txn.NSID)
		if d == nil {
			err = ErrInvalid
			break
		}
		if err = d.translate(w, txn); err != nil {
			break
		}
	}

	if err == nil {
		for _, txn := range txns {
			if !txn.PPNReady {
				continue
			}
			if err = f.submitTxn(w, txn); err != nil {
				break
			}
		}
	}

	if err != nil {
		for _, txn := range txns {
			if txn.Type == flash.TxnWrite && txn.PPNReady {
				addr := f.geom.Address(txn.PPN)
				f.bm.InvalidatePage(&addr)
			}
		}
	}
	return err
}

// submitTxn sends one transaction over the FIL ring, accounts it against
// its owning request and runs ECC correction on reads with a nonzero
// error bitmap.
func (f *FTL) submitTxn(w *worker.Worker, txn *flash.Transaction) error {
	if txn.Type == flash.TxnRead && txn.Data != nil {
		txn.CodeBuf = txn.Data[f.geom.PageSize:]
		txn.CodeLen = f.geom.OOBSize
	}

	if err := f.cfg.Submit(w, txn); err != nil {
		return err
	}

	if s := txn.ReqStats; s != nil {
		switch txn.Type {
		case flash.TxnRead:
			s.FlashReadTxns++
			s.FlashReadBytes += uint64(txn.Length + txn.CodeLen)
			s.ReadTransferUs += txn.TotalXferUs
			s.ReadCommandUs += txn.TotalExecUs
		case flash.TxnWrite:
			s.FlashWriteTxns++
			s.FlashWriteBytes += uint64(txn.Length)
			s.WriteTransferUs += txn.TotalXferUs
			s.WriteCommandUs += txn.TotalExecUs
		}
	}

	if txn.Type == flash.TxnRead && txn.ErrBitmap != 0 {
		if s := txn.ReqStats; s != nil {
			s.ECCErrorBlocks += uint64(bits.OnesCount64(txn.ErrBitmap))
		}
		if err := f.cfg.Correct(w, txn.Data[:f.geom.PageSize], txn.CodeBuf[:f.geom.OOBSize], txn.ErrBitmap); err != nil {
			f.log.Warn().
				Stringer("type", txn.Type).
				Str("addr", txn.Addr.String()).
				Msg("ECC uncorrectable error")
			return err
		}
	}
	return nil
}
