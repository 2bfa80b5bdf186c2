// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/worker"
)

const wbBatchSize = 16

// EntryStatus is the data-cache entry state.
type EntryStatus uint8

const (
	EntryEmpty EntryStatus = iota
	EntryClean
	EntryDirty
)

type cacheKey struct {
	nsid uint32
	lpa  flash.LPA
}

func (k cacheKey) less(o cacheKey) bool {
	if k.nsid != o.nsid {
		return k.nsid < o.nsid
	}
	return k.lpa < o.lpa
}

// cacheEntry holds one flash page worth of host data, sector-granular.
type cacheEntry struct {
	key     cacheKey
	bitmap  flash.PageBitmap
	status  EntryStatus
	pin     uint32
	lruElem *list.Element
	mutex   worker.Mutex
	data    []byte
}

func cacheEntryLess(a, b *cacheEntry) bool { return a.key.less(b.key) }

// CacheStats counts read path outcomes.
type CacheStats struct {
	ReadHits   atomic.Uint64
	ReadMisses atomic.Uint64
}

// DataCache is the sector-bitmap write-back cache keyed by
// (namespace, LPA). Policy is LRU among unpinned entries; any in-flight
// request pins the entries it touches.
type DataCache struct {
	ftl *FTL

	capacityPages int

	mu      sync.Mutex
	nrPages int
	index   *btree.BTreeG[*cacheEntry]
	lru     *list.List // back = least recently used

	Stats CacheStats
}

func newDataCache(f *FTL, capacityBytes uint64) *DataCache {
	return &DataCache{
		ftl:           f,
		capacityPages: int(capacityBytes / uint64(f.geom.PageSize)),
		index:         btree.NewG(8, cacheEntryLess),
		lru:           list.New(),
	}
}

func (dc *DataCache) pinLocked(e *cacheEntry) {
	if e.pin == 0 && e.lruElem != nil {
		dc.lru.Remove(e.lruElem)
		e.lruElem = nil
	}
	e.pin++
}

func (dc *DataCache) unpin(e *cacheEntry) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if e.pin == 0 {
		panic("dc: unpin of unpinned entry")
	}
	e.pin--
	if e.pin == 0 {
		e.lruElem = dc.lru.PushFront(e)
	}
}

// touchLocked refreshes an entry's recency without keeping it pinned.
// Callers hold the structure lock.
func (dc *DataCache) touchLocked(e *cacheEntry) {
	dc.pinLocked(e)
	e.pin--
	if e.pin == 0 {
		e.lruElem = dc.lru.PushFront(e)
	}
}

func (dc *DataCache) findLocked(nsid uint32, lpa flash.LPA) *cacheEntry {
	e, ok := dc.index.Get(&cacheEntry{key: cacheKey{nsid: nsid, lpa: lpa}})
	if !ok {
		return nil
	}
	return e
}

// findOrInsert returns the entry for (nsid, lpa) pinned and locked,
// evicting the LRU entry when the cache is full. A dirty eviction returns
// the generated writeback transaction for the caller to dispatch.
func (dc *DataCache) findOrInsert(w *worker.Worker, nsid uint32, lpa flash.LPA, bitmap flash.PageBitmap) (*cacheEntry, *flash.Transaction, error) {
	dc.mu.Lock()

	if e := dc.findLocked(nsid, lpa); e != nil {
		dc.pinLocked(e)
		dc.mu.Unlock()
		e.mutex.Lock(w)
		e.bitmap |= bitmap
		e.status = EntryDirty
		return e, nil, nil
	}

	if dc.nrPages >= dc.capacityPages {
		back := dc.lru.Back()
		if back == nil {
			dc.mu.Unlock()
			return nil, nil, ErrNoMemory
		}
		e := back.Value.(*cacheEntry)
		if e.pin != 0 {
			panic("dc: pinned entry on LRU")
		}
		dc.lru.Remove(back)
		e.lruElem = nil
		dc.index.Delete(e)

		var wb *flash.Transaction
		if e.status == EntryDirty {
			wb = dc.generateWriteback(e)
		}

		e.status = EntryDirty
		e.key = cacheKey{nsid: nsid, lpa: lpa}
		e.bitmap = bitmap
		// Lock while unreachable; anyone finding the entry after the
		// reinsert blocks until the host data has landed in it.
		e.mutex.Lock(w)
		dc.index.ReplaceOrInsert(e)
		dc.pinLocked(e)
		dc.mu.Unlock()

		return e, wb, nil
	}

	e := &cacheEntry{
		key:    cacheKey{nsid: nsid, lpa: lpa},
		bitmap: bitmap,
		status: EntryDirty,
		pin:    1,
		mutex:  worker.Mutex{Tag: worker.TagDataCache},
		data:   make([]byte, dc.ftl.geom.PageSize),
	}
	e.mutex.Lock(w)
	dc.index.ReplaceOrInsert(e)
	dc.nrPages++
	dc.mu.Unlock()

	return e, nil, nil
}

// generateWriteback copies the entry's valid sectors into a fresh flash
// buffer and builds the writeback transaction. Called with the structure
// lock held and the entry unreachable (or the entry mutex held).
func (dc *DataCache) generateWriteback(e *cacheEntry) *flash.Transaction {
	g := dc.ftl.geom
	data := dc.ftl.bufPool.Get()

	secSize := g.SectorSize
	for i := uint32(0); i < g.SectorsPerPage(); i++ {
		sector := data[i*secSize : (i+1)*secSize]
		if e.bitmap&(1<<i) != 0 {
			copy(sector, e.data[i*secSize:(i+1)*secSize])
		} else {
			// Uncovered sectors land on flash as zeroes so a later read
			// of them never leaks a recycled buffer.
			for j := range sector {
				sector[j] = 0
			}
		}
	}

	return &flash.Transaction{
		Type:   flash.TxnWrite,
		Source: flash.SourceUser,
		NSID:   e.key.nsid,
		LPA:    e.key.lpa,
		PPN:    flash.NoPPN,
		Data:   data,
		Offset: 0,
		Length: g.PageSize,
		Bitmap: e.bitmap,
		Opaque: e,
	}
}

// writeBuffers installs a write request's data into the cache: per-page
// entries are fetched (or inserted, possibly evicting), locked, and host
// data is transferred directly into the entry buffers.
func (dc *DataCache) writeBuffers(w *worker.Worker, req *Request, writeZeroes bool) error {
	var wbTxns []*flash.Transaction
	var iov []IOVec
	var count uint32
	var locked []*cacheEntry
	var err error

	for _, txn := range req.Txns {
		entry, wb, ferr := dc.findOrInsert(w, txn.NSID, txn.LPA, txn.Bitmap)
		if ferr != nil {
			err = ferr
			break
		}
		if wb != nil {
			wb.ReqStats = txn.ReqStats
			wbTxns = append(wbTxns, wb)
		}
		txn.Opaque = entry
		locked = append(locked, entry)

		buf := entry.data[txn.Offset : txn.Offset+txn.Length]
		if writeZeroes {
			for i := range buf {
				buf[i] = 0
			}
		}
		iov = append(iov, IOVec{Base: buf})
		count += txn.Length
	}

	// Dispatch evicted dirty pages first.
	if err == nil && len(wbTxns) > 0 {
		err = dc.ftl.Dispatch(w, wbTxns)
	}

	if err == nil && !writeZeroes && count > 0 {
		// All entries are locked and detached from LRU; move host data in.
		err = dc.ftl.cfg.Host.DMARead(w, req, iov, count)
	}

	for _, wb := range wbTxns {
		dc.ftl.bufPool.Put(wb.Data)
	}

	for i, txn := range req.Txns {
		if i >= len(locked) {
			break
		}
		entry := locked[i]
		if err != nil {
			// Roll back local state: the entry contents are undefined.
			dc.mu.Lock()
			entry.status = EntryEmpty
			dc.index.Delete(entry)
			dc.nrPages--
			dc.mu.Unlock()
		}
		entry.mutex.Unlock()
		dc.unpin(entry)
		txn.Opaque = nil
	}

	return err
}

// writeThrough is the write path with the volatile write cache disabled:
// temporary buffers, host transfer, immediate dispatch.
func (dc *DataCache) writeThrough(w *worker.Worker, req *Request, writeZeroes bool) error {
	g := dc.ftl.geom
	var iov []IOVec
	var count uint32

	for _, txn := range req.Txns {
		txn.Data = dc.ftl.bufPool.Get()
		if writeZeroes {
			buf := txn.Data[:g.PageBufferSize()]
			for i := range buf {
				buf[i] = 0
			}
		}
		iov = append(iov, IOVec{Base: txn.Data[txn.Offset : txn.Offset+txn.Length]})
		count += txn.Length
	}

	var err error
	if !writeZeroes && count > 0 {
		err = dc.ftl.cfg.Host.DMARead(w, req, iov, count)
	}
	if err == nil {
		err = dc.ftl.Dispatch(w, req.Txns)
	}

	for _, txn := range req.Txns {
		dc.ftl.bufPool.Put(txn.Data)
		txn.Data = nil
	}
	return err
}

// handleCachedRead serves a read request: fully-cached pages come straight
// from their entries; partial or missed pages read from flash with the
// cached sectors overlaid on top.
func (dc *DataCache) handleCachedRead(w *worker.Worker, req *Request) error {
	g := dc.ftl.geom
	var iov []IOVec
	var count uint32
	var hits []*flash.Transaction
	var missTxns []*flash.Transaction
	var err error

	for _, txn := range req.Txns {
		dc.mu.Lock()
		entry := dc.findLocked(txn.NSID, txn.LPA)
		var avail flash.PageBitmap
		if entry != nil {
			avail = entry.bitmap & txn.Bitmap
		}

		if entry != nil && avail == txn.Bitmap {
			// Full cache hit.
			dc.pinLocked(entry)
			dc.mu.Unlock()
			entry.mutex.Lock(w)
			txn.Data = entry.data
			txn.Opaque = entry
			hits = append(hits, txn)
			dc.Stats.ReadHits.Add(1)
		} else {
			// The pin must be taken under the same structure-lock hold
			// as the lookup, or the entry could be evicted in between.
			if avail != 0 {
				dc.pinLocked(entry)
			} else if entry != nil {
				dc.touchLocked(entry)
			}
			dc.mu.Unlock()

			txn.Data = dc.ftl.bufPool.Get()
			txn.Bitmap &^= avail
			txn.Opaque = nil

			if avail != 0 {
				// Partially cached: keep the entry locked so its sectors
				// can be overlaid after the flash read.
				entry.mutex.Lock(w)
				txn.Opaque = entry
			}
			missTxns = append(missTxns, txn)
			dc.Stats.ReadMisses.Add(1)
		}

		iov = append(iov, IOVec{Base: txn.Data[txn.Offset : txn.Offset+txn.Length]})
		count += txn.Length
	}

	// Read missing sectors from flash before overlaying cached ones.
	if len(missTxns) > 0 {
		err = dc.ftl.Dispatch(w, missTxns)
	}

	for _, txn := range missTxns {
		entry, _ := txn.Opaque.(*cacheEntry)
		if entry == nil {
			continue
		}
		if err == nil {
			secSize := g.SectorSize
			first := txn.Offset / secSize
			last := (txn.Offset + txn.Length) / secSize
			for i := first; i < g.SectorsPerPage() && i < last; i++ {
				if entry.bitmap&(1<<i) != 0 {
					copy(txn.Data[i*secSize:(i+1)*secSize], entry.data[i*secSize:(i+1)*secSize])
				}
			}
		}
		entry.mutex.Unlock()
		dc.unpin(entry)
		txn.Opaque = nil
	}

	if err == nil && count > 0 {
		// Entries for cache hits are still locked and pinned here.
		err = dc.ftl.cfg.Host.DMAWrite(w, req, iov, count)
	}

	for _, txn := range hits {
		entry := txn.Opaque.(*cacheEntry)
		entry.mutex.Unlock()
		dc.unpin(entry)
		txn.Data = nil
		txn.Opaque = nil
	}
	for _, txn := range missTxns {
		dc.ftl.bufPool.Put(txn.Data)
		txn.Data = nil
	}

	return err
}

// ProcessRequest runs a read/write/write-zeroes request through the cache.
func (dc *DataCache) ProcessRequest(w *worker.Worker, req *Request) error {
	switch req.Type {
	case IORead:
		return dc.handleCachedRead(w, req)
	case IOWrite:
		if !dc.ftl.cfg.WriteCache {
			return dc.writeThrough(w, req, false)
		}
		return dc.writeBuffers(w, req, false)
	case IOWriteZeroes:
		if !dc.ftl.cfg.WriteCache {
			return dc.writeThrough(w, req, true)
		}
		return dc.writeBuffers(w, req, true)
	default:
		return ErrInvalid
	}
}

// lookupRange collects up to len(out) dirty entries of the namespace in
// [*offset, end) whose LPA falls in the flusher's shard, advancing
// *offset past the last one returned.
func (dc *DataCache) lookupRange(nsid uint32, offset *flash.LPA, end flash.LPA, tag, nrFlushers uint32, out []*cacheEntry) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	n := 0
	pivot := &cacheEntry{key: cacheKey{nsid: nsid, lpa: *offset}}
	dc.index.AscendGreaterOrEqual(pivot, func(e *cacheEntry) bool {
		if e.key.nsid != nsid || e.key.lpa >= end {
			return false
		}
		if e.status != EntryDirty || uint32(e.key.lpa)%nrFlushers != tag {
			return true
		}
		out[n] = e
		n++
		if n == len(out) {
			*offset = e.key.lpa + 1
			return false
		}
		return true
	})
	if n < len(out) {
		*offset = end
	}
	return n
}

// flushRange writes back this flusher's shard of dirty entries in
// batches, so foreground workers are not locked out for long.
func (dc *DataCache) flushRange(w *worker.Worker, nsid uint32, tag, nrFlushers uint32, start, end flash.LPA) {
	pvec := make([]*cacheEntry, wbBatchSize)
	index := start

	for index < end {
		n := dc.lookupRange(nsid, &index, end, tag, nrFlushers, pvec)
		if n == 0 {
			break
		}

		var batch []*flash.Transaction
		for i := 0; i < n; i++ {
			entry := pvec[i]

			// The entry may have been flushed by a concurrent worker or
			// reused for a different page since the range scan.
			dc.mu.Lock()
			stale := entry.status != EntryDirty || entry.key.nsid != nsid ||
				entry.key.lpa < start || entry.key.lpa >= end ||
				uint32(entry.key.lpa)%nrFlushers != tag
			if stale {
				dc.mu.Unlock()
				continue
			}
			dc.pinLocked(entry)
			dc.mu.Unlock()

			entry.mutex.Lock(w)
			if entry.status != EntryDirty {
				entry.mutex.Unlock()
				dc.unpin(entry)
				continue
			}
			batch = append(batch, dc.generateWriteback(entry))
		}

		dc.ftl.Dispatch(w, batch)

		for _, txn := range batch {
			entry := txn.Opaque.(*cacheEntry)
			// The bitmap observed under the entry mutex is exactly what
			// went to flash; the entry is clean now.
			entry.status = EntryClean
			entry.mutex.Unlock()
			dc.unpin(entry)
			dc.ftl.bufPool.Put(txn.Data)
		}
	}
}
