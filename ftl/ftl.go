// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/metafs"
	"github.com/dswarbrick/openssd/worker"
)

const (
	manifestFile    = "MANIFEST"
	manifestMagic   = 0x4c54464a
	manifestVersion = 1

	// NamespaceMax bounds namespace IDs (1..NamespaceMax). The manifest
	// bitmaps are a single 64-bit word.
	NamespaceMax = 32
)

// IOType is the user request type.
type IOType uint8

const (
	IORead IOType = iota
	IOWrite
	IOWriteZeroes
	IOFlush
	IOFlushData
	IOSync
)

func (t IOType) String() string {
	switch t {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IOWriteZeroes:
		return "write-zeroes"
	case IOFlush:
		return "flush"
	case IOFlushData:
		return "flush-data"
	case IOSync:
		return "sync"
	}
	return "unknown"
}

// IOVec is one segment of device memory involved in a host transfer.
type IOVec struct {
	Base []byte
}

// HostXfer moves data between host memory and device buffers; implemented
// by the NVMe front-end (PRP traversal) and by the near-data bridge
// (direct scratchpad copies).
type HostXfer interface {
	// DMARead fills iov from host memory (host to device).
	DMARead(w *worker.Worker, req *Request, iov []IOVec, count uint32) error
	// DMAWrite drains iov into host memory (device to host).
	DMAWrite(w *worker.Worker, req *Request, iov []IOVec, count uint32) error
}

// Request is one user I/O, created on NVMe command arrival and destroyed
// after the completion is posted. The owning worker holds it exclusively.
type Request struct {
	Type        IOType
	NSID        uint32
	StartLBA    flash.LBA
	SectorCount uint32

	// PRPs describe the host buffer for NVMe-originated requests; Buf is
	// set instead for near-data requests carrying a device buffer.
	PRPs [2]uint64
	Buf  []byte

	Txns  []*flash.Transaction
	Stats flash.RequestStats

	Worker *worker.Worker
}

// NamespaceInfo mirrors one manifest record.
type NamespaceInfo struct {
	Active         bool
	SizeBlocks     uint64
	CapacityBlocks uint64
	UtilBlocks     uint64
}

type manifest struct {
	allocated  uint64 // bitmaps, bit i = namespace i+1
	active     uint64
	namespaces [NamespaceMax]NamespaceInfo
}

// Config assembles an FTL.
type Config struct {
	Geometry *flash.Geometry
	Store    *metafs.Store

	// Submit runs one transaction through the FIL ring on behalf of a
	// worker; Correct runs the ECC engine over a failed read.
	Submit  func(w *worker.Worker, txn *flash.Transaction) error
	Correct func(w *worker.Worker, data, code []byte, errBitmap uint64) error

	Host HostXfer

	DataCacheBytes  uint64
	XlateCacheBytes uint64
	NrFlushers      uint32
	WriteCache      bool

	PlaneAllocScheme PlaneAllocScheme

	// Capacity of the default namespace created on first boot, in bytes.
	CapacityBytes uint64

	Log zerolog.Logger
}

type flusherCtl struct {
	active bool
	stop   bool
	nsid   uint32
	worker *worker.Worker
}

// FTL ties together the manifest, block manager, mapping domains and data
// cache.
type FTL struct {
	cfg     Config
	geom    *flash.Geometry
	store   *metafs.Store
	bm      *BlockManager
	dc      *DataCache
	bufPool *flash.BufferPool
	log     zerolog.Logger

	manifestMu sync.Mutex
	manifest   manifest

	domainMu sync.Mutex
	domains  [NamespaceMax]*Domain

	flusherMu   worker.Mutex
	flusherCond *worker.Cond
	flushers    []flusherCtl
	flushing    bool

	histMu sync.Mutex
	hists  struct {
		readTxnsPerReq  *hdrhistogram.Histogram
		writeTxnsPerReq *hdrhistogram.Histogram
		totalTxnsPerReq *hdrhistogram.Histogram
		eccErrPerReq    *hdrhistogram.Histogram
		readXferUs      *hdrhistogram.Histogram
		writeXferUs     *hdrhistogram.Histogram
		readCmdUs       *hdrhistogram.Histogram
		writeCmdUs      *hdrhistogram.Histogram
	}

	// SMART accounting, served through GET LOG PAGE.
	smartMu sync.Mutex
	smart   SMARTCounters
}

// SMARTCounters aggregates the device health counters.
type SMARTCounters struct {
	DataUnitsRead    uint64
	DataUnitsWritten uint64
	HostReads        uint64
	HostWrites       uint64
	PowerCycles      uint64
	UnsafeShutdowns  uint64
}

// New constructs the FTL. Init must run before requests are processed.
func New(cfg Config) *FTL {
	f := &FTL{
		cfg:     cfg,
		geom:    cfg.Geometry,
		store:   cfg.Store,
		log:     cfg.Log.With().Str("sys", "ftl").Logger(),
		bufPool: flash.NewBufferPool(cfg.Geometry),
	}
	f.bm = NewBlockManager(cfg.Geometry, cfg.Store, cfg.Log)
	f.dc = newDataCache(f, cfg.DataCacheBytes)

	f.flusherMu.Tag = worker.TagDataCache
	f.flusherCond = worker.NewCond(&f.flusherMu)
	f.flushers = make([]flusherCtl, cfg.NrFlushers)

	h := &f.hists
	h.readTxnsPerReq = hdrhistogram.New(1, 1000, 1)
	h.writeTxnsPerReq = hdrhistogram.New(1, 1000, 1)
	h.totalTxnsPerReq = hdrhistogram.New(1, 1000, 1)
	h.eccErrPerReq = hdrhistogram.New(1, 1000, 1)
	h.readXferUs = hdrhistogram.New(1, 1_000_000, 2)
	h.writeXferUs = hdrhistogram.New(1, 1_000_000, 2)
	h.readCmdUs = hdrhistogram.New(1, 1_000_000, 2)
	h.writeCmdUs = hdrhistogram.New(1, 1_000_000, 2)
	return f
}

// BlockManager exposes the allocator for maintenance commands.
func (f *FTL) BlockManager() *BlockManager { return f.bm }

// Cache exposes the data cache counters.
func (f *FTL) Cache() *DataCache { return f.dc }

// InitOptions are the bring-up switches.
type InitOptions struct {
	WipeManifest bool
	WipeSSD      bool
	WipeMapping  bool
	FullScan     bool
	Scan         scanFunc
}

// Init restores or resets persisted state and attaches the active
// namespaces.
func (f *FTL) Init(opts InitOptions) error {
	wipeMT := opts.WipeMapping || opts.WipeSSD || opts.FullScan

	if _, err := f.store.Stat(manifestFile); err != nil || opts.WipeManifest {
		f.log.Info().Msg("resetting manifest")
		f.resetManifest()
		if err := f.saveManifest(); err != nil {
			return err
		}
	} else {
		if err := f.restoreManifest(); err != nil {
			f.log.Error().Err(err).Msg("failed to restore manifest")
			return err
		}
	}

	if err := f.bm.Init(opts.WipeSSD, opts.FullScan, opts.Scan); err != nil {
		return err
	}

	for i := 0; i < NamespaceMax; i++ {
		if f.manifest.active&(1<<i) == 0 {
			continue
		}
		ns := &f.manifest.namespaces[i]
		logicalPages := ns.SizeBlocks * uint64(f.geom.SectorSize) / uint64(f.geom.PageSize)
		if err := f.attachDomain(uint32(i+1), f.cfg.XlateCacheBytes, logicalPages, wipeMT); err != nil {
			return err
		}
	}

	f.smartMu.Lock()
	f.smart.PowerCycles++
	f.smartMu.Unlock()
	return nil
}

func (f *FTL) resetManifest() {
	f.manifestMu.Lock()
	defer f.manifestMu.Unlock()

	f.manifest = manifest{}
	sectors := f.cfg.CapacityBytes / uint64(f.geom.SectorSize)

	// Default namespace 1, allocated and active.
	f.manifest.allocated |= 1
	f.manifest.active |= 1
	f.manifest.namespaces[0] = NamespaceInfo{
		SizeBlocks:     sectors,
		CapacityBlocks: sectors,
		UtilBlocks:     sectors,
	}
}

func (f *FTL) saveManifest() error {
	f.manifestMu.Lock()
	defer f.manifestMu.Unlock()

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(manifestMagic))
	binary.Write(&buf, binary.LittleEndian, uint32(manifestVersion))
	binary.Write(&buf, binary.LittleEndian, uint32(NamespaceMax))
	binary.Write(&buf, binary.LittleEndian, f.manifest.allocated)
	binary.Write(&buf, binary.LittleEndian, f.manifest.active)
	for i := range f.manifest.namespaces {
		ns := &f.manifest.namespaces[i]
		binary.Write(&buf, binary.LittleEndian, ns.SizeBlocks)
		binary.Write(&buf, binary.LittleEndian, ns.CapacityBlocks)
		binary.Write(&buf, binary.LittleEndian, ns.UtilBlocks)
	}
	return f.store.Write(manifestFile, buf.Bytes())
}

func (f *FTL) restoreManifest() error {
	data, err := f.store.Read(manifestFile)
	if err != nil {
		return err
	}
	r := bytes.NewReader(data)

	var magic, version, nsMax uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return ErrIO
	}
	if magic != manifestMagic {
		return ErrBadMessage
	}
	binary.Read(r, binary.LittleEndian, &version)
	binary.Read(r, binary.LittleEndian, &nsMax)
	if version != manifestVersion || nsMax != NamespaceMax {
		return ErrNotSupported
	}

	f.manifestMu.Lock()
	defer f.manifestMu.Unlock()
	binary.Read(r, binary.LittleEndian, &f.manifest.allocated)
	binary.Read(r, binary.LittleEndian, &f.manifest.active)
	for i := range f.manifest.namespaces {
		ns := &f.manifest.namespaces[i]
		if err := binary.Read(r, binary.LittleEndian, &ns.SizeBlocks); err != nil {
			return ErrIO
		}
		binary.Read(r, binary.LittleEndian, &ns.CapacityBlocks)
		binary.Read(r, binary.LittleEndian, &ns.UtilBlocks)
	}
	return nil
}

// GetNamespace reads one manifest record.
func (f *FTL) GetNamespace(nsid uint32) (NamespaceInfo, error) {
	if nsid == 0 || nsid > NamespaceMax {
		return NamespaceInfo{}, ErrInvalid
	}
	f.manifestMu.Lock()
	defer f.manifestMu.Unlock()
	idx := nsid - 1
	if f.manifest.allocated&(1<<idx) == 0 {
		return NamespaceInfo{}, ErrNotFound
	}
	info := f.manifest.namespaces[idx]
	info.Active = f.manifest.active&(1<<idx) != 0
	return info, nil
}

// CreateNamespace allocates the lowest free NSID. The namespace must be
// attached before it carries I/O.
func (f *FTL) CreateNamespace(info NamespaceInfo) (uint32, error) {
	f.manifestMu.Lock()
	idx := bits.TrailingZeros64(^f.manifest.allocated)
	if idx >= NamespaceMax {
		f.manifestMu.Unlock()
		return 0, ErrNoSpace
	}
	f.manifest.namespaces[idx] = NamespaceInfo{
		SizeBlocks:     info.SizeBlocks,
		CapacityBlocks: info.CapacityBlocks,
		UtilBlocks:     info.CapacityBlocks,
	}
	f.manifest.allocated |= 1 << idx
	f.manifestMu.Unlock()

	if err := f.saveManifest(); err != nil {
		return 0, err
	}
	return uint32(idx + 1), nil
}

// DeleteNamespace detaches (if active) and removes a namespace and its
// translation directory.
func (f *FTL) DeleteNamespace(nsid uint32) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	idx := nsid - 1

	f.manifestMu.Lock()
	allocated := f.manifest.allocated&(1<<idx) != 0
	active := f.manifest.active&(1<<idx) != 0
	f.manifestMu.Unlock()

	if !allocated {
		return ErrNotFound
	}
	if active {
		if err := f.DetachNamespace(nsid); err != nil {
			return err
		}
	}
	if err := f.deleteDomain(nsid); err != nil {
		return err
	}

	f.manifestMu.Lock()
	f.manifest.allocated &^= 1 << idx
	f.manifestMu.Unlock()
	return f.saveManifest()
}

// AttachNamespace activates a namespace, bringing up its mapping domain.
func (f *FTL) AttachNamespace(nsid uint32) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	idx := nsid - 1

	f.manifestMu.Lock()
	allocated := f.manifest.allocated&(1<<idx) != 0
	active := f.manifest.active&(1<<idx) != 0
	ns := f.manifest.namespaces[idx]
	f.manifestMu.Unlock()

	if !allocated {
		return ErrNotFound
	}
	if active {
		return ErrBusy
	}

	logicalPages := ns.SizeBlocks * uint64(f.geom.SectorSize) / uint64(f.geom.PageSize)
	if err := f.attachDomain(nsid, f.cfg.XlateCacheBytes, logicalPages, false); err != nil {
		return err
	}

	f.manifestMu.Lock()
	f.manifest.active |= 1 << idx
	f.manifestMu.Unlock()
	return f.saveManifest()
}

// DetachNamespace deactivates a namespace, saving its mapping state.
func (f *FTL) DetachNamespace(nsid uint32) error {
	if nsid == 0 || nsid > NamespaceMax {
		return ErrInvalid
	}
	idx := nsid - 1

	f.manifestMu.Lock()
	active := f.manifest.active&(1<<idx) != 0
	f.manifestMu.Unlock()

	if !active {
		return ErrNotFound
	}
	if err := f.detachDomain(nsid); err != nil {
		return err
	}

	f.manifestMu.Lock()
	f.manifest.active &^= 1 << idx
	f.manifestMu.Unlock()
	return f.saveManifest()
}

// segment splits a user request into one transaction per flash page.
func (f *FTL) segment(req *Request) {
	spp := flash.LBA(f.geom.SectorsPerPage())
	sectorShift := uint32(bits.TrailingZeros32(f.geom.SectorSize))

	slba := req.StartLBA
	count := uint32(0)
	for count < req.SectorCount {
		pageOffset := uint32(slba % spp)
		txnSize := f.geom.SectorsPerPage() - pageOffset
		if count+txnSize > req.SectorCount {
			txnSize = req.SectorCount - count
		}

		bitmap := flash.PageBitmap(^(^uint64(0) << txnSize)) << pageOffset

		txnType := flash.TxnWrite
		if req.Type == IORead {
			txnType = flash.TxnRead
		}
		req.Txns = append(req.Txns, &flash.Transaction{
			Type:     txnType,
			Source:   flash.SourceUser,
			NSID:     req.NSID,
			LPA:      flash.LPA(slba / spp),
			PPN:      flash.NoPPN,
			Offset:   pageOffset << sectorShift,
			Length:   txnSize << sectorShift,
			Bitmap:   bitmap,
			ReqStats: &req.Stats,
		})

		slba += flash.LBA(txnSize)
		count += txnSize
	}
}

func (f *FTL) recordRequestStats(req *Request) {
	s := &req.Stats
	f.histMu.Lock()
	defer f.histMu.Unlock()

	h := &f.hists
	h.readTxnsPerReq.RecordValue(int64(s.FlashReadTxns))
	h.writeTxnsPerReq.RecordValue(int64(s.FlashWriteTxns))
	h.totalTxnsPerReq.RecordValue(int64(s.FlashReadTxns + s.FlashWriteTxns))
	if s.ECCErrorBlocks > 0 {
		h.eccErrPerReq.RecordValue(int64(s.ECCErrorBlocks))
	}
	if s.ReadTransferUs > 0 {
		h.readXferUs.RecordValue(int64(s.ReadTransferUs))
		h.readCmdUs.RecordValue(int64(s.ReadCommandUs))
	}
	if s.WriteTransferUs > 0 {
		h.writeXferUs.RecordValue(int64(s.WriteTransferUs))
		h.writeCmdUs.RecordValue(int64(s.WriteCommandUs))
	}
}

func (f *FTL) processIO(w *worker.Worker, req *Request) error {
	if nsOK := func() bool {
		f.manifestMu.Lock()
		defer f.manifestMu.Unlock()
		return req.NSID >= 1 && req.NSID <= NamespaceMax &&
			f.manifest.active&(1<<(req.NSID-1)) != 0
	}(); !nsOK {
		return ErrNotFound
	}

	f.segment(req)
	err := f.dc.ProcessRequest(w, req)
	req.Txns = nil

	f.recordRequestStats(req)

	f.smartMu.Lock()
	units := uint64(req.SectorCount) * uint64(f.geom.SectorSize) / 512000
	switch req.Type {
	case IORead:
		f.smart.HostReads++
		f.smart.DataUnitsRead += units
	case IOWrite, IOWriteZeroes:
		f.smart.HostWrites++
		f.smart.DataUnitsWritten += units
	}
	f.smartMu.Unlock()

	return err
}

// FlushNamespace drains the namespace's dirty cache entries and persists
// its mapping directory.
func (f *FTL) FlushNamespace(w *worker.Worker, nsid uint32) error {
	f.flushCache(w, nsid)
	return f.SaveDomain(w, nsid)
}

// Sync flushes every active namespace, the block manager and the
// manifest, in that order: data-cache flushes complete before the mapping
// directory persists.
func (f *FTL) Sync(w *worker.Worker) error {
	f.manifestMu.Lock()
	active := f.manifest.active
	f.manifestMu.Unlock()

	for i := 0; i < NamespaceMax; i++ {
		if active&(1<<i) == 0 {
			continue
		}
		nsid := uint32(i + 1)
		f.flushCache(w, nsid)
		if err := f.SaveDomain(w, nsid); err != nil {
			f.log.Error().Err(err).Uint32("nsid", nsid).Msg("failed to save mapping domain")
		}
	}

	if err := f.bm.Persist(); err != nil {
		return err
	}
	return f.saveManifest()
}

// ProcessRequest is the FTL entry point for one user request.
func (f *FTL) ProcessRequest(w *worker.Worker, req *Request) error {
	switch req.Type {
	case IOFlush:
		return f.FlushNamespace(w, req.NSID)
	case IOFlushData:
		f.flushCache(w, req.NSID)
		return nil
	case IOSync:
		return f.Sync(w)
	case IORead, IOWrite, IOWriteZeroes:
		return f.processIO(w, req)
	default:
		return ErrInvalid
	}
}

// Shutdown persists everything. Abrupt shutdowns take the same path: the
// data is already on its way out, so just take the time to save it.
func (f *FTL) Shutdown(w *worker.Worker, abrupt bool) {
	if abrupt {
		f.smartMu.Lock()
		f.smart.UnsafeShutdowns++
		f.smartMu.Unlock()
	}
	if err := f.Sync(w); err != nil {
		f.log.Error().Err(err).Msg("shutdown sync failed")
	}
}

// SMART returns a copy of the health counters.
func (f *FTL) SMART() SMARTCounters {
	f.smartMu.Lock()
	defer f.smartMu.Unlock()
	return f.smart
}

// ReportStats logs the request histograms and cache counters.
func (f *FTL) ReportStats() {
	f.histMu.Lock()
	h := &f.hists
	f.log.Info().
		Int64("read_txns_p50", h.readTxnsPerReq.ValueAtQuantile(50)).
		Int64("write_txns_p99", h.writeTxnsPerReq.ValueAtQuantile(99)).
		Int64("total_txns_max", h.totalTxnsPerReq.Max()).
		Int64("read_xfer_us_p99", h.readXferUs.ValueAtQuantile(99)).
		Int64("write_xfer_us_p99", h.writeXferUs.ValueAtQuantile(99)).
		Msg("request statistics")
	f.histMu.Unlock()

	f.log.Info().
		Uint64("read_hits", f.dc.Stats.ReadHits.Load()).
		Uint64("read_misses", f.dc.Stats.ReadMisses.Load()).
		Msg("data cache")

	f.bm.ReportStats()
}
