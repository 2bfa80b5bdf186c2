// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package openssd implements the firmware core of a computational NVMe
// SSD: the flash translation layer, the flash interface layer, the NVMe
// front-end and the ring-queue transport between them. The Device value
// owns all of it; the application processor's worker pool and the
// real-time processor loops run as goroutines under Run.
package openssd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dswarbrick/openssd/ecc"
	"github.com/dswarbrick/openssd/fil"
	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/metafs"
	"github.com/dswarbrick/openssd/nvme"
	"github.com/dswarbrick/openssd/pcie"
	"github.com/dswarbrick/openssd/storpu"
	"github.com/dswarbrick/openssd/worker"
)

// flashTimeout bounds one flash round trip before the worker gives up.
const flashTimeout = 3 * time.Second

// Device is the controller: a single value owning the manifest, the
// mapping domains, the block manager, the caches and the processors.
type Device struct {
	cfg  Config
	geom flash.Geometry
	log  zerolog.Logger

	store *metafs.Store
	pool  *worker.Pool
	ftl   *ftl.FTL
	fe    *nvme.Frontend
	spu   *storpu.Manager

	link pcie.Link
	dma  *pcie.DMAEngine

	filSvc *fil.Service
	eccSvc *ecc.Service

	// The AP side of each ring has one logical producer (the cooperative
	// AP core); these serialize the parallel worker goroutines standing
	// in for it.
	filProdMu sync.Mutex
	eccProdMu sync.Mutex

	// control slot for submissions outside the worker pool (bring-up,
	// bad-block scans)
	controlMu   sync.Mutex
	controlDone chan struct{}

	apKick chan struct{}
	ready  chan struct{}
}

// hostProxy breaks the construction cycle between the FTL (which needs a
// host transfer surface) and the front-end (which needs the FTL).
type hostProxy struct{ fe *nvme.Frontend }

func (p *hostProxy) DMARead(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	return p.fe.DMARead(w, req, iov, count)
}

func (p *hostProxy) DMAWrite(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	return p.fe.DMAWrite(w, req, iov, count)
}

// New assembles a device from the configuration. Run brings it up.
func New(cfg Config) (*Device, error) {
	cfg.applyDefaults()
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Link == nil {
		return nil, errors.New("openssd: no host link configured")
	}

	store, err := metafs.Open(cfg.MetaDir)
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:         cfg,
		geom:        cfg.Geometry,
		log:         cfg.Log,
		store:       store,
		link:        cfg.Link,
		controlDone: make(chan struct{}, 1),
		apKick:      make(chan struct{}, 1),
		ready:       make(chan struct{}),
	}

	d.dma = pcie.NewDMAEngine(d.link, cfg.DMAChannels, cfg.MaxReadRequest, cfg.MaxWritePayload)

	nrThreads := cfg.NrWorkers + cfg.NrFlushers
	d.pool = worker.NewPool(nrThreads, cfg.Log)

	controllers := cfg.Controllers
	if controllers == nil {
		controllers = make([]fil.Controller, cfg.Geometry.Channels)
		for i := range controllers {
			controllers[i] = fil.NewMemController(&d.geom, cfg.ECCStepSize, cfg.ECCCodeSize)
		}
	}

	d.filSvc, err = fil.NewService(fil.Config{
		Geometry:    &d.geom,
		Controllers: controllers,
		Slots:       nrThreads + 1, // one per FTL thread plus the control slot
		Multiplane:  cfg.Multiplane,
		Complete:    d.kickAP,
		Log:         cfg.Log,
	})
	if err != nil {
		return nil, err
	}

	d.eccSvc, err = ecc.NewService(nrThreads+1, cfg.ECCEngine, d.kickAP, cfg.Log)
	if err != nil {
		return nil, err
	}

	proxy := &hostProxy{}
	d.ftl = ftl.New(ftl.Config{
		Geometry:         &d.geom,
		Store:            store,
		Submit:           d.submitFlash,
		Correct:          d.eccCorrect,
		Host:             proxy,
		DataCacheBytes:   cfg.DataCacheBytes,
		XlateCacheBytes:  cfg.XlateCacheBytes,
		NrFlushers:       uint32(cfg.NrFlushers),
		WriteCache:       !cfg.NoWriteCache,
		PlaneAllocScheme: cfg.PlaneAllocScheme,
		CapacityBytes:    cfg.CapacityBytes,
		Log:              cfg.Log,
	})

	d.fe = nvme.New(nvme.Config{
		FTL:                 d.ftl,
		Geometry:            &d.geom,
		Link:                d.link,
		DMA:                 d.dma,
		Pool:                d.pool,
		NrWorkers:           cfg.NrWorkers,
		MaxDataTransferSize: cfg.MaxDataTransferSize,
		Log:                 cfg.Log,
	})
	proxy.fe = d.fe

	d.spu = storpu.NewManager(&deviceIO{d: d}, cfg.Log)
	d.fe.SetPrograms(d.spu)

	return d, nil
}

// FTL exposes the translation layer for maintenance tooling.
func (d *Device) FTL() *ftl.FTL { return d.ftl }

// Frontend exposes the NVMe front-end (controller state, CSTS).
func (d *Device) Frontend() *nvme.Frontend { return d.fe }

// Ready is closed once persisted state is restored and the worker pool is
// accepting commands.
func (d *Device) Ready() <-chan struct{} { return d.ready }

func (d *Device) kickAP() {
	select {
	case d.apKick <- struct{}{}:
	default:
	}
}

// controlSlot is the task slot used by submissions from outside the pool.
func (d *Device) controlSlot() int { return d.cfg.NrWorkers + d.cfg.NrFlushers }

// submitFlash runs one flash transaction through the FIL ring on behalf
// of a worker (or the control path when w is nil) and blocks until the
// descriptor comes back on the used ring.
func (d *Device) submitFlash(w *worker.Worker, txn *flash.Transaction) error {
	slot := d.controlSlot()
	if w != nil {
		slot = w.ID
	} else {
		d.controlMu.Lock()
		defer d.controlMu.Unlock()
	}

	task := d.filSvc.Task(slot)
	*task = fil.Task{
		Source:  txn.Source,
		Addr:    txn.Addr,
		LPA:     txn.LPA,
		Data:    txn.Data,
		Offset:  txn.Offset,
		Length:  txn.Length,
		CodeBuf: txn.CodeBuf,
		CodeLen: txn.CodeLen,
		Worker:  slot,
	}
	switch txn.Type {
	case flash.TxnRead:
		task.Type = fil.TaskRead
	case flash.TxnWrite:
		task.Type = fil.TaskWrite
	case flash.TxnErase:
		task.Type = fil.TaskErase
	}

	if w != nil {
		w.Prepare(worker.FIL)
	} else {
		// Drop any stale token left by a timed-out control submission.
		select {
		case <-d.controlDone:
		default:
		}
	}

	d.filProdMu.Lock()
	d.filSvc.Enqueue(slot)
	d.filProdMu.Unlock()

	if w != nil {
		if err := w.WaitTimeout(flashTimeout); err != nil {
			d.log.Error().Str("addr", txn.Addr.String()).Msg("flash command timeout")
			d.dumpFIL()
			return err
		}
	} else {
		select {
		case <-d.controlDone:
		case <-time.After(flashTimeout):
			return worker.ErrTimedOut
		}
	}

	txn.TotalXferUs = task.TotalXferUs
	txn.TotalExecUs = task.TotalExecUs
	txn.ErrBitmap = task.ErrBitmap
	if task.Status != fil.StatusOK {
		d.log.Error().Str("addr", txn.Addr.String()).Stringer("type", txn.Type).Msg("flash command failed")
		return ftl.ErrIO
	}
	return nil
}

// dumpFIL asks the FIL processor to log its scheduler and pipeline state.
func (d *Device) dumpFIL() {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	slot := d.controlSlot()
	task := d.filSvc.Task(slot)
	*task = fil.Task{Type: fil.TaskDump, Worker: slot}

	select {
	case <-d.controlDone:
	default:
	}

	d.filProdMu.Lock()
	d.filSvc.Enqueue(slot)
	d.filProdMu.Unlock()

	select {
	case <-d.controlDone:
	case <-time.After(flashTimeout):
	}
}

// eccCorrect runs the ECC engine over a failed read on behalf of a
// worker.
func (d *Device) eccCorrect(w *worker.Worker, data, code []byte, errBitmap uint64) error {
	slot := d.controlSlot()
	if w != nil {
		slot = w.ID
	} else {
		d.controlMu.Lock()
		defer d.controlMu.Unlock()
	}

	task := d.eccSvc.Task(slot)
	*task = ecc.Task{
		Type:      ecc.TaskCorrect,
		Data:      data,
		Code:      code,
		ErrBitmap: errBitmap,
		Worker:    slot,
	}

	if w != nil {
		w.Prepare(worker.ECC)
	} else {
		select {
		case <-d.controlDone:
		default:
		}
	}

	d.eccProdMu.Lock()
	d.eccSvc.Enqueue(slot)
	d.eccProdMu.Unlock()

	if w != nil {
		if err := w.WaitTimeout(flashTimeout); err != nil {
			return err
		}
	} else {
		select {
		case <-d.controlDone:
		case <-time.After(flashTimeout):
			return worker.ErrTimedOut
		}
	}

	switch task.Status {
	case ecc.StatusOK:
		return nil
	case ecc.StatusDecodeError:
		return ftl.ErrBadMessage
	default:
		return ftl.ErrIO
	}
}

// completeSlot wakes whoever waits on a finished ring descriptor.
func (d *Device) completeSlot(slot int, reason worker.Reason) {
	if slot < d.pool.Len() {
		d.pool.Get(slot).Wake(reason)
		return
	}
	select {
	case d.controlDone <- struct{}{}:
	default:
	}
}

// dispatch is the AP main loop: it services link events, drains RTP
// completions and drives the timeout tick.
func (d *Device) dispatch(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-d.link.Events():
			d.fe.HandleEvent(ev)
		case <-d.apKick:
			d.filSvc.DrainCompletions(func(task *fil.Task) {
				d.completeSlot(task.Worker, worker.FIL)
			})
			d.eccSvc.DrainCompletions(func(task *ecc.Task) {
				d.completeSlot(task.Worker, worker.ECC)
			})
		case now := <-tick.C:
			d.pool.CheckTimeouts(now)
			d.fe.PumpSQ()
		}
	}
}

// scanProbe implements the bad-block scan probes over the regular flash
// path: a shallow scan reads the first page's spare area, a full scan
// erases, programs and reads back a test pattern.
func (d *Device) scanProbe(addr flash.Address, full bool) bool {
	buf := make([]byte, d.geom.PageBufferSize())

	if !full {
		txn := &flash.Transaction{
			Type:   flash.TxnRead,
			Source: flash.SourceUser,
			Addr:   addr,
			Data:   buf,
			Offset: d.geom.PageSize,
			Length: 1,
		}
		return d.submitFlash(nil, txn) != nil
	}

	erase := &flash.Transaction{Type: flash.TxnErase, Source: flash.SourceUser, Addr: addr}
	if d.submitFlash(nil, erase) != nil {
		return true
	}

	for i := range buf[:d.geom.PageSize] {
		buf[i] = byte(i)
	}
	prog := &flash.Transaction{
		Type: flash.TxnWrite, Source: flash.SourceUser, Addr: addr,
		Data: buf, Length: d.geom.PageSize,
	}
	if d.submitFlash(nil, prog) != nil {
		return true
	}

	rbuf := make([]byte, d.geom.PageBufferSize())
	read := &flash.Transaction{
		Type: flash.TxnRead, Source: flash.SourceUser, Addr: addr,
		Data: rbuf, Length: d.geom.PageSize,
	}
	if d.submitFlash(nil, read) != nil {
		return true
	}
	for i := uint32(0); i < d.geom.PageSize; i++ {
		if rbuf[i] != byte(i) {
			return true
		}
	}

	// Leave the block erased for the allocator.
	return d.submitFlash(nil, erase) != nil
}

// deviceIO bridges near-data programs onto the FTL worker pool and the
// link DMA engine.
type deviceIO struct{ d *Device }

func (io *deviceIO) flashTask(typ ftl.IOType, nsid uint32, offset uint64, buf []byte) error {
	return io.d.fe.SubmitFTLTask(&nvme.FTLTask{
		Type:   typ,
		NSID:   nsid,
		Offset: offset,
		Buf:    buf,
	})
}

func (io *deviceIO) FlashRead(nsid uint32, offset uint64, buf []byte) error {
	return io.flashTask(ftl.IORead, nsid, offset, buf)
}

func (io *deviceIO) FlashWrite(nsid uint32, offset uint64, buf []byte) error {
	return io.flashTask(ftl.IOWrite, nsid, offset, buf)
}

func (io *deviceIO) Flush(nsid uint32) error {
	return io.flashTask(ftl.IOFlush, nsid, 0, nil)
}

func (io *deviceIO) Sync() error {
	return io.flashTask(ftl.IOSync, 0, 0, nil)
}

func (io *deviceIO) HostRead(addr uint64, buf []byte) error {
	return io.d.dma.Read(addr, buf)
}

func (io *deviceIO) HostWrite(addr uint64, buf []byte) error {
	return io.d.dma.Write(addr, buf)
}

// Run brings the device up and serves until the context is cancelled:
// the FIL and ECC loops on their processor goroutines, the AP dispatcher,
// then FTL bring-up and the worker pool.
func (d *Device) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.filSvc.Run(egCtx) })
	eg.Go(func() error { return d.eccSvc.Run(egCtx) })
	eg.Go(func() error { return d.dispatch(egCtx) })

	var scan ftl.InitOptions
	scan.WipeManifest = d.cfg.WipeManifest
	scan.WipeSSD = d.cfg.WipeSSD
	scan.WipeMapping = d.cfg.WipeMapping
	scan.FullScan = d.cfg.FullBadBlockScan
	scan.Scan = d.scanProbe

	if err := d.ftl.Init(scan); err != nil {
		cancel()
		eg.Wait()
		return err
	}

	d.pool.Start(func(w *worker.Worker) {
		if w.ID < d.cfg.NrWorkers {
			d.fe.WorkerMain(w)
		} else {
			d.ftl.FlusherMain(w, w.ID-d.cfg.NrWorkers)
		}
	})

	d.log.Info().
		Uint32("channels", d.geom.Channels).
		Uint32("chips", d.geom.ChipsPerChannel).
		Int("workers", d.cfg.NrWorkers).
		Int("flushers", d.cfg.NrFlushers).
		Msg("device ready")
	close(d.ready)

	// egCtx also covers an internal loop failing.
	<-egCtx.Done()

	d.fe.Stop()
	d.ftl.StopFlushers()
	d.pool.Join()
	cancel()

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ReportStats logs statistics across all subsystems.
func (d *Device) ReportStats() {
	d.ftl.ReportStats()
	d.dumpFIL()
}

// Sample snapshots channel and die business for profiling.
func (d *Device) Sample(out *fil.Sample) { d.filSvc.Sample(out) }
