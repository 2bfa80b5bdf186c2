// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import (
	"encoding/binary"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/pcie"
	"github.com/dswarbrick/openssd/worker"
)

// shutdownWorker is the worker designated to perform shutdown work.
const shutdownWorker = 0

// MaxIOQueues bounds host-created I/O queue pairs.
const MaxIOQueues = 16

// Programs is the near-data execution surface the front-end delegates
// vendor commands to.
type Programs interface {
	CreateContext(prog []byte) (uint32, error)
	DeleteContext(cid uint32) error
	Invoke(w *worker.Worker, cid uint32, entry uint32, arg uint64) (uint64, error)
}

// FTLTask is a flash request submitted by a near-data program, bridged
// onto the same worker pool as host commands.
type FTLTask struct {
	Type   ftl.IOType
	NSID   uint32
	Offset uint64 // byte offset into the namespace
	Buf    []byte

	done chan error
}

// Config assembles a front-end.
type Config struct {
	FTL      *ftl.FTL
	Geometry *flash.Geometry
	Link     pcie.Link
	DMA      *pcie.DMAEngine
	Pool     *worker.Pool
	// NrWorkers of the pool serve NVMe commands; the remainder are
	// flusher threads owned by the FTL.
	NrWorkers int
	Programs  Programs

	// MDTS exponent reported in identify (2^n host pages).
	MaxDataTransferSize uint8

	Log zerolog.Logger
}

type cmdSlot struct {
	valid bool
	qid   uint16
	cmd   Command
	task  *FTLTask
}

// Frontend parses admin and I/O commands, moves data via PRP lists and
// owns the controller-level state machine.
type Frontend struct {
	cfg  Config
	ftl  *ftl.FTL
	geom *flash.Geometry
	link pcie.Link
	dma  *pcie.DMAEngine
	pool *worker.Pool
	log  zerolog.Logger

	// sqMu makes peek-then-pop of the submission FIFO atomic across the
	// dispatcher and workers pulling directly.
	sqMu sync.Mutex

	slotMu    sync.Mutex
	slots     []cmdSlot
	idle      uint64 // bit per worker: blocked waiting for work
	slotEmpty uint64 // bit per worker: slot free

	ftlTaskMu sync.Mutex
	ftlTasks  []*FTLTask

	stateMu sync.Mutex
	state   CtrlState

	shutdownReq    atomic.Bool
	shutdownAbrupt atomic.Bool
	stopped        atomic.Bool
}

// New creates the front-end.
func New(cfg Config) *Frontend {
	fe := &Frontend{
		cfg:  cfg,
		ftl:  cfg.FTL,
		geom: cfg.Geometry,
		link: cfg.Link,
		dma:  cfg.DMA,
		pool: cfg.Pool,
		log:  cfg.Log.With().Str("sys", "nvme").Logger(),
	}
	fe.slots = make([]cmdSlot, cfg.NrWorkers)
	for i := 0; i < cfg.NrWorkers; i++ {
		fe.slotEmpty |= 1 << i
	}
	return fe
}

// SetPrograms wires the near-data execution surface in after
// construction (it needs the front-end's own task bridge).
func (fe *Frontend) SetPrograms(p Programs) { fe.cfg.Programs = p }

// State reports the controller state.
func (fe *Frontend) State() CtrlState {
	fe.stateMu.Lock()
	defer fe.stateMu.Unlock()
	return fe.state
}

// CSTS builds the controller status register value for the host.
func (fe *Frontend) CSTS() uint32 {
	fe.stateMu.Lock()
	defer fe.stateMu.Unlock()

	var v uint32
	switch fe.state {
	case CtrlEnabled, CtrlShuttingDownNormal, CtrlShuttingDownAbrupt:
		v |= cstsReady
	}
	switch fe.state {
	case CtrlShuttingDownNormal, CtrlShuttingDownAbrupt:
		v |= SHSTOccur << cstsSHSTShift
	case CtrlShutdownComplete:
		v |= cstsReady | SHSTCmplt<<cstsSHSTShift
	}
	return v
}

// HandleEvent services one link event: CC writes drive the controller
// state machine, link transitions gate the DMA engine, doorbells pump
// submissions.
func (fe *Frontend) HandleEvent(ev pcie.Event) {
	switch ev.Type {
	case pcie.EventCCWrite:
		fe.handleCC(ev.CC)
	case pcie.EventDoorbell:
		fe.PumpSQ()
	case pcie.EventLinkDown:
		fe.log.Warn().Msg("link down, stopping DMA engine")
		fe.dma.Stop()
	case pcie.EventLinkUp:
		fe.log.Info().Msg("link up, restarting DMA engine")
		fe.dma.Start()
	}
}

func (fe *Frontend) handleCC(cc uint32) {
	fe.stateMu.Lock()
	prev := fe.state

	if shn := (cc & ccSHNMask) >> ccSHNShift; shn != SHNNone &&
		prev != CtrlShuttingDownNormal && prev != CtrlShuttingDownAbrupt && prev != CtrlShutdownComplete {
		abrupt := shn == SHNAbrupt
		if abrupt {
			fe.state = CtrlShuttingDownAbrupt
		} else {
			fe.state = CtrlShuttingDownNormal
		}
		fe.stateMu.Unlock()

		fe.log.Info().Bool("abrupt", abrupt).Msg("shutdown notification")
		fe.shutdownAbrupt.Store(abrupt)
		fe.shutdownReq.Store(true)
		fe.pool.Get(shutdownWorker).Wake(worker.NVMeSQ)
		return
	}

	switch {
	case cc&ccEnable != 0 && prev == CtrlDisabled:
		// Admin queue becomes valid; controller reports ready.
		fe.state = CtrlEnabled
		fe.log.Info().Msg("controller enabled")
	case cc&ccEnable == 0 && prev != CtrlDisabled:
		fe.state = CtrlDisabled
		fe.log.Info().Msg("controller disabled")
	}
	fe.stateMu.Unlock()
}

func (fe *Frontend) completeShutdown() {
	fe.stateMu.Lock()
	fe.state = CtrlShutdownComplete
	fe.stateMu.Unlock()
	fe.log.Info().Msg("shutdown complete")
}

// PumpSQ moves submission queue entries to free workers until either runs
// out. Called from the dispatcher loop; new work is refused during and
// after shutdown.
func (fe *Frontend) PumpSQ() {
	if fe.State() != CtrlEnabled {
		return
	}
	fe.sqMu.Lock()
	defer fe.sqMu.Unlock()
	for {
		qid, raw, ok := fe.link.PeekSQE()
		if !ok {
			return
		}
		if !fe.dispatch(qid, Command(raw)) {
			return
		}
		fe.link.PopSQE()
	}
}

// dispatch places a command into an idle worker's slot. Prefers a worker
// that is already parked; falls back to any worker with a free slot.
func (fe *Frontend) dispatch(qid uint16, cmd Command) bool {
	fe.slotMu.Lock()

	avail := fe.idle & fe.slotEmpty
	if avail == 0 {
		avail = fe.slotEmpty
	}
	if avail == 0 {
		fe.slotMu.Unlock()
		return false
	}
	wid := bits.TrailingZeros64(avail)

	slot := &fe.slots[wid]
	slot.valid = true
	slot.qid = qid
	slot.cmd = cmd
	slot.task = nil
	fe.slotEmpty &^= 1 << wid
	fe.slotMu.Unlock()

	fe.pool.Get(wid).Wake(worker.NVMeSQ)
	return true
}

// SubmitFTLTask runs a near-data flash request on the worker pool and
// waits for its completion.
func (fe *Frontend) SubmitFTLTask(t *FTLTask) error {
	t.done = make(chan error, 1)

	fe.ftlTaskMu.Lock()
	fe.ftlTasks = append(fe.ftlTasks, t)
	fe.ftlTaskMu.Unlock()

	for i := 0; i < fe.cfg.NrWorkers; i++ {
		fe.pool.Get(i).Wake(worker.NVMeSQ)
	}
	return <-t.done
}

func (fe *Frontend) dequeueFTLTask() *FTLTask {
	fe.ftlTaskMu.Lock()
	defer fe.ftlTaskMu.Unlock()
	if len(fe.ftlTasks) == 0 {
		return nil
	}
	t := fe.ftlTasks[0]
	fe.ftlTasks = fe.ftlTasks[1:]
	return t
}

// Stop terminates the worker loops. Callers must quiesce the command
// stream first: the unconditional wake would disturb a worker parked in
// the middle of a flash round trip.
func (fe *Frontend) Stop() {
	fe.stopped.Store(true)
	for i := 0; i < fe.cfg.NrWorkers; i++ {
		fe.pool.Get(i).Wake(worker.None)
	}
}

// getWork fetches the next unit of work for a worker: its command slot,
// the submission FIFO, or the near-data task queue, parking otherwise.
func (fe *Frontend) getWork(w *worker.Worker) (qid uint16, cmd Command, task *FTLTask, ok bool) {
	for {
		if fe.stopped.Load() {
			return 0, Command{}, nil, false
		}
		if fe.shutdownReq.Load() && w.ID == shutdownWorker {
			return 0, Command{}, nil, false
		}

		fe.slotMu.Lock()
		slot := &fe.slots[w.ID]
		if slot.valid {
			qid, cmd, task = slot.qid, slot.cmd, slot.task
			slot.valid = false
			fe.slotEmpty |= 1 << w.ID
			fe.slotMu.Unlock()
			return qid, cmd, task, true
		}
		fe.slotMu.Unlock()

		// Pull from the FIFO directly when the dispatcher is behind.
		if fe.State() == CtrlEnabled {
			fe.sqMu.Lock()
			q, raw, found := fe.link.PeekSQE()
			if found {
				fe.link.PopSQE()
			}
			fe.sqMu.Unlock()
			if found {
				return q, Command(raw), nil, true
			}
		}

		if t := fe.dequeueFTLTask(); t != nil {
			return 0, Command{}, t, true
		}

		// Park. The prepare/idle ordering closes the wake-before-wait
		// window against dispatchers that saw the idle bit.
		w.Prepare(worker.NVMeSQ)
		fe.slotMu.Lock()
		fe.idle |= 1 << w.ID
		fe.slotMu.Unlock()

		w.Wait()

		fe.slotMu.Lock()
		fe.idle &^= 1 << w.ID
		fe.slotMu.Unlock()
	}
}

// WorkerMain is the body of one NVMe worker.
func (fe *Frontend) WorkerMain(w *worker.Worker) {
	for {
		qid, cmd, task, ok := fe.getWork(w)

		if fe.shutdownReq.Load() && w.ID == shutdownWorker {
			abrupt := fe.shutdownAbrupt.Load()
			fe.log.Info().Bool("abrupt", abrupt).Msg("initiating shutdown")
			fe.ftl.Shutdown(w, abrupt)
			fe.shutdownReq.Store(false)
			fe.completeShutdown()
			if !ok {
				continue
			}
		}
		if !ok {
			if fe.stopped.Load() {
				return
			}
			continue
		}

		if task != nil {
			task.done <- fe.processFTLTask(w, task)
			continue
		}

		var result uint64
		var status uint16
		if qid == 0 {
			status, result = fe.processAdmin(w, &cmd)
		} else {
			status, result = fe.processIO(w, &cmd)
		}

		cqe := MakeCompletion(result, qid, cmd.CID(), status)
		if err := fe.link.PostCQE(qid, cqe); err != nil {
			fe.log.Error().Err(err).Uint16("qid", qid).Msg("failed to post completion")
		}
	}
}

func (fe *Frontend) processFTLTask(w *worker.Worker, t *FTLTask) error {
	sectorShift := uint32(0)
	for s := fe.geom.SectorSize; s > 1; s >>= 1 {
		sectorShift++
	}
	req := &ftl.Request{
		Type:        t.Type,
		NSID:        t.NSID,
		StartLBA:    flash.LBA(t.Offset >> sectorShift),
		SectorCount: uint32(len(t.Buf)) >> sectorShift,
		Buf:         t.Buf,
		Worker:      w,
	}
	return fe.ftl.ProcessRequest(w, req)
}

// readHostPage pulls one host page described by the command's PRPs.
func (fe *Frontend) readHostPage(cmd *Command) ([]byte, error) {
	buf := make([]byte, hostPageSize)
	iov := []ftl.IOVec{{Base: buf}}
	if err := fe.transferPRP(false, cmd.PRP1(), cmd.PRP2(), iov, hostPageSize, hostPageSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeHostPage pushes up to one page of data to the command's PRPs.
func (fe *Frontend) writeHostPage(cmd *Command, data []byte) error {
	iov := []ftl.IOVec{{Base: data}}
	return fe.transferPRP(true, cmd.PRP1(), cmd.PRP2(), iov, uint32(len(data)), uint32(len(data)))
}

func (fe *Frontend) processAdmin(w *worker.Worker, cmd *Command) (uint16, uint64) {
	switch cmd.Opcode() {
	case AdminIdentify:
		return fe.processIdentify(cmd)
	case AdminSetFeatures, AdminGetFeatures:
		return fe.processSetFeatures(cmd)
	case AdminGetLogPage:
		return fe.processGetLogPage(cmd)
	case AdminCreateCQ:
		return fe.processCreateCQ(cmd)
	case AdminCreateSQ:
		return fe.processCreateSQ(cmd)
	case AdminNSMgmt:
		return fe.processNSMgmt(cmd)
	case AdminNSAttach:
		return fe.processNSAttach(cmd)
	case AdminStorPUCreateContext:
		return fe.processStorPUCreate(cmd)
	case AdminStorPUDeleteContext:
		return fe.processStorPUDelete(cmd)
	default:
		return SCInvalidOpcode, 0
	}
}

func (fe *Frontend) processIdentify(cmd *Command) (uint16, uint64) {
	var data []byte
	status := uint16(SCSuccess)

	switch cmd.CDW10() & 0xff {
	case CNSNamespace:
		data, status = fe.identifyNamespace(cmd.NSID())
	case CNSController:
		data = fe.identifyController()
	case CNSNSActiveList:
		data = fe.identifyNSActiveList()
	case CNSCSController:
		data = fe.identifyCSController(uint8(cmd.CDW11() >> 24))
	default:
		return SCInvalidField, 0
	}
	if status != SCSuccess {
		return status, 0
	}
	if err := fe.writeHostPage(cmd, data); err != nil {
		return errToStatus(err), 0
	}
	return SCSuccess, 0
}

func (fe *Frontend) processSetFeatures(cmd *Command) (uint16, uint64) {
	switch cmd.CDW10() & 0xff {
	case FeatNumQueues:
		n := uint64(MaxIOQueues - 1)
		return SCSuccess, n | n<<16
	default:
		return SCFeatureNotSaveable, 0
	}
}

func (fe *Frontend) processGetLogPage(cmd *Command) (uint16, uint64) {
	lid := uint8(cmd.CDW10())
	numd := (uint64(cmd.CDW11()&0xffff)<<16 | uint64(cmd.CDW10())>>16) + 1
	length := uint32(numd * 4)

	switch lid {
	case LogSMART:
		data := fe.smartLog()
		if length < uint32(len(data)) {
			data = data[:length]
		}
		if err := fe.writeHostPage(cmd, data); err != nil {
			return errToStatus(err), 0
		}
		return SCSuccess, 0
	default:
		return SCInvalidField, 0
	}
}

func (fe *Frontend) processCreateCQ(cmd *Command) (uint16, uint64) {
	qid := uint16(cmd.CDW10())
	if qid == 0 || qid > MaxIOQueues {
		return SCQIDInvalid, 0
	}
	if qc, ok := fe.link.(pcie.QueueConfigurator); ok {
		size := uint16(cmd.CDW10() >> 16)
		vector := uint16(cmd.CDW11() >> 16)
		if err := qc.ConfigCQ(qid, cmd.PRP1(), size, vector); err != nil {
			return SCInternal, 0
		}
	}
	return SCSuccess, 0
}

func (fe *Frontend) processCreateSQ(cmd *Command) (uint16, uint64) {
	qid := uint16(cmd.CDW10())
	cqid := uint16(cmd.CDW11() >> 16)
	if qid == 0 || qid > MaxIOQueues {
		return SCQIDInvalid, 0
	}
	if qid != cqid {
		return SCCQInvalid, 0
	}
	if qc, ok := fe.link.(pcie.QueueConfigurator); ok {
		size := uint16(cmd.CDW10() >> 16)
		if err := qc.ConfigSQ(qid, cmd.PRP1(), size, cqid); err != nil {
			return SCInternal, 0
		}
	}
	return SCSuccess, 0
}

func (fe *Frontend) processNSMgmt(cmd *Command) (uint16, uint64) {
	switch cmd.CDW10() & 0xf {
	case NSMgmtCreate:
		page, err := fe.readHostPage(cmd)
		if err != nil {
			return errToStatus(err), 0
		}
		info := ftl.NamespaceInfo{
			SizeBlocks:     binary.LittleEndian.Uint64(page[0:]),
			CapacityBlocks: binary.LittleEndian.Uint64(page[8:]),
		}
		nsid, err := fe.ftl.CreateNamespace(info)
		if err == ftl.ErrNoSpace {
			return SCNSIDUnavailable, 0
		}
		if err != nil {
			return errToStatus(err), 0
		}
		return SCSuccess, uint64(nsid)
	case NSMgmtDelete:
		return errToStatus(fe.ftl.DeleteNamespace(cmd.NSID())), 0
	default:
		return SCInvalidField, 0
	}
}

func (fe *Frontend) processNSAttach(cmd *Command) (uint16, uint64) {
	page, err := fe.readHostPage(cmd)
	if err != nil {
		return errToStatus(err), 0
	}
	// The controller list must name at least one controller (us).
	if binary.LittleEndian.Uint16(page[0:]) == 0 {
		return SCSuccess, 0
	}

	switch cmd.CDW10() & 0xf {
	case NSAttachCtrl:
		err := fe.ftl.AttachNamespace(cmd.NSID())
		if err == ftl.ErrBusy {
			return SCNSAlreadyAttached, 0
		}
		return errToStatus(err), 0
	case NSDetachCtrl:
		err := fe.ftl.DetachNamespace(cmd.NSID())
		if err == ftl.ErrNotFound {
			return SCNSNotAttached, 0
		}
		return errToStatus(err), 0
	default:
		return SCInvalidField, 0
	}
}

func (fe *Frontend) processStorPUCreate(cmd *Command) (uint16, uint64) {
	if fe.cfg.Programs == nil {
		return SCInvalidOpcode, 0
	}
	length := cmd.CDW11()
	if length == 0 || length > 1<<20 {
		return SCInvalidField, 0
	}
	prog := make([]byte, length)
	if err := fe.dma.Read(cmd.PRP1(), prog); err != nil {
		return errToStatus(err), 0
	}
	cid, err := fe.cfg.Programs.CreateContext(prog)
	if err != nil {
		return errToStatus(err), 0
	}
	return SCSuccess, uint64(cid)
}

func (fe *Frontend) processStorPUDelete(cmd *Command) (uint16, uint64) {
	if fe.cfg.Programs == nil {
		return SCInvalidOpcode, 0
	}
	return errToStatus(fe.cfg.Programs.DeleteContext(cmd.CDW10())), 0
}

func (fe *Frontend) processIO(w *worker.Worker, cmd *Command) (uint16, uint64) {
	switch cmd.Opcode() {
	case IORead, IOWrite, IOFlush, IOWriteZeroes:
		return fe.processFTLCommand(w, cmd)
	case IOStorPUInvoke:
		if fe.cfg.Programs == nil {
			return SCInvalidOpcode, 0
		}
		arg := uint64(cmd.CDW12()) | uint64(cmd.CDW13())<<32
		result, err := fe.cfg.Programs.Invoke(w, cmd.CDW10(), cmd.CDW11(), arg)
		return errToStatus(err), result
	default:
		return SCInvalidOpcode, 0
	}
}

func (fe *Frontend) processFTLCommand(w *worker.Worker, cmd *Command) (uint16, uint64) {
	req := &ftl.Request{
		NSID:   cmd.NSID(),
		Worker: w,
	}

	switch cmd.Opcode() {
	case IORead:
		req.Type = ftl.IORead
	case IOWrite:
		req.Type = ftl.IOWrite
	case IOWriteZeroes:
		req.Type = ftl.IOWriteZeroes
	case IOFlush:
		req.Type = ftl.IOFlush
	}

	if cmd.Opcode() != IOFlush {
		req.StartLBA = flash.LBA(cmd.SLBA())
		req.SectorCount = uint32(cmd.NLB()) + 1
		req.PRPs[0] = cmd.PRP1()
		req.PRPs[1] = cmd.PRP2()
	}

	w.Request = func() string {
		return req.Type.String()
	}
	err := fe.ftl.ProcessRequest(w, req)
	w.Request = nil
	if err != nil {
		fe.log.Debug().Err(err).Uint8("opcode", cmd.Opcode()).Msg("command error")
	}
	return errToStatus(err), 0
}
