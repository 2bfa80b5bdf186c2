// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fil

import (
	"container/heap"
	"time"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
)

// ChannelStatus is the bus state of one channel.
type ChannelStatus uint8

const (
	BusIdle ChannelStatus = iota
	BusBusy
)

// ChipStatus tracks the per-chip command pipeline state.
type ChipStatus uint8

const (
	ChipIdle ChipStatus = iota
	ChipCmdDataIn
	ChipWaitForDataOut
	ChipDataOut
	ChipReading
	ChipWriting
	ChipErasing
)

type cmdCode uint8

const (
	cmdReadPage cmdCode = iota
	cmdReadPageMultiplane
	cmdProgramPage
	cmdProgramPageMultiplane
	cmdEraseBlock
	cmdEraseBlockMultiplane
)

func (c cmdCode) isRead() bool {
	return c == cmdReadPage || c == cmdReadPageMultiplane
}

// flashCommand is a (possibly multi-plane) die command under execution.
type flashCommand struct {
	code  cmdCode
	addrs []flash.Address
	lpas  []flash.LPA
}

type dieData struct {
	index    uint32
	uniqueID uint32
	chip     *chipData

	// Multi-plane commands put several active transactions on one die.
	activeTxns taskList

	cmdBuf flashCommand
	// activeCmd is the command dispatched to the die, including transfer
	// phase; currentCmd is set only while the array executes it.
	activeCmd  *flashCommand
	currentCmd *flashCommand

	cmdFinishTime time.Time
	cmdError      bool
	execStart     time.Time

	activeXfer *Task

	heapIndex int // position in the execution heap, -1 when absent
}

type chipData struct {
	index   uint32
	status  ChipStatus
	channel *channelData

	dies       []dieData
	activeDies int

	// dies with a queued command/data-transfer phase
	cmdXferQueue []*dieData
	currentXfer  *dieData

	nrWaitingReadXfers int
	lastXferStart      time.Time
}

type channelData struct {
	index  uint32
	nfc    Controller
	status ChannelStatus
	chips  []chipData

	// read transactions whose array read finished, awaiting data-out
	waitingReadXfer []*Task
}

// dieHeap orders executing dies by predicted finish time.
type dieHeap []*dieData

func (h dieHeap) Len() int { return len(h) }
func (h dieHeap) Less(i, j int) bool {
	if !h[i].cmdFinishTime.Equal(h[j].cmdFinishTime) {
		return h[i].cmdFinishTime.Before(h[j].cmdFinishTime)
	}
	return h[i].uniqueID < h[j].uniqueID
}
func (h dieHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *dieHeap) Push(x any) {
	d := x.(*dieData)
	d.heapIndex = len(*h)
	*h = append(*h, d)
}
func (h *dieHeap) Pop() any {
	old := *h
	d := old[len(old)-1]
	d.heapIndex = -1
	*h = old[:len(old)-1]
	return d
}

// Sample is the read-only profiling snapshot: per-channel busy bits and
// per-die executing bits.
type Sample struct {
	ChannelBusy uint32
	DieBusy     uint64
}

// Pipeline drives the per-die command state machines across all channels.
type Pipeline struct {
	geom     *flash.Geometry
	channels []channelData

	execHeap dieHeap

	// chips with an outstanding inbound (program) transfer
	chipsInTransfer []*chipData
	// dies with an outstanding data-out transfer
	diesOutTransfer []*dieData

	sched interface {
		NotifyChannelIdle(channel uint32)
		NotifyChipIdle(channel, chip uint32)
	}
	complete func(task *Task, failed bool)

	now func() time.Time
	log zerolog.Logger
}

func newPipeline(g *flash.Geometry, controllers []Controller, complete func(*Task, bool), log zerolog.Logger) *Pipeline {
	p := &Pipeline{
		geom:     g,
		complete: complete,
		now:      time.Now,
		log:      log,
	}
	p.channels = make([]channelData, g.Channels)
	for ch := range p.channels {
		channel := &p.channels[ch]
		channel.index = uint32(ch)
		channel.nfc = controllers[ch]
		channel.status = BusIdle
		channel.chips = make([]chipData, g.ChipsPerChannel)
		for c := range channel.chips {
			chip := &channel.chips[c]
			chip.index = uint32(c)
			chip.channel = channel
			chip.dies = make([]dieData, g.DiesPerChip)
			for d := range chip.dies {
				die := &chip.dies[d]
				die.index = uint32(d)
				die.chip = chip
				die.uniqueID = (uint32(ch)*g.ChipsPerChannel+uint32(c))*g.DiesPerChip + uint32(d)
				die.heapIndex = -1
			}
		}
	}
	return p
}

func (p *Pipeline) die(channel, chip, die uint32) *dieData {
	return &p.channels[channel].chips[chip].dies[die]
}

// IsChannelBusy reports whether the channel bus is occupied.
func (p *Pipeline) IsChannelBusy(channel uint32) bool {
	return p.channels[channel].status == BusBusy
}

// IsDieBusy applies the multi-LUN admission rules: a program may not join
// a chip with an in-flight read on another die, nor with a program that
// has not yet entered array execution.
func (p *Pipeline) IsDieBusy(channel, chip, die uint32, isProgram bool) bool {
	c := &p.channels[channel].chips[chip]

	if isProgram {
		for i := range c.dies {
			d := &c.dies[i]
			if d.activeCmd != nil && (d.activeCmd.code.isRead() || d.currentCmd == nil) {
				return true
			}
		}
	}
	return c.dies[die].activeCmd != nil
}

func (p *Pipeline) setChannelStatus(channel *channelData, status ChannelStatus) {
	channel.status = status
}

// Dispatch accepts a per-die packed batch from the scheduler. All tasks
// target the same die, distinct planes, the same page number.
func (p *Pipeline) Dispatch(list *taskList) {
	head := list.head
	if head == nil {
		return
	}

	channel := &p.channels[head.Addr.Channel]
	chip := &channel.chips[head.Addr.Chip]
	die := &chip.dies[head.Addr.Die]

	cmd := &die.cmdBuf
	cmd.addrs = cmd.addrs[:0]
	cmd.lpas = cmd.lpas[:0]
	count := 0
	list.each(func(txn *Task) bool {
		cmd.addrs = append(cmd.addrs, txn.Addr)
		cmd.lpas = append(cmd.lpas, txn.LPA)
		count++
		return true
	})

	die.activeCmd = cmd

	// Move the batch onto the die's active list.
	for {
		txn := list.popFront()
		if txn == nil {
			break
		}
		die.activeTxns.pushBack(txn)
	}

	// The channel goes busy for the command/data transfer phase.
	p.setChannelStatus(channel, BusBusy)

	switch head.Type {
	case TaskRead:
		if count == 1 {
			cmd.code = cmdReadPage
		} else {
			cmd.code = cmdReadPageMultiplane
		}
	case TaskWrite:
		if count == 1 {
			cmd.code = cmdProgramPage
		} else {
			cmd.code = cmdProgramPageMultiplane
		}
	case TaskErase:
		if count == 1 {
			cmd.code = cmdEraseBlock
		} else {
			cmd.code = cmdEraseBlockMultiplane
		}
	}

	chip.cmdXferQueue = append(chip.cmdXferQueue, die)
	p.startCmdDataTransfer(chip)
}

func (p *Pipeline) commandLatency(code cmdCode) time.Duration {
	switch code {
	case cmdReadPage, cmdReadPageMultiplane:
		return time.Duration(p.geom.ReadLatencyUs) * time.Microsecond
	case cmdProgramPage, cmdProgramPageMultiplane:
		return time.Duration(p.geom.ProgramLatencyUs) * time.Microsecond
	default:
		return time.Duration(p.geom.EraseLatencyUs) * time.Microsecond
	}
}

// startCmdDataTransfer begins the command/data transfer phase for the
// next queued die of the chip.
func (p *Pipeline) startCmdDataTransfer(chip *chipData) bool {
	if chip.currentXfer != nil || len(chip.cmdXferQueue) == 0 {
		return false
	}

	nfc := chip.channel.nfc
	die := chip.cmdXferQueue[0]
	chip.cmdXferQueue = chip.cmdXferQueue[1:]

	chip.status = ChipCmdDataIn
	chip.currentXfer = die

	head := die.activeTxns.head
	nfc.SelectChip(chip.index, true)
	chip.lastXferStart = p.now()

	stepSize := nfc.StepSize()
	codeSize := nfc.CodeSize()
	startStep := head.Offset / stepSize
	nrSteps := (head.Length + stepSize - 1) / stepSize

	completed := false
	switch die.activeCmd.code {
	case cmdReadPage, cmdReadPageMultiplane:
		// When ECC bytes are requested the column points at the start of
		// the covering codeword; otherwise the raw byte offset is used.
		col := head.Offset
		if head.CodeLen > 0 {
			col = startStep * (stepSize + codeSize)
		}
		nfc.ReadPageAddr(head.Addr.Die, head.Addr.Plane, head.Addr.Block, head.Addr.Page, col)
		completed = true
	case cmdProgramPage, cmdProgramPageMultiplane:
		end := (startStep + nrSteps) * stepSize
		if end > uint32(len(head.Data)) {
			end = uint32(len(head.Data))
		}
		nfc.ProgramTransfer(head.Addr.Die, head.Addr.Plane, head.Addr.Block, head.Addr.Page,
			startStep*(stepSize+codeSize), head.Data[startStep*stepSize:end])
	case cmdEraseBlock, cmdEraseBlockMultiplane:
		nfc.EraseBlock(head.Addr.Die, head.Addr.Plane, head.Addr.Block)
		completed = true
	}

	if completed {
		p.completeChipTransfer(chip, p.now())
	} else {
		p.chipsInTransfer = append(p.chipsInTransfer, chip)
	}
	return true
}

// startDieCommand moves the transferred command into array execution.
func (p *Pipeline) startDieCommand(chip *chipData, cmd *flashCommand) {
	die := &chip.dies[cmd.addrs[0].Die]
	now := p.now()

	die.execStart = now
	die.cmdFinishTime = now.Add(p.commandLatency(cmd.code))
	die.currentCmd = cmd
	die.cmdError = false

	switch cmd.code {
	case cmdReadPage:
		chip.channel.nfc.ReadPage()
	case cmdProgramPage:
		chip.channel.nfc.ProgramPage()
	}

	heap.Push(&p.execHeap, die)
	chip.activeDies++
}

func (p *Pipeline) completeChipTransfer(chip *chipData, now time.Time) {
	die := chip.currentXfer
	head := die.activeTxns.head
	channel := chip.channel
	xferUs := uint64(now.Sub(chip.lastXferStart) / time.Microsecond)

	chip.currentXfer = nil

	die.activeTxns.each(func(txn *Task) bool {
		txn.TotalXferUs += xferUs
		return true
	})

	p.startDieCommand(chip, die.activeCmd)

	channel.nfc.SelectChip(chip.index, false)

	if len(chip.cmdXferQueue) > 0 {
		// Interleave: while this die executes, start the next queued
		// die's transfer phase on the same chip.
		p.startCmdDataTransfer(chip)
		return
	}

	switch head.Type {
	case TaskRead:
		chip.status = ChipReading
	case TaskWrite:
		chip.status = ChipWriting
	case TaskErase:
		chip.status = ChipErasing
	}

	p.setChannelStatus(channel, BusIdle)
	p.sched.NotifyChannelIdle(channel.index)
}

func (p *Pipeline) completeDieCommand(chip *chipData, die *dieData, failed bool, now time.Time) {
	cmd := die.currentCmd
	execUs := uint64(now.Sub(die.execStart) / time.Microsecond)

	chip.activeDies--
	die.currentCmd = nil

	txnCompleted := true
	if cmd.code.isRead() && !failed {
		if chip.activeDies == 0 {
			chip.status = ChipWaitForDataOut
		}
		die.activeTxns.each(func(txn *Task) bool {
			txn.TotalExecUs += execUs
			chip.nrWaitingReadXfers++
			chip.channel.waitingReadXfer = append(chip.channel.waitingReadXfer, txn)
			return true
		})
		p.startDataOutTransfer(chip.channel)
		txnCompleted = false
	}

	if txnCompleted {
		for {
			txn := die.activeTxns.popFront()
			if txn == nil {
				break
			}
			txn.TotalExecUs += execUs
			p.complete(txn, failed)
		}
		die.activeCmd = nil
		if chip.activeDies == 0 {
			chip.status = ChipIdle
		}
	}

	if chip.channel.status == BusIdle {
		p.sched.NotifyChannelIdle(chip.channel.index)
	}
	if chip.status == ChipIdle {
		p.sched.NotifyChipIdle(chip.channel.index, chip.index)
	}
}

// startDataOutTransfer schedules the next pending read data-out on the
// channel if the bus is idle.
func (p *Pipeline) startDataOutTransfer(channel *channelData) bool {
	if channel.status != BusIdle || len(channel.waitingReadXfer) == 0 {
		return false
	}

	txn := channel.waitingReadXfer[0]
	channel.waitingReadXfer = channel.waitingReadXfer[1:]

	chip := &channel.chips[txn.Addr.Chip]
	die := &chip.dies[txn.Addr.Die]

	chip.status = ChipDataOut
	die.activeXfer = txn
	p.setChannelStatus(channel, BusBusy)

	nfc := channel.nfc
	stepSize := nfc.StepSize()
	startStep := txn.Offset / stepSize
	nrSteps := (txn.Length + stepSize - 1) / stepSize

	nfc.SelectChip(chip.index, true)
	chip.lastXferStart = p.now()

	// Re-issue the address cycle for this plane before the transfer; a
	// multi-plane read leaves several planes ready on the die.
	col := txn.Offset
	if txn.CodeLen > 0 {
		col = startStep * (stepSize + nfc.CodeSize())
	}
	nfc.ReadPageAddr(txn.Addr.Die, txn.Addr.Plane, txn.Addr.Block, txn.Addr.Page, col)

	end := (startStep + nrSteps) * stepSize
	if end > uint32(len(txn.Data)) {
		end = uint32(len(txn.Data))
	}
	var code []byte
	if txn.CodeLen > 0 {
		codeSize := nfc.CodeSize()
		code = txn.CodeBuf[startStep*codeSize : (startStep+nrSteps)*codeSize]
	}
	nfc.ReadTransfer(txn.Addr.Die, txn.Addr.Plane, txn.Data[startStep*stepSize:end], code)

	p.diesOutTransfer = append(p.diesOutTransfer, die)
	return true
}

func (p *Pipeline) completeDataOutTransfer(chip *chipData, die *dieData, now time.Time) {
	txn := die.activeXfer
	cmd := die.activeCmd
	channel := chip.channel

	bitmap := channel.nfc.CompleteTransfer(FromNAND, txn.Length)
	channel.nfc.SelectChip(chip.index, false)

	txn.TotalXferUs += uint64(now.Sub(chip.lastXferStart) / time.Microsecond)
	txn.ErrBitmap = bitmap << (txn.Offset / channel.nfc.StepSize())

	die.activeXfer = nil

	// Pick up the LPA the command carried for this plane (multi-plane
	// reads complete plane by plane).
	for i, addr := range cmd.addrs {
		if addr.Plane == txn.Addr.Plane {
			txn.LPA = cmd.lpas[i]
		}
	}

	die.activeTxns.remove(txn)
	p.complete(txn, false)

	if die.activeTxns.empty() {
		die.activeCmd = nil
	}

	if chip.activeDies == 0 {
		chip.nrWaitingReadXfers--
		if chip.nrWaitingReadXfers == 0 {
			chip.status = ChipIdle
		} else {
			chip.status = ChipWaitForDataOut
		}
	}

	p.setChannelStatus(channel, BusIdle)
	p.sched.NotifyChannelIdle(channel.index)
}

// collectExecuted gathers dies whose predicted finish time has elapsed,
// confirms with READ STATUS (broadcast-batched: at most one outstanding
// status poll per idle channel, interleaved across channels) and returns
// those that finished.
func (p *Pipeline) collectExecuted(now time.Time) []*dieData {
	var candidates [][]*dieData // per channel
	var statusBusy uint64
	var done []*dieData

	for len(p.execHeap) > 0 {
		die := p.execHeap[0]
		if die.cmdFinishTime.After(now) {
			break
		}
		heap.Pop(&p.execHeap)

		chip := die.chip
		ch := chip.channel.index
		if chip.channel.status != BusIdle {
			// Bus occupied; retry on a later tick.
			heap.Push(&p.execHeap, die)
			break
		}

		if candidates == nil {
			candidates = make([][]*dieData, p.geom.Channels)
		}
		if statusBusy&(1<<ch) == 0 {
			chip.channel.nfc.SelectChip(chip.index, true)
			chip.channel.nfc.ReadStatusAsync(die.index, die.currentCmd.addrs[0].Plane)
			statusBusy |= 1 << ch
		}
		candidates[ch] = append(candidates[ch], die)
	}

	for statusBusy != 0 {
		for ch := uint32(0); ch < p.geom.Channels; ch++ {
			if statusBusy&(1<<ch) == 0 {
				continue
			}
			die := candidates[ch][0]
			chip := die.chip

			polled, arrayBusy, failed := chip.channel.nfc.CheckStatus()
			if !polled {
				continue
			}

			chip.channel.nfc.SelectChip(chip.index, false)
			candidates[ch] = candidates[ch][1:]
			statusBusy &^= 1 << ch

			if die.currentCmd.code.isRead() {
				// Status error bits are ignored for reads: the
				// ECC-corrected payload decides success.
				failed = false
			}

			if !arrayBusy || failed {
				die.cmdError = failed
				done = append(done, die)
			} else {
				// Predicted finish was optimistic; poll again later.
				die.cmdFinishTime = p.now().Add(10 * time.Microsecond)
				heap.Push(&p.execHeap, die)
			}

			if len(candidates[ch]) > 0 {
				next := candidates[ch][0]
				next.chip.channel.nfc.SelectChip(next.chip.index, true)
				next.chip.channel.nfc.ReadStatusAsync(next.index, next.currentCmd.addrs[0].Plane)
				statusBusy |= 1 << ch
			}
		}
	}

	return done
}

// Tick advances the pipeline: retires finished transfers, confirms
// finished array operations and schedules pending data-outs.
func (p *Pipeline) Tick() {
	now := p.now()

	// Inbound (program) transfers.
	remaining := p.chipsInTransfer[:0]
	for _, chip := range p.chipsInTransfer {
		if chip.channel.nfc.TransferDone(ToNAND) {
			chip.channel.nfc.CompleteTransfer(ToNAND, 0)
			p.completeChipTransfer(chip, now)
		} else {
			remaining = append(remaining, chip)
		}
	}
	p.chipsInTransfer = remaining

	// Array execution.
	for _, die := range p.collectExecuted(now) {
		p.completeDieCommand(die.chip, die, die.cmdError, now)
	}

	// Outbound (read) transfers.
	outRemaining := p.diesOutTransfer[:0]
	for _, die := range p.diesOutTransfer {
		if die.chip.channel.nfc.TransferDone(FromNAND) {
			p.completeDataOutTransfer(die.chip, die, now)
		} else {
			outRemaining = append(outRemaining, die)
		}
	}
	p.diesOutTransfer = outRemaining

	for ch := range p.channels {
		channel := &p.channels[ch]
		p.startDataOutTransfer(channel)
		if channel.status == BusIdle {
			p.sched.NotifyChannelIdle(channel.index)
		}
	}
}

// NextEventIn hints how soon the earliest executing die is due, so the
// service loop can sleep instead of spinning. Zero when work is imminent.
func (p *Pipeline) NextEventIn() (time.Duration, bool) {
	if len(p.chipsInTransfer) > 0 || len(p.diesOutTransfer) > 0 {
		return 0, true
	}
	for ch := range p.channels {
		if len(p.channels[ch].waitingReadXfer) > 0 {
			return 0, true
		}
	}
	if len(p.execHeap) > 0 {
		d := time.Until(p.execHeap[0].cmdFinishTime)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// SampleFlash fills a read-only busy snapshot for profiling.
func (p *Pipeline) SampleFlash(s *Sample) {
	s.ChannelBusy = 0
	s.DieBusy = 0
	dieIndex := 0
	for ch := range p.channels {
		channel := &p.channels[ch]
		if channel.status == BusBusy {
			s.ChannelBusy |= 1 << uint(ch)
		}
		for c := range channel.chips {
			chip := &channel.chips[c]
			for d := range chip.dies {
				if chip.dies[d].currentCmd != nil {
					s.DieBusy |= 1 << uint(dieIndex)
				}
				dieIndex++
			}
		}
	}
}

// ReportStats logs the pipeline state of every chip and die.
func (p *Pipeline) ReportStats() {
	for ch := range p.channels {
		channel := &p.channels[ch]
		for c := range channel.chips {
			chip := &channel.chips[c]
			ev := p.log.Info().
				Int("channel", ch).
				Int("chip", c).
				Uint8("status", uint8(chip.status)).
				Int("active_dies", chip.activeDies)
			for d := range chip.dies {
				die := &chip.dies[d]
				if die.currentCmd != nil {
					ev = ev.Str("executing", die.currentCmd.addrs[0].String())
				}
			}
			ev.Msg("fil chip")
		}
	}
}
