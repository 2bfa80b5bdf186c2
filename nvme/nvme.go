// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NVMe command set definitions and the controller register state machine.

package nvme

import (
	"encoding/binary"
	"errors"

	"github.com/dswarbrick/openssd/ecc"
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/worker"
)

// Admin command opcodes.
const (
	AdminDeleteSQ    = 0x00
	AdminCreateSQ    = 0x01
	AdminGetLogPage  = 0x02
	AdminDeleteCQ    = 0x04
	AdminCreateCQ    = 0x05
	AdminIdentify    = 0x06
	AdminSetFeatures = 0x09
	AdminGetFeatures = 0x0a
	AdminNSMgmt      = 0x0d
	AdminNSAttach    = 0x15

	// Vendor: near-data program lifecycle.
	AdminStorPUCreateContext = 0xc0
	AdminStorPUDeleteContext = 0xc1
)

// I/O command opcodes.
const (
	IOFlush       = 0x00
	IOWrite       = 0x01
	IORead        = 0x02
	IOWriteZeroes = 0x08

	// Vendor: near-data program invocation.
	IOStorPUInvoke = 0x81
)

// Identify CNS values.
const (
	CNSNamespace    = 0x00
	CNSController   = 0x01
	CNSNSActiveList = 0x02
	CNSCSController = 0x06
)

// Feature identifiers.
const (
	FeatNumQueues = 0x07
)

// Namespace management/attachment selectors.
const (
	NSMgmtCreate = 0x0
	NSMgmtDelete = 0x1

	NSAttachCtrl = 0x0
	NSDetachCtrl = 0x1
)

// Log page identifiers.
const (
	LogSMART = 0x02
)

// Status codes.
const (
	SCSuccess            = 0x00
	SCInvalidOpcode      = 0x01
	SCInvalidField       = 0x02
	SCCmdIDConflict      = 0x03
	SCDataXferError      = 0x04
	SCInternal           = 0x06
	SCInvalidNS          = 0x0b
	SCCQInvalid          = 0x100
	SCQIDInvalid         = 0x101
	SCFeatureNotSaveable = 0x10d
	SCNSIDUnavailable    = 0x116
	SCNSAlreadyAttached  = 0x118
	SCNSNotAttached      = 0x11a
	SCReadError          = 0x281
	SCAccessDenied       = 0x286
)

// Command is a raw 64-byte submission queue entry; accessors decode the
// little-endian layout in place.
type Command [64]byte

func (c *Command) Opcode() uint8 { return c[0] }
func (c *Command) CID() uint16   { return binary.LittleEndian.Uint16(c[2:]) }
func (c *Command) NSID() uint32  { return binary.LittleEndian.Uint32(c[4:]) }
func (c *Command) PRP1() uint64  { return binary.LittleEndian.Uint64(c[24:]) }
func (c *Command) PRP2() uint64  { return binary.LittleEndian.Uint64(c[32:]) }
func (c *Command) CDW10() uint32 { return binary.LittleEndian.Uint32(c[40:]) }
func (c *Command) CDW11() uint32 { return binary.LittleEndian.Uint32(c[44:]) }
func (c *Command) CDW12() uint32 { return binary.LittleEndian.Uint32(c[48:]) }
func (c *Command) CDW13() uint32 { return binary.LittleEndian.Uint32(c[52:]) }
func (c *Command) CDW14() uint32 { return binary.LittleEndian.Uint32(c[56:]) }
func (c *Command) CDW15() uint32 { return binary.LittleEndian.Uint32(c[60:]) }

// SLBA and NLB decode the read/write command layout. NLB is a zero-based
// count.
func (c *Command) SLBA() uint64 { return binary.LittleEndian.Uint64(c[40:]) }
func (c *Command) NLB() uint16  { return uint16(c.CDW12()) }

func (c *Command) SetOpcode(op uint8) { c[0] = op }
func (c *Command) SetCID(v uint16)    { binary.LittleEndian.PutUint16(c[2:], v) }
func (c *Command) SetNSID(v uint32)   { binary.LittleEndian.PutUint32(c[4:], v) }
func (c *Command) SetPRP1(v uint64)   { binary.LittleEndian.PutUint64(c[24:], v) }
func (c *Command) SetPRP2(v uint64)   { binary.LittleEndian.PutUint64(c[32:], v) }
func (c *Command) SetCDW10(v uint32)  { binary.LittleEndian.PutUint32(c[40:], v) }
func (c *Command) SetCDW11(v uint32)  { binary.LittleEndian.PutUint32(c[44:], v) }
func (c *Command) SetCDW12(v uint32)  { binary.LittleEndian.PutUint32(c[48:], v) }
func (c *Command) SetCDW13(v uint32)  { binary.LittleEndian.PutUint32(c[52:], v) }
func (c *Command) SetCDW14(v uint32)  { binary.LittleEndian.PutUint32(c[56:], v) }
func (c *Command) SetSLBA(v uint64)   { binary.LittleEndian.PutUint64(c[40:], v) }
func (c *Command) SetNLB(v uint16)    { binary.LittleEndian.PutUint32(c[48:], uint32(v)) }

// Completion is a raw 16-byte completion queue entry.
type Completion [16]byte

// MakeCompletion assembles a CQE. Phase bit management belongs to link
// backends that maintain real host-visible queue memory.
func MakeCompletion(result uint64, sqid, cid, status uint16) Completion {
	var cqe Completion
	binary.LittleEndian.PutUint64(cqe[0:], result)
	binary.LittleEndian.PutUint16(cqe[10:], sqid)
	binary.LittleEndian.PutUint16(cqe[12:], cid)
	binary.LittleEndian.PutUint16(cqe[14:], status<<1)
	return cqe
}

func (c Completion) Result() uint64 { return binary.LittleEndian.Uint64(c[0:]) }
func (c Completion) CID() uint16    { return binary.LittleEndian.Uint16(c[12:]) }
func (c Completion) Status() uint16 { return binary.LittleEndian.Uint16(c[14:]) >> 1 }

// Controller configuration register bits.
const (
	ccEnable   = 1 << 0
	ccSHNShift = 14
	ccSHNMask  = 0x3 << ccSHNShift

	SHNNone   = 0x0
	SHNNormal = 0x1
	SHNAbrupt = 0x2
)

// Controller status register bits.
const (
	cstsReady     = 1 << 0
	cstsSHSTShift = 2

	SHSTNormal = 0x0
	SHSTOccur  = 0x1
	SHSTCmplt  = 0x2
)

// CtrlState is the controller-level state machine driven by host CC
// writes.
type CtrlState uint8

const (
	CtrlDisabled CtrlState = iota
	CtrlEnabling
	CtrlEnabled
	CtrlShuttingDownNormal
	CtrlShuttingDownAbrupt
	CtrlShutdownComplete
)

func (s CtrlState) String() string {
	switch s {
	case CtrlDisabled:
		return "disabled"
	case CtrlEnabling:
		return "enabling"
	case CtrlEnabled:
		return "enabled"
	case CtrlShuttingDownNormal:
		return "shutdown-normal"
	case CtrlShuttingDownAbrupt:
		return "shutdown-abrupt"
	case CtrlShutdownComplete:
		return "shutdown-complete"
	}
	return "unknown"
}

// errToStatus translates the internal error taxonomy into NVMe status
// codes.
func errToStatus(err error) uint16 {
	switch {
	case err == nil:
		return SCSuccess
	case errors.Is(err, ftl.ErrNotPermitted):
		return SCAccessDenied
	case errors.Is(err, ftl.ErrInvalid):
		return SCInvalidField
	case errors.Is(err, ftl.ErrAlreadyExists):
		return SCCmdIDConflict
	case errors.Is(err, ftl.ErrBadMessage), errors.Is(err, ecc.ErrUncorrectable):
		return SCReadError
	case errors.Is(err, ftl.ErrIO), errors.Is(err, ftl.ErrTimedOut), errors.Is(err, worker.ErrTimedOut):
		return SCDataXferError
	case errors.Is(err, ftl.ErrNotSupported):
		return SCInvalidOpcode
	case errors.Is(err, ftl.ErrNotFound):
		return SCInvalidNS
	default:
		return SCInternal
	}
}
