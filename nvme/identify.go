// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Identify data structures and log pages, laid out exactly as they
// travel on the wire.

package nvme

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/dswarbrick/openssd/ftl"
)

type IdentPowerState struct {
	MaxPower        uint16 // Centiwatts
	Rsvd2           uint8
	Flags           uint8
	EntryLat        uint32 // Microseconds
	ExitLat         uint32 // Microseconds
	ReadTput        uint8
	ReadLat         uint8
	WriteTput       uint8
	WriteLat        uint8
	IdlePower       uint16
	IdleScale       uint8
	Rsvd19          uint8
	ActivePower     uint16
	ActiveWorkScale uint8
	Rsvd23          [9]byte
}

type IdentController struct {
	VendorID     uint16   // PCI Vendor ID
	Ssvid        uint16   // PCI Subsystem Vendor ID
	SerialNumber [20]byte // Serial Number
	ModelNumber  [40]byte // Model Number
	Firmware     [8]byte  // Firmware Revision
	Rab          uint8    // Recommended Arbitration Burst
	IEEE         [3]byte  // IEEE OUI Identifier
	Cmic         uint8    // Multi-Path I/O and Namespace Sharing Capabilities
	Mdts         uint8    // Maximum Data Transfer Size
	Cntlid       uint16   // Controller ID
	Ver          uint32   // Version
	Rtd3r        uint32   // RTD3 Resume Latency
	Rtd3e        uint32   // RTD3 Entry Latency
	Oaes         uint32   // Optional Asynchronous Events Supported
	Rsvd96       [160]byte
	Oacs         uint16 // Optional Admin Command Support
	Acl          uint8  // Abort Command Limit
	Aerl         uint8  // Asynchronous Event Request Limit
	Frmw         uint8  // Firmware Updates
	Lpa          uint8  // Log Page Attributes
	Elpe         uint8  // Error Log Page Entries
	Npss         uint8  // Number of Power States Support
	Avscc        uint8  // Admin Vendor Specific Command Configuration
	Apsta        uint8  // Autonomous Power State Transition Attributes
	Wctemp       uint16 // Warning Composite Temperature Threshold
	Cctemp       uint16 // Critical Composite Temperature Threshold
	Mtfa         uint16 // Maximum Time for Firmware Activation
	Hmpre        uint32 // Host Memory Buffer Preferred Size
	Hmmin        uint32 // Host Memory Buffer Minimum Size
	Tnvmcap      [16]byte
	Unvmcap      [16]byte
	Rpmbs        uint32 // Replay Protected Memory Block Support
	Rsvd316      [196]byte
	Sqes         uint8 // Submission Queue Entry Size
	Cqes         uint8 // Completion Queue Entry Size
	Rsvd514      [2]byte
	Nn           uint32 // Number of Namespaces
	Oncs         uint16 // Optional NVM Command Support
	Fuses        uint16 // Fused Operation Support
	Fna          uint8  // Format NVM Attributes
	Vwc          uint8  // Volatile Write Cache
	Awun         uint16 // Atomic Write Unit Normal
	Awupf        uint16 // Atomic Write Unit Power Fail
	Nvscc        uint8  // NVM Vendor Specific Command Configuration
	Rsvd531      uint8
	Acwu         uint16 // Atomic Compare & Write Unit
	Rsvd534      [2]byte
	Sgls         uint32 // SGL Support
	Rsvd540      [1508]byte
	Psd          [32]IdentPowerState // Power State Descriptors
	Vs           [1024]byte          // Vendor Specific
} // 4096 bytes

type LBAF struct {
	Ms uint16
	Ds uint8
	Rp uint8
}

type IdentNamespace struct {
	Nsze    uint64
	Ncap    uint64
	Nuse    uint64
	Nsfeat  uint8
	Nlbaf   uint8
	Flbas   uint8
	Mc      uint8
	Dpc     uint8
	Dps     uint8
	Nmic    uint8
	Rescap  uint8
	Fpi     uint8
	Rsvd33  uint8
	Nawun   uint16
	Nawupf  uint16
	Nacwu   uint16
	Nabsn   uint16
	Nabo    uint16
	Nabspf  uint16
	Rsvd46  [2]byte
	Nvmcap  [16]byte
	Rsvd64  [40]byte
	Nguid   [16]byte
	EUI64   [8]byte
	Lbaf    [16]LBAF
	Rsvd192 [192]byte
	Vs      [3712]byte
} // 4096 bytes

type SMARTLog struct {
	CritWarning      uint8
	Temperature      [2]uint8
	AvailSpare       uint8
	SpareThresh      uint8
	PercentUsed      uint8
	Rsvd6            [26]byte
	DataUnitsRead    [16]byte
	DataUnitsWritten [16]byte
	HostReads        [16]byte
	HostWrites       [16]byte
	CtrlBusyTime     [16]byte
	PowerCycles      [16]byte
	PowerOnHours     [16]byte
	UnsafeShutdowns  [16]byte
	MediaErrors      [16]byte
	NumErrLogEntries [16]byte
	WarningTempTime  uint32
	CritCompTime     uint32
	TempSensor       [8]uint16
	Rsvd216          [296]byte
} // 512 bytes

const (
	oacsNSMgmt     = 1 << 3
	oncsWriteZero  = 1 << 3
	vwcPresent     = 1 << 0
	identPageBytes = 4096
)

func encodeIdent(v any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	out := buf.Bytes()
	if len(out) < identPageBytes {
		out = append(out, make([]byte, identPageBytes-len(out))...)
	}
	return out
}

func le128(v uint64) (out [16]byte) {
	binary.LittleEndian.PutUint64(out[:8], v)
	return out
}

// identifyController builds the identify controller page.
func (fe *Frontend) identifyController() []byte {
	var id IdentController

	id.VendorID = 0x9038
	id.Ssvid = 0x0007
	copy(id.SerialNumber[:], "OSSD00000001        ")
	copy(id.ModelNumber[:], "openssd computational drive")
	copy(id.Firmware[:], "1.0     ")
	id.IEEE = [3]byte{0xa1, 0xb2, 0xc3}
	id.Mdts = fe.cfg.MaxDataTransferSize
	id.Cntlid = 0x9
	id.Acl = 0x3
	id.Aerl = 0x3
	id.Frmw = 0x3
	id.Elpe = 0x8
	id.Sqes = 0x6<<4 | 0x6
	id.Cqes = 0x4<<4 | 0x4
	id.Nn = ftl.NamespaceMax
	id.Oacs = oacsNSMgmt
	id.Oncs = oncsWriteZero
	id.Vwc = 0x4 | vwcPresent
	id.Psd[0].MaxPower = 0x09c4

	return encodeIdent(&id)
}

// identifyNamespace builds the identify namespace page.
func (fe *Frontend) identifyNamespace(nsid uint32) ([]byte, uint16) {
	var id IdentNamespace

	if nsid != 0xffffffff {
		info, err := fe.ftl.GetNamespace(nsid)
		if err != nil {
			return nil, SCInvalidNS
		}
		id.Nsze = info.SizeBlocks
		id.Ncap = info.CapacityBlocks
		id.Nuse = info.UtilBlocks
	}
	id.Nlbaf = 0
	id.Lbaf[0] = LBAF{
		Ds: uint8(bits.TrailingZeros32(fe.geom.SectorSize)),
		Rp: 2,
	}
	return encodeIdent(&id), SCSuccess
}

// identifyNSActiveList builds the active namespace ID list.
func (fe *Frontend) identifyNSActiveList() []byte {
	out := make([]byte, identPageBytes)
	count := 0
	for nsid := uint32(1); nsid <= ftl.NamespaceMax; nsid++ {
		info, err := fe.ftl.GetNamespace(nsid)
		if err != nil || !info.Active {
			continue
		}
		binary.LittleEndian.PutUint32(out[count*4:], nsid)
		count++
	}
	return out
}

// identifyCSController builds the command-set specific controller page;
// all fields are cleared for the NVM command set.
func (fe *Frontend) identifyCSController(csi uint8) []byte {
	return make([]byte, identPageBytes)
}

// smartLog builds log page 0x02 from the FTL health counters.
func (fe *Frontend) smartLog() []byte {
	c := fe.ftl.SMART()

	var log SMARTLog
	log.Temperature = [2]uint8{0x2b, 0x01} // 299 K
	log.AvailSpare = 100
	log.SpareThresh = 10
	log.DataUnitsRead = le128(c.DataUnitsRead)
	log.DataUnitsWritten = le128(c.DataUnitsWritten)
	log.HostReads = le128(c.HostReads)
	log.HostWrites = le128(c.HostWrites)
	log.PowerCycles = le128(c.PowerCycles)
	log.UnsafeShutdowns = le128(c.UnsafeShutdowns)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &log)
	return buf.Bytes()
}
