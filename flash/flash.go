// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// NAND flash geometry, addressing and transaction types shared by the FTL
// and the flash interface layer.

package flash

import "fmt"

// PPN is a 32-bit physical page number. The address tuple (channel, chip,
// die, plane, block, page) encodes losslessly into a PPN by column-major
// multiplication in that order.
type PPN uint32

// NoPPN marks an unmapped logical page.
const NoPPN PPN = 0xFFFFFFFF

// LPA is a logical page address within a namespace.
type LPA uint32

// LBA is a sector-granular logical block address. LPA = LBA / sectors per page.
type LBA uint64

// PageBitmap marks valid sectors within one flash page, bit i = sector i.
type PageBitmap uint64

// Address identifies one flash page in the device hierarchy.
type Address struct {
	Channel uint32
	Chip    uint32
	Die     uint32
	Plane   uint32
	Block   uint32
	Page    uint32
}

func (a Address) String() string {
	return fmt.Sprintf("ch%d w%d d%d pl%d b%d p%d", a.Channel, a.Chip, a.Die, a.Plane, a.Block, a.Page)
}

// Geometry describes the NAND array and derived constants. All dimension
// fields must be non-zero and SectorSize must divide PageSize.
type Geometry struct {
	Channels        uint32 `yaml:"channels"`
	ChipsPerChannel uint32 `yaml:"chips_per_channel"`
	DiesPerChip     uint32 `yaml:"dies_per_chip"`
	PlanesPerDie    uint32 `yaml:"planes_per_die"`
	BlocksPerPlane  uint32 `yaml:"blocks_per_plane"`
	PagesPerBlock   uint32 `yaml:"pages_per_block"`

	PageSize   uint32 `yaml:"page_size"`
	OOBSize    uint32 `yaml:"oob_size"`
	SectorSize uint32 `yaml:"sector_size"`

	// Nominal array operation latencies, exposed to the FIL pipeline for
	// predicted-finish scheduling. Zero means "immediately ready".
	ReadLatencyUs    uint32 `yaml:"read_latency_us"`
	ProgramLatencyUs uint32 `yaml:"program_latency_us"`
	EraseLatencyUs   uint32 `yaml:"erase_latency_us"`
}

// DefaultGeometry mirrors the reference 512 GiB configuration: 8 channels,
// 2 chips per channel, 2 dies per chip, 2 planes per die, 16 KiB pages and
// 4 KiB sectors.
func DefaultGeometry() Geometry {
	return Geometry{
		Channels:         8,
		ChipsPerChannel:  2,
		DiesPerChip:      2,
		PlanesPerDie:     2,
		BlocksPerPlane:   1048,
		PagesPerBlock:    512,
		PageSize:         16384,
		OOBSize:          1872,
		SectorSize:       4096,
		ReadLatencyUs:    50,
		ProgramLatencyUs: 300,
		EraseLatencyUs:   1200,
	}
}

// Validate checks dimensional sanity.
func (g *Geometry) Validate() error {
	switch {
	case g.Channels == 0 || g.ChipsPerChannel == 0 || g.DiesPerChip == 0 ||
		g.PlanesPerDie == 0 || g.BlocksPerPlane == 0 || g.PagesPerBlock == 0:
		return fmt.Errorf("flash: zero geometry dimension")
	case g.SectorSize < 512 || g.SectorSize&(g.SectorSize-1) != 0:
		return fmt.Errorf("flash: sector size %d not a power of two >= 512", g.SectorSize)
	case g.PageSize == 0 || g.PageSize%g.SectorSize != 0:
		return fmt.Errorf("flash: page size %d not a multiple of sector size %d", g.PageSize, g.SectorSize)
	case g.SectorsPerPage() > 64:
		return fmt.Errorf("flash: more than 64 sectors per page")
	case g.DiesPerChip > 64:
		return fmt.Errorf("flash: more than 64 dies per chip")
	}
	return nil
}

func (g *Geometry) SectorsPerPage() uint32 { return g.PageSize / g.SectorSize }

// FullPageBitmap covers every sector of a flash page.
func (g *Geometry) FullPageBitmap() PageBitmap {
	return PageBitmap(1)<<g.SectorsPerPage() - 1
}

func (g *Geometry) PagesPerPlane() uint32   { return g.PagesPerBlock * g.BlocksPerPlane }
func (g *Geometry) PagesPerDie() uint32     { return g.PagesPerPlane() * g.PlanesPerDie }
func (g *Geometry) PagesPerChip() uint32    { return g.PagesPerDie() * g.DiesPerChip }
func (g *Geometry) PagesPerChannel() uint32 { return g.PagesPerChip() * g.ChipsPerChannel }

// TotalPlanes returns the number of planes in the device.
func (g *Geometry) TotalPlanes() uint32 {
	return g.Channels * g.ChipsPerChannel * g.DiesPerChip * g.PlanesPerDie
}

// TotalPages returns the number of flash pages in the device.
func (g *Geometry) TotalPages() uint64 {
	return uint64(g.PagesPerChannel()) * uint64(g.Channels)
}

// PageBufferSize is the size of a full page buffer (user data plus spare),
// rounded up to a 4 KiB boundary as required by the DMA engines.
func (g *Geometry) PageBufferSize() uint32 {
	return (g.PageSize + g.OOBSize + 0xfff) &^ 0xfff
}

// PPN encodes an address into its physical page number.
func (g *Geometry) PPN(a Address) PPN {
	return PPN(g.PagesPerChip()*(g.ChipsPerChannel*a.Channel+a.Chip) +
		g.PagesPerDie()*a.Die + g.PagesPerPlane()*a.Plane +
		g.PagesPerBlock*a.Block + a.Page)
}

// Address decodes a physical page number back into the address tuple.
func (g *Geometry) Address(ppn PPN) Address {
	var a Address
	p := uint32(ppn)
	a.Channel, p = p/g.PagesPerChannel(), p%g.PagesPerChannel()
	a.Chip, p = p/g.PagesPerChip(), p%g.PagesPerChip()
	a.Die, p = p/g.PagesPerDie(), p%g.PagesPerDie()
	a.Plane, p = p/g.PagesPerPlane(), p%g.PagesPerPlane()
	a.Block, p = p/g.PagesPerBlock, p%g.PagesPerBlock
	a.Page = p
	return a
}

// TxnType is a flash transaction type.
type TxnType uint8

const (
	TxnRead TxnType = iota
	TxnWrite
	TxnErase
)

func (t TxnType) String() string {
	switch t {
	case TxnRead:
		return "read"
	case TxnWrite:
		return "write"
	case TxnErase:
		return "erase"
	}
	return "unknown"
}

// TxnSource identifies the originator of a transaction, which selects both
// the scheduler queue and the write frontier used for allocation.
type TxnSource uint8

const (
	SourceUser TxnSource = iota
	SourceMapping
	SourceGC
)

// RequestStats accumulates per-request accounting, recorded into histograms
// when the request completes.
type RequestStats struct {
	FlashReadTxns    uint64
	FlashWriteTxns   uint64
	FlashReadBytes   uint64
	FlashWriteBytes  uint64
	ReadTransferUs   uint64
	WriteTransferUs  uint64
	ReadCommandUs    uint64
	WriteCommandUs   uint64
	ECCErrorBlocks   uint64
}

// Transaction is one page-granular flash operation. It is created by the
// FTL request pipeline or the mapping unit and owned end-to-end by the
// originating worker.
type Transaction struct {
	Type   TxnType
	Source TxnSource
	NSID   uint32

	LPA      LPA
	PPN      PPN
	PPNReady bool
	Addr     Address

	// Data covers the whole flash page; Offset/Length delimit the valid
	// byte range, Bitmap the valid sectors.
	Data   []byte
	Offset uint32
	Length uint32
	Bitmap PageBitmap

	CodeBuf   []byte
	CodeLen   uint32
	ErrBitmap uint64

	TotalXferUs uint64
	TotalExecUs uint64

	// ReqStats points into the owning user request, when there is one.
	ReqStats *RequestStats

	// Opaque carries a caller-private pointer across the dispatch path
	// (the data cache stores its entry here).
	Opaque any
}
