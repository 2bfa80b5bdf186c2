// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ftl

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/metafs"
)

const (
	planeInfoFile = "planes.bin"
	badBlocksFile = "badblks.bin"
)

const (
	blockFlagBad = 1 << iota
	blockFlagMapping
)

// blockData is the allocator's view of one physical block.
type blockData struct {
	id             uint32
	nrInvalidPages uint32
	pageWriteIndex uint32
	nsid           uint32
	flags          uint8
	invalidPages   flash.Bitmap

	// free-list linkage
	next *blockData
}

// planeAllocator holds a plane's block pool, its free list and the three
// write frontiers.
type planeAllocator struct {
	blocks   []blockData
	freeHead *blockData
	freeTail *blockData
	freeLen  uint32

	dataWF    *blockData
	gcWF      *blockData
	mappingWF *blockData
}

func (p *planeAllocator) pushFree(b *blockData) {
	b.next = nil
	if p.freeTail != nil {
		p.freeTail.next = b
	} else {
		p.freeHead = b
	}
	p.freeTail = b
	p.freeLen++
}

func (p *planeAllocator) popFree(nsid uint32, forMapping bool) *blockData {
	b := p.freeHead
	if b == nil {
		return nil
	}
	p.freeHead = b.next
	if p.freeHead == nil {
		p.freeTail = nil
	}
	b.next = nil
	p.freeLen--
	b.nsid = nsid
	if forMapping {
		b.flags |= blockFlagMapping
	}
	return b
}

func (p *planeAllocator) removeFree(b *blockData) {
	var prev *blockData
	for cur := p.freeHead; cur != nil; cur = cur.next {
		if cur == b {
			if prev == nil {
				p.freeHead = cur.next
			} else {
				prev.next = cur.next
			}
			if p.freeTail == cur {
				p.freeTail = prev
			}
			cur.next = nil
			p.freeLen--
			return
		}
		prev = cur
	}
}

// BlockManager owns the per-plane allocators, the bad-block set and their
// persisted bitmaps. It is internally serialized; callers do not suspend
// while holding its lock.
type BlockManager struct {
	geom  *flash.Geometry
	store *metafs.Store
	log   zerolog.Logger

	mu     sync.Mutex
	planes []planeAllocator // indexed (channel, chip, die, plane) in order

	// pageIdxMap[i] is the page number handed out by the i-th allocation
	// of a block: all LSB pages first, then MSB pages, to minimize
	// program disturbance.
	pageIdxMap []uint32
	lsbBitmap  flash.Bitmap
}

// defaultLSBBitmap builds the LSB page bitmap for a block. The reference
// device pairs every two LSB pages with two MSB pages after the first six
// pages, which are all LSB.
func defaultLSBBitmap(pagesPerBlock uint32) flash.Bitmap {
	bm := flash.NewBitmap(pagesPerBlock)
	for i := uint32(0); i < pagesPerBlock; i++ {
		if i < 6 || i%4 >= 2 {
			bm.Set(i)
		}
	}
	return bm
}

// NewBlockManager allocates plane state; Init must be called before use.
func NewBlockManager(g *flash.Geometry, store *metafs.Store, log zerolog.Logger) *BlockManager {
	bm := &BlockManager{
		geom:      g,
		store:     store,
		log:       log.With().Str("sys", "bm").Logger(),
		lsbBitmap: defaultLSBBitmap(g.PagesPerBlock),
	}

	bm.pageIdxMap = make([]uint32, 0, g.PagesPerBlock)
	for i := uint32(0); i < g.PagesPerBlock; i++ {
		if bm.lsbBitmap.Test(i) {
			bm.pageIdxMap = append(bm.pageIdxMap, i)
		}
	}
	for i := uint32(0); i < g.PagesPerBlock; i++ {
		if !bm.lsbBitmap.Test(i) {
			bm.pageIdxMap = append(bm.pageIdxMap, i)
		}
	}

	bm.planes = make([]planeAllocator, g.TotalPlanes())
	for i := range bm.planes {
		p := &bm.planes[i]
		p.blocks = make([]blockData, g.BlocksPerPlane)
		for b := range p.blocks {
			blk := &p.blocks[b]
			blk.id = uint32(b)
			blk.invalidPages = flash.NewBitmap(g.PagesPerBlock)
		}
	}
	return bm
}

// planeIndex flattens an address in (channel, chip, die, plane) order.
func (bm *BlockManager) planeIndex(addr *flash.Address) uint32 {
	g := bm.geom
	return ((addr.Channel*g.ChipsPerChannel+addr.Chip)*g.DiesPerChip+addr.Die)*g.PlanesPerDie + addr.Plane
}

func (bm *BlockManager) plane(addr *flash.Address) *planeAllocator {
	return &bm.planes[bm.planeIndex(addr)]
}

// scanFunc issues one probe transaction during a bad-block scan and
// reports whether the block is bad. It is supplied by the device so scans
// go through the regular FIL path.
type scanFunc func(addr flash.Address, full bool) bool

// Init restores persisted plane and bad-block state, or resets and scans
// on first boot. scan may be nil to skip probing entirely (all blocks
// presumed good).
func (bm *BlockManager) Init(wipe, fullScan bool, scan scanFunc) error {
	if _, err := bm.store.Stat(planeInfoFile); err != nil || wipe {
		bm.log.Info().Msg("resetting planes")
		bm.resetPlanes()
		if err := bm.savePlaneInfo(); err != nil {
			return err
		}
	} else {
		if err := bm.restorePlaneInfo(); err != nil {
			bm.log.Error().Err(err).Msg("failed to restore plane info")
			return err
		}
	}

	if _, err := bm.store.Stat(badBlocksFile); err != nil {
		bm.log.Info().Msg("scanning bad blocks")
		bm.scanBadBlocks(false, scan)
		if err := bm.saveBadBlocks(); err != nil {
			return err
		}
	} else {
		if err := bm.restoreBadBlocks(); err != nil {
			bm.log.Error().Err(err).Msg("failed to restore bad blocks")
			return err
		}
	}

	if fullScan {
		bm.log.Info().Msg("scanning bad blocks (full)")
		bm.scanBadBlocks(true, scan)
		if err := bm.saveBadBlocks(); err != nil {
			return err
		}
	}

	bm.assignWriteFrontiers()
	return nil
}

func (bm *BlockManager) resetPlanes() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range bm.planes {
		p := &bm.planes[i]
		p.freeHead, p.freeTail, p.freeLen = nil, nil, 0
		for b := range p.blocks {
			blk := &p.blocks[b]
			blk.nrInvalidPages = 0
			blk.pageWriteIndex = 0
			blk.flags = 0
			blk.invalidPages.Reset()
			p.pushFree(blk)
		}
	}
}

func (bm *BlockManager) assignWriteFrontiers() {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range bm.planes {
		p := &bm.planes[i]
		p.dataWF = p.popFree(1, false)
		p.gcWF = p.popFree(1, false)
		p.mappingWF = p.popFree(1, true)
	}
}

// AllocPage picks the next page of the appropriate write frontier for the
// plane addressed by addr and fills in addr.Block and addr.Page. When the
// cursor crosses the in-use half of the block the frontier is swapped to a
// fresh free block.
func (bm *BlockManager) AllocPage(nsid uint32, addr *flash.Address, forGC, forMapping bool) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	p := bm.plane(addr)
	var block *blockData
	switch {
	case forMapping:
		block = p.mappingWF
	case forGC:
		block = p.gcWF
	default:
		block = p.dataWF
	}
	if block == nil {
		return ErrNoSpace
	}

	addr.Block = block.id
	addr.Page = bm.pageIdxMap[block.pageWriteIndex]
	block.pageWriteIndex++

	// Only the LSB half of each block is used before moving on; programming
	// the MSB pages would disturb data in their LSB pairs.
	if block.pageWriteIndex == bm.geom.PagesPerBlock/2 {
		next := p.popFree(nsid, forMapping)
		switch {
		case forMapping:
			p.mappingWF = next
		case forGC:
			p.gcWF = next
		default:
			p.dataWF = next
		}
		// GC kicks in here once a policy is wired up.
	}
	return nil
}

// InvalidatePage marks one physical page stale. Idempotent.
func (bm *BlockManager) InvalidatePage(addr *flash.Address) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	p := bm.plane(addr)
	block := &p.blocks[addr.Block]
	if !block.invalidPages.Test(addr.Page) {
		block.invalidPages.Set(addr.Page)
		block.nrInvalidPages++
	}
}

// MarkBad flags a block bad and removes it from its free list.
func (bm *BlockManager) MarkBad(addr *flash.Address) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	p := bm.plane(addr)
	block := &p.blocks[addr.Block]
	if block.flags&blockFlagBad == 0 {
		block.flags |= blockFlagBad
		p.removeFree(block)
	}
}

func (bm *BlockManager) scanBadBlocks(full bool, scan scanFunc) {
	if scan == nil {
		return
	}
	g := bm.geom
	var addr flash.Address
	for addr.Channel = 0; addr.Channel < g.Channels; addr.Channel++ {
		for addr.Chip = 0; addr.Chip < g.ChipsPerChannel; addr.Chip++ {
			for addr.Die = 0; addr.Die < g.DiesPerChip; addr.Die++ {
				for addr.Plane = 0; addr.Plane < g.PlanesPerDie; addr.Plane++ {
					p := bm.plane(&addr)
					for b := uint32(0); b < g.BlocksPerPlane; b++ {
						block := &p.blocks[b]
						if block.flags&blockFlagBad != 0 {
							continue
						}
						addr.Block = b
						addr.Page = 0
						if scan(addr, full) {
							bm.mu.Lock()
							block.flags |= blockFlagBad
							p.removeFree(block)
							bm.mu.Unlock()
						}
					}
				}
			}
		}
	}
}

// bitmapBytes is the packed size of one plane's block bitmap.
func (bm *BlockManager) bitmapBytes() int {
	return len(flash.NewBitmap(bm.geom.BlocksPerPlane)) * 8
}

func putBitmap(dst []byte, bmap flash.Bitmap) {
	for i, w := range bmap {
		for b := 0; b < 8; b++ {
			dst[i*8+b] = byte(w >> (8 * b))
		}
	}
}

func getBitmap(src []byte, bmap flash.Bitmap) {
	for i := range bmap {
		var w uint64
		for b := 0; b < 8; b++ {
			w |= uint64(src[i*8+b]) << (8 * b)
		}
		bmap[i] = w
	}
}

// savePlaneInfo persists the free-block bitmaps of every plane,
// concatenated in (channel, chip, die, plane) order. Frontiers that have
// not been written yet count as free.
func (bm *BlockManager) savePlaneInfo() error {
	bm.mu.Lock()
	size := bm.bitmapBytes()
	buf := make([]byte, size*len(bm.planes))

	for i := range bm.planes {
		p := &bm.planes[i]
		blockMap := flash.NewBitmap(bm.geom.BlocksPerPlane)

		for blk := p.freeHead; blk != nil; blk = blk.next {
			blockMap.Set(blk.id)
		}
		for _, wf := range []*blockData{p.dataWF, p.mappingWF, p.gcWF} {
			if wf != nil && wf.pageWriteIndex == 0 {
				blockMap.Set(wf.id)
			}
		}
		putBitmap(buf[i*size:(i+1)*size], blockMap)
	}
	bm.mu.Unlock()

	return bm.store.Write(planeInfoFile, buf)
}

func (bm *BlockManager) restorePlaneInfo() error {
	buf, err := bm.store.Read(planeInfoFile)
	if err != nil {
		return err
	}
	size := bm.bitmapBytes()
	if len(buf) < size*len(bm.planes) {
		return ErrIO
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range bm.planes {
		p := &bm.planes[i]
		blockMap := flash.NewBitmap(bm.geom.BlocksPerPlane)
		getBitmap(buf[i*size:(i+1)*size], blockMap)

		for b := uint32(0); b < bm.geom.BlocksPerPlane; b++ {
			if blockMap.Test(b) {
				p.pushFree(&p.blocks[b])
			}
		}
	}
	return nil
}

// SaveBadBlocks persists the bad-block bitmaps, same layout as the plane
// info file.
func (bm *BlockManager) SaveBadBlocks() error {
	return bm.saveBadBlocks()
}

func (bm *BlockManager) saveBadBlocks() error {
	bm.mu.Lock()
	size := bm.bitmapBytes()
	buf := make([]byte, size*len(bm.planes))

	for i := range bm.planes {
		p := &bm.planes[i]
		blockMap := flash.NewBitmap(bm.geom.BlocksPerPlane)
		for b := uint32(0); b < bm.geom.BlocksPerPlane; b++ {
			if p.blocks[b].flags&blockFlagBad != 0 {
				blockMap.Set(b)
			}
		}
		putBitmap(buf[i*size:(i+1)*size], blockMap)
	}
	bm.mu.Unlock()

	return bm.store.Write(badBlocksFile, buf)
}

func (bm *BlockManager) restoreBadBlocks() error {
	buf, err := bm.store.Read(badBlocksFile)
	if err != nil {
		return err
	}
	size := bm.bitmapBytes()
	if len(buf) < size*len(bm.planes) {
		return ErrIO
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range bm.planes {
		p := &bm.planes[i]
		blockMap := flash.NewBitmap(bm.geom.BlocksPerPlane)
		getBitmap(buf[i*size:(i+1)*size], blockMap)

		for b := uint32(0); b < bm.geom.BlocksPerPlane; b++ {
			if blockMap.Test(b) {
				blk := &p.blocks[b]
				blk.flags |= blockFlagBad
				p.removeFree(blk)
			}
		}
	}
	return nil
}

// Persist saves the plane free lists; called on shutdown and SYNC.
func (bm *BlockManager) Persist() error {
	return bm.savePlaneInfo()
}

// ReportStats logs the bad-block population per plane.
func (bm *BlockManager) ReportStats() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	for i := range bm.planes {
		p := &bm.planes[i]
		var bad []uint32
		for b := range p.blocks {
			if p.blocks[b].flags&blockFlagBad != 0 {
				bad = append(bad, uint32(b))
			}
		}
		if len(bad) > 0 {
			bm.log.Info().Int("plane", i).Uints32("blocks", bad).Msg("bad blocks")
		}
	}
}
