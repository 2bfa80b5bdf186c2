// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import (
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/worker"
)

// hostPageSize is the memory page size assumed for PRP traversal.
const hostPageSize = 4096

// iovCursor walks a scatter list of device buffers byte by byte.
type iovCursor struct {
	iov []ftl.IOVec
	idx int
	off int
}

// next returns the next contiguous piece of at most n bytes, or nil when
// the scatter list is exhausted.
func (c *iovCursor) next(n uint32) []byte {
	for c.idx < len(c.iov) {
		seg := c.iov[c.idx].Base[c.off:]
		if len(seg) == 0 {
			c.idx++
			c.off = 0
			continue
		}
		if uint32(len(seg)) > n {
			seg = seg[:n]
		}
		c.off += len(seg)
		if c.off == len(c.iov[c.idx].Base) {
			c.idx++
			c.off = 0
		}
		return seg
	}
	return nil
}

// flushDMA moves one physically contiguous host range to or from the
// scatter list.
func (fe *Frontend) flushDMA(toHost bool, addr uint64, size uint32, cur *iovCursor) error {
	for size > 0 {
		seg := cur.next(size)
		if seg == nil {
			return ftl.ErrInternal
		}
		var err error
		if toHost {
			err = fe.dma.Write(addr, seg)
		} else {
			err = fe.dma.Read(addr, seg)
		}
		if err != nil {
			return err
		}
		addr += uint64(len(seg))
		size -= uint32(len(seg))
	}
	return nil
}

func (fe *Frontend) readPRPList(addr uint64, nprps uint32) ([]uint64, error) {
	buf := make([]byte, nprps*8)
	if err := fe.dma.Read(addr, buf); err != nil {
		return nil, err
	}
	list := make([]uint64, nprps)
	for i := range list {
		list[i] = leUint64(buf[i*8:])
	}
	return list, nil
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// transferPRP moves count bytes between host memory described by
// PRP1/PRP2 and the scatter list. Physically contiguous PRP entries are
// coalesced into single DMA bursts; chained PRP lists are followed, and
// each next-list pointer must be page aligned.
func (fe *Frontend) transferPRP(toHost bool, prp1, prp2 uint64, iov []ftl.IOVec, count, maxSize uint32) error {
	if count == 0 {
		return nil
	}
	if maxSize < count {
		return ftl.ErrInvalid
	}
	cur := &iovCursor{iov: iov}

	// PRP1 carries an arbitrary page offset.
	offset := uint32(prp1 % hostPageSize)
	chunk := hostPageSize - offset
	if chunk > count {
		chunk = count
	}
	dmaAddr, dmaSize := prp1, chunk
	count -= chunk
	maxSize -= chunk

	if count == 0 {
		return fe.flushDMA(toHost, dmaAddr, dmaSize, cur)
	}

	// PRP2 is a plain second page when the transfer fits in two.
	if maxSize <= hostPageSize {
		if dmaAddr+uint64(dmaSize) == prp2 {
			dmaSize += count
		} else {
			if err := fe.flushDMA(toHost, dmaAddr, dmaSize, cur); err != nil {
				return err
			}
			dmaAddr, dmaSize = prp2, count
		}
		return fe.flushDMA(toHost, dmaAddr, dmaSize, cur)
	}

	// PRP2 points at a PRP list.
	offset = uint32(prp2 % hostPageSize)
	nprps := (count+hostPageSize-1)/hostPageSize + 1
	nprps = (nprps + 3) &^ 3 // align reads to 32 bytes
	if max := (hostPageSize - offset) >> 3; nprps > max {
		nprps = max
	}
	list, err := fe.readPRPList(prp2, nprps)
	if err != nil {
		return err
	}

	for i := uint32(0); ; {
		if i == nprps-1 && count > hostPageSize {
			// The last entry chains to the next PRP list.
			next := list[i]
			if next%hostPageSize != 0 {
				return ftl.ErrInvalid
			}
			nprps = (count+hostPageSize-1)/hostPageSize + 1
			nprps = (nprps + 3) &^ 3
			if nprps > hostPageSize>>3 {
				nprps = hostPageSize >> 3
			}
			if list, err = fe.readPRPList(next, nprps); err != nil {
				return err
			}
			i = 0
		}

		entry := list[i]
		offset = uint32(entry % hostPageSize)
		chunk = hostPageSize - offset
		if chunk > count {
			chunk = count
		}

		if dmaAddr+uint64(dmaSize) == entry {
			dmaSize += chunk
		} else {
			if err := fe.flushDMA(toHost, dmaAddr, dmaSize, cur); err != nil {
				return err
			}
			dmaAddr, dmaSize = entry, chunk
		}

		i++
		count -= chunk
		if count == 0 {
			break
		}
	}

	if dmaSize > 0 {
		return fe.flushDMA(toHost, dmaAddr, dmaSize, cur)
	}
	return nil
}

// DMARead implements ftl.HostXfer: fill device buffers from the host.
func (fe *Frontend) DMARead(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	if req.Buf != nil {
		off := 0
		for _, v := range iov {
			off += copy(v.Base, req.Buf[off:])
		}
		return nil
	}
	return fe.transferPRP(false, req.PRPs[0], req.PRPs[1], iov, count, count)
}

// DMAWrite implements ftl.HostXfer: drain device buffers to the host.
func (fe *Frontend) DMAWrite(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	if req.Buf != nil {
		off := 0
		for _, v := range iov {
			off += copy(req.Buf[off:], v.Base)
		}
		return nil
	}
	return fe.transferPRP(true, req.PRPs[0], req.PRPs[1], iov, count, count)
}
