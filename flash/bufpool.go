// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package flash

import "sync"

// BufferPool recycles full page buffers (user data plus spare area). It
// stands in for the per-zone page allocator of the hardware build; buffers
// handed out are always zero length-extended to the full buffer size.
type BufferPool struct {
	size uint32
	pool sync.Pool
}

// NewBufferPool sizes the pool for the given geometry.
func NewBufferPool(g *Geometry) *BufferPool {
	bp := &BufferPool{size: g.PageBufferSize()}
	bp.pool.New = func() any { return make([]byte, bp.size) }
	return bp
}

// Get returns a page buffer. Contents are unspecified; callers that expose
// uninitialised pages to the host must clear them first.
func (bp *BufferPool) Get() []byte {
	return bp.pool.Get().([]byte)
}

// GetZeroed returns a cleared page buffer.
func (bp *BufferPool) GetZeroed() []byte {
	buf := bp.Get()
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Put returns a buffer to the pool. Buffers with less capacity than a page
// buffer are dropped; larger ones are resliced to the page buffer size.
func (bp *BufferPool) Put(buf []byte) {
	if uint32(cap(buf)) < bp.size {
		return
	}
	bp.pool.Put(buf[:bp.size])
}
