// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package storpu

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memIO backs programs with plain byte maps.
type memIO struct {
	flash map[uint64][]byte // keyed by offset, single namespace
	host  []byte
}

func newMemIO() *memIO {
	return &memIO{flash: make(map[uint64][]byte), host: make([]byte, 1<<16)}
}

func (m *memIO) FlashRead(nsid uint32, offset uint64, buf []byte) error {
	copy(buf, m.flash[offset])
	return nil
}

func (m *memIO) FlashWrite(nsid uint32, offset uint64, buf []byte) error {
	page := make([]byte, len(buf))
	copy(page, buf)
	m.flash[offset] = page
	return nil
}

func (m *memIO) Flush(nsid uint32) error { return nil }
func (m *memIO) Sync() error             { return nil }

func (m *memIO) HostRead(addr uint64, buf []byte) error {
	copy(buf, m.host[addr:])
	return nil
}

func (m *memIO) HostWrite(addr uint64, buf []byte) error {
	copy(m.host[addr:], buf)
	return nil
}

func TestContextLifecycle(t *testing.T) {
	m := NewManager(newMemIO(), zerolog.Nop())

	cid, err := m.CreateContext([]byte(`
		storpu.export(function(arg) { return arg + 1; });
		storpu.export(function(arg) { return arg * 2; });
	`))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cid)

	ret, err := m.Invoke(nil, cid, 0, 41)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ret)

	ret, err = m.Invoke(nil, cid, 1, 21)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ret)

	_, err = m.Invoke(nil, cid, 7, 0)
	assert.ErrorIs(t, err, ErrNoEntry)

	require.NoError(t, m.DeleteContext(cid))
	assert.ErrorIs(t, m.DeleteContext(cid), ErrNoContext)
	_, err = m.Invoke(nil, cid, 0, 0)
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestProgramLoadError(t *testing.T) {
	m := NewManager(newMemIO(), zerolog.Nop())
	_, err := m.CreateContext([]byte(`this is not javascript`))
	assert.Error(t, err)
}

func TestProgramFlashAccess(t *testing.T) {
	io := newMemIO()
	m := NewManager(io, zerolog.Nop())

	// The program copies eight bytes of host memory into the namespace,
	// then sums them back out of flash.
	cid, err := m.CreateContext([]byte(`
		storpu.export(function(addr) {
			var data = storpu.hostRead(addr, 8);
			storpu.write(1, 4096, data);
			var back = new Uint8Array(storpu.read(1, 4096, 8));
			var sum = 0;
			for (var i = 0; i < back.length; i++) sum += back[i];
			return sum;
		});
	`))
	require.NoError(t, err)

	copy(io.host[0x100:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ret, err := m.Invoke(nil, cid, 0, 0x100)
	require.NoError(t, err)
	assert.Equal(t, uint64(36), ret)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, io.flash[4096])
}
