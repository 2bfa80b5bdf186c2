// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package nvme

import (
	"testing"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/openssd/ecc"
	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/ftl"
	"github.com/dswarbrick/openssd/metafs"
	"github.com/dswarbrick/openssd/pcie"
	"github.com/dswarbrick/openssd/worker"
)

func TestStructSizes(t *testing.T) {
	assert := assert.New(t)

	// Test that various structs are the size they should be
	assert.Equal(uintptr(64), unsafe.Sizeof(Command{}))
	assert.Equal(uintptr(16), unsafe.Sizeof(Completion{}))
	assert.Equal(uintptr(4096), unsafe.Sizeof(IdentController{}))
	assert.Equal(uintptr(4096), unsafe.Sizeof(IdentNamespace{}))
	assert.Equal(uintptr(512), unsafe.Sizeof(SMARTLog{}))
}

func TestCommandAccessors(t *testing.T) {
	var cmd Command
	cmd.SetOpcode(IOWrite)
	cmd.SetCID(0x1234)
	cmd.SetNSID(7)
	cmd.SetPRP1(0xdeadbeef000)
	cmd.SetPRP2(0xcafe0000)
	cmd.SetSLBA(0x123456789a)
	cmd.SetNLB(63)

	assert.Equal(t, uint8(IOWrite), cmd.Opcode())
	assert.Equal(t, uint16(0x1234), cmd.CID())
	assert.Equal(t, uint32(7), cmd.NSID())
	assert.Equal(t, uint64(0xdeadbeef000), cmd.PRP1())
	assert.Equal(t, uint64(0xcafe0000), cmd.PRP2())
	assert.Equal(t, uint64(0x123456789a), cmd.SLBA())
	assert.Equal(t, uint16(63), cmd.NLB())
}

func TestCompletionRoundTrip(t *testing.T) {
	cqe := MakeCompletion(0x1122334455667788, 3, 0xbeef, SCInvalidNS)
	assert.Equal(t, uint64(0x1122334455667788), cqe.Result())
	assert.Equal(t, uint16(0xbeef), cqe.CID())
	assert.Equal(t, uint16(SCInvalidNS), cqe.Status())
}

func TestErrToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want uint16
	}{
		{nil, SCSuccess},
		{ftl.ErrInvalid, SCInvalidField},
		{ftl.ErrNotFound, SCInvalidNS},
		{ftl.ErrIO, SCDataXferError},
		{ftl.ErrBadMessage, SCReadError},
		{ecc.ErrUncorrectable, SCReadError},
		{ftl.ErrNotSupported, SCInvalidOpcode},
		{ftl.ErrNotPermitted, SCAccessDenied},
		{ftl.ErrAlreadyExists, SCCmdIDConflict},
		{worker.ErrTimedOut, SCDataXferError},
		{ftl.ErrInternal, SCInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, errToStatus(c.err), "%v", c.err)
	}
}

func newPRPFrontend(t *testing.T) (*Frontend, *pcie.MemLink) {
	t.Helper()
	link := pcie.NewMemLink(1 << 20)
	g := flash.DefaultGeometry()
	fe := New(Config{
		Geometry:  &g,
		Link:      link,
		DMA:       pcie.NewDMAEngine(link, 4, 512, 512),
		NrWorkers: 1,
		Pool:      worker.NewPool(1, zerolog.Nop()),
		Log:       zerolog.Nop(),
	})
	return fe, link
}

func TestPRPSinglePage(t *testing.T) {
	fe, link := newPRPFrontend(t)

	src := make([]byte, 512)
	for i := range src {
		src[i] = byte(i)
	}
	// PRP1 with a page offset, transfer within one page.
	link.HostWrite(0x1200, src)

	dst := make([]byte, 512)
	err := fe.transferPRP(false, 0x1200, 0, []ftl.IOVec{{Base: dst}}, 512, 512)
	require.NoError(t, err)
	assert.Equal(t, src, dst)
}

func TestPRPTwoPages(t *testing.T) {
	fe, link := newPRPFrontend(t)

	src := make([]byte, 8192)
	for i := range src {
		src[i] = byte(i * 3)
	}
	// Two non-contiguous pages.
	link.HostWrite(0x1000, src[:4096])
	link.HostWrite(0x8000, src[4096:])

	dst := make([]byte, 8192)
	err := fe.transferPRP(false, 0x1000, 0x8000, []ftl.IOVec{{Base: dst}}, 8192, 8192)
	require.NoError(t, err)
	assert.Equal(t, src, dst)
}

func TestPRPList(t *testing.T) {
	fe, link := newPRPFrontend(t)

	// Four pages of payload: PRP1 plus a three-entry PRP list.
	const pages = 4
	src := make([]byte, pages*4096)
	for i := range src {
		src[i] = byte(i * 7)
	}

	link.HostWrite(0x10000, src[:4096])
	listAddr := uint64(0x30000)
	var list [3 * 8]byte
	addrs := []uint64{0x41000, 0x20000, 0x21000} // middle two contiguous? no: entries 2,3 contiguous
	for i, a := range addrs {
		for b := 0; b < 8; b++ {
			list[i*8+b] = byte(a >> (8 * b))
		}
		link.HostWrite(a, src[(i+1)*4096:(i+2)*4096])
	}
	link.HostWrite(listAddr, list[:])

	dst := make([]byte, len(src))
	err := fe.transferPRP(false, 0x10000, listAddr, []ftl.IOVec{{Base: dst}}, uint32(len(src)), uint32(len(src)))
	require.NoError(t, err)
	assert.Equal(t, src, dst)
}

func TestPRPScatterTargets(t *testing.T) {
	fe, link := newPRPFrontend(t)

	src := make([]byte, 4096)
	for i := range src {
		src[i] = byte(255 - i%251)
	}
	link.HostWrite(0x5000, src)

	// Device-side scatter across three unequal buffers.
	a := make([]byte, 1000)
	b := make([]byte, 3000)
	c := make([]byte, 96)
	err := fe.transferPRP(false, 0x5000, 0, []ftl.IOVec{{Base: a}, {Base: b}, {Base: c}}, 4096, 4096)
	require.NoError(t, err)

	joined := append(append(append([]byte{}, a...), b...), c...)
	assert.Equal(t, src, joined)
}

func TestPRPWriteToHost(t *testing.T) {
	fe, link := newPRPFrontend(t)

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 199)
	}
	err := fe.transferPRP(true, 0x9000, 0, []ftl.IOVec{{Base: payload}}, 4096, 4096)
	require.NoError(t, err)

	got := make([]byte, 4096)
	link.HostRead(0x9000, got)
	assert.Equal(t, payload, got)
}

func TestControllerStateMachine(t *testing.T) {
	link := pcie.NewMemLink(1 << 16)
	g := flash.DefaultGeometry()

	store, err := metafs.Open(t.TempDir())
	require.NoError(t, err)
	f := ftl.New(ftl.Config{
		Geometry: &g,
		Store:    store,
		Submit: func(w *worker.Worker, txn *flash.Transaction) error {
			return nil
		},
		Correct:         func(w *worker.Worker, data, code []byte, errBitmap uint64) error { return nil },
		Host:            hostStub{},
		DataCacheBytes:  uint64(g.PageSize) * 8,
		XlateCacheBytes: uint64(g.PageSize/4) * 8 * 2,
		WriteCache:      true,
		CapacityBytes:   1 << 30,
		Log:             zerolog.Nop(),
	})
	require.NoError(t, f.Init(ftl.InitOptions{}))

	pool := worker.NewPool(2, zerolog.Nop())
	fe := New(Config{
		FTL:       f,
		Geometry:  &g,
		Link:      link,
		DMA:       pcie.NewDMAEngine(link, 2, 0, 0),
		Pool:      pool,
		NrWorkers: 2,
		Log:       zerolog.Nop(),
	})
	pool.Start(fe.WorkerMain)
	defer func() {
		fe.Stop()
		pool.Join()
	}()

	assert.Equal(t, CtrlDisabled, fe.State())
	assert.Zero(t, fe.CSTS()&1)

	// EN rising enables the controller.
	fe.HandleEvent(pcie.Event{Type: pcie.EventCCWrite, CC: 1})
	assert.Equal(t, CtrlEnabled, fe.State())
	assert.EqualValues(t, 1, fe.CSTS()&1)

	// Normal shutdown flows through OCCUR to CMPLT.
	fe.HandleEvent(pcie.Event{Type: pcie.EventCCWrite, CC: 1 | SHNNormal<<14})
	deadline := 1000
	for fe.State() != CtrlShutdownComplete && deadline > 0 {
		deadline--
		if fe.State() == CtrlShuttingDownNormal {
			assert.EqualValues(t, SHSTOccur, fe.CSTS()>>2&0x3)
		}
		// Let the shutdown worker run.
		pollSleep()
	}
	assert.Equal(t, CtrlShutdownComplete, fe.State())
	assert.EqualValues(t, SHSTCmplt, fe.CSTS()>>2&0x3)
}

func pollSleep() { time.Sleep(time.Millisecond) }

type hostStub struct{}

func (hostStub) DMARead(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	return nil
}
func (hostStub) DMAWrite(w *worker.Worker, req *ftl.Request, iov []ftl.IOVec, count uint32) error {
	return nil
}
