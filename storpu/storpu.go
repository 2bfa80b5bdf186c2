// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Near-data program execution. Uploaded programs are scripts evaluated in
// an embedded runtime; each CREATE_CONTEXT builds an isolated runtime,
// the program registers entry points, and INVOKE calls them by index.
// Programs reach the device through a small host object exposing flash
// and host-memory I/O, bridged onto the FTL worker pool.

package storpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/worker"
)

var (
	// ErrNoContext reports an unknown context ID.
	ErrNoContext = errors.New("storpu: no such context")
	// ErrNoEntry reports an unknown entry point index.
	ErrNoEntry = errors.New("storpu: no such entry point")
)

// DeviceIO is the device surface exposed to programs.
type DeviceIO interface {
	// FlashRead and FlashWrite move whole sectors between a namespace
	// and a device buffer.
	FlashRead(nsid uint32, offset uint64, buf []byte) error
	FlashWrite(nsid uint32, offset uint64, buf []byte) error
	Flush(nsid uint32) error
	Sync() error

	// HostRead and HostWrite move data between host memory and a device
	// buffer over the link DMA engine.
	HostRead(addr uint64, buf []byte) error
	HostWrite(addr uint64, buf []byte) error
}

// Context is one loaded program.
type Context struct {
	id uint32

	mu      sync.Mutex // the runtime is single-threaded
	vm      *goja.Runtime
	entries []goja.Callable
}

// Manager owns the context table.
type Manager struct {
	io  DeviceIO
	log zerolog.Logger

	mu       sync.Mutex
	nextCID  uint32
	contexts map[uint32]*Context
}

// NewManager creates an empty context table over the device I/O surface.
func NewManager(io DeviceIO, log zerolog.Logger) *Manager {
	return &Manager{
		io:       io,
		log:      log.With().Str("sys", "storpu").Logger(),
		nextCID:  1,
		contexts: make(map[uint32]*Context),
	}
}

// CreateContext evaluates the program in a fresh runtime and returns its
// context ID. The program registers entry points during evaluation.
func (m *Manager) CreateContext(prog []byte) (uint32, error) {
	ctx := &Context{vm: goja.New()}

	if err := m.installHostObject(ctx); err != nil {
		return 0, err
	}
	if _, err := ctx.vm.RunString(string(prog)); err != nil {
		return 0, fmt.Errorf("storpu: program load: %w", err)
	}

	m.mu.Lock()
	ctx.id = m.nextCID
	m.nextCID++
	m.contexts[ctx.id] = ctx
	m.mu.Unlock()

	m.log.Info().Uint32("cid", ctx.id).Int("entries", len(ctx.entries)).Msg("created context")
	return ctx.id, nil
}

// DeleteContext tears a context down.
func (m *Manager) DeleteContext(cid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contexts[cid]; !ok {
		return ErrNoContext
	}
	delete(m.contexts, cid)
	m.log.Info().Uint32("cid", cid).Msg("deleted context")
	return nil
}

// Invoke calls a registered entry point with the argument and returns its
// numeric result.
func (m *Manager) Invoke(w *worker.Worker, cid uint32, entry uint32, arg uint64) (uint64, error) {
	m.mu.Lock()
	ctx, ok := m.contexts[cid]
	m.mu.Unlock()
	if !ok {
		return 0, ErrNoContext
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if int(entry) >= len(ctx.entries) {
		return 0, ErrNoEntry
	}
	ret, err := ctx.entries[entry](goja.Undefined(), ctx.vm.ToValue(arg))
	if err != nil {
		m.log.Warn().Err(err).Uint32("cid", cid).Uint32("entry", entry).Msg("invoke failed")
		return 0, fmt.Errorf("storpu: invoke: %w", err)
	}
	return uint64(ret.ToInteger()), nil
}

// installHostObject wires the storpu device object into the runtime.
func (m *Manager) installHostObject(ctx *Context) error {
	vm := ctx.vm
	obj := vm.NewObject()

	throw := func(err error) {
		panic(vm.ToValue(err.Error()))
	}

	obj.Set("export", func(v goja.Value) int {
		fn, ok := goja.AssertFunction(v)
		if !ok {
			throw(errors.New("storpu: export expects a function"))
		}
		ctx.entries = append(ctx.entries, fn)
		return len(ctx.entries) - 1
	})

	obj.Set("read", func(nsid uint32, offset uint64, length int) goja.ArrayBuffer {
		buf := make([]byte, length)
		if err := m.io.FlashRead(nsid, offset, buf); err != nil {
			throw(err)
		}
		return vm.NewArrayBuffer(buf)
	})

	obj.Set("write", func(nsid uint32, offset uint64, data goja.ArrayBuffer) {
		if err := m.io.FlashWrite(nsid, offset, data.Bytes()); err != nil {
			throw(err)
		}
	})

	obj.Set("flush", func(nsid uint32) {
		if err := m.io.Flush(nsid); err != nil {
			throw(err)
		}
	})

	obj.Set("sync", func() {
		if err := m.io.Sync(); err != nil {
			throw(err)
		}
	})

	obj.Set("hostRead", func(addr uint64, length int) goja.ArrayBuffer {
		buf := make([]byte, length)
		if err := m.io.HostRead(addr, buf); err != nil {
			throw(err)
		}
		return vm.NewArrayBuffer(buf)
	})

	obj.Set("hostWrite", func(addr uint64, data goja.ArrayBuffer) {
		if err := m.io.HostWrite(addr, data.Bytes()); err != nil {
			throw(err)
		}
	})

	obj.Set("log", func(msg string) {
		m.log.Info().Uint32("cid", ctx.id).Msg(msg)
	})

	return vm.Set("storpu", obj)
}
