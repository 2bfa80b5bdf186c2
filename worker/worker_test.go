// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeBeforeWait(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	w := p.Get(0)

	// A wake landing between Prepare and Wait must not be lost.
	w.Prepare(FIL)
	w.Wake(FIL)
	require.NoError(t, w.Wait())
}

func TestWakeWrongReasonDropped(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	w := p.Get(0)

	done := make(chan error, 1)
	w.Prepare(FIL)
	go func() { done <- w.Wait() }()

	// A wake for a different reason is dropped.
	time.Sleep(10 * time.Millisecond)
	w.Wake(ECC)
	select {
	case <-done:
		t.Fatal("worker woke on mismatched reason")
	case <-time.After(20 * time.Millisecond):
	}

	w.Wake(FIL)
	require.NoError(t, <-done)
}

func TestWakeAnyReason(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	w := p.Get(0)

	done := make(chan error, 1)
	w.Prepare(StorPU)
	go func() { done <- w.Wait() }()
	time.Sleep(5 * time.Millisecond)
	w.Wake(None)
	require.NoError(t, <-done)
}

func TestWaitTimeout(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	w := p.Get(0)

	done := make(chan error, 1)
	w.Prepare(FIL)
	go func() { done <- w.WaitTimeout(10 * time.Millisecond) }()

	// Drive the tick until the wait expires.
	deadline := time.Now().Add(time.Second)
	for {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrTimedOut)
			return
		default:
		}
		require.True(t, time.Now().Before(deadline), "timeout never fired")
		p.CheckTimeouts(time.Now())
		time.Sleep(time.Millisecond)
	}
}

func TestWakeCancelsTimeout(t *testing.T) {
	p := NewPool(1, zerolog.Nop())
	w := p.Get(0)

	done := make(chan error, 1)
	w.Prepare(ECC)
	go func() { done <- w.WaitTimeout(time.Hour) }()
	time.Sleep(5 * time.Millisecond)
	w.Wake(ECC)
	require.NoError(t, <-done)

	// After the wake, the timeout scan must not disturb the worker.
	p.CheckTimeouts(time.Now().Add(2 * time.Hour))
	assert.Equal(t, None, w.BlockedOn())
}

func TestCooperativeMutexCond(t *testing.T) {
	p := NewPool(2, zerolog.Nop())

	var m Mutex
	m.Tag = TagDataCache
	c := NewCond(&m)

	var ready atomic.Bool
	done := make(chan struct{})

	go func() {
		w := p.Get(0)
		m.Lock(w)
		for !ready.Load() {
			c.Wait(w)
		}
		m.Unlock()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	m.Lock(p.Get(1))
	ready.Store(true)
	c.Broadcast()
	m.Unlock()
	<-done
}

func TestPoolStartJoin(t *testing.T) {
	p := NewPool(4, zerolog.Nop())
	var ran atomic.Int32
	p.Start(func(w *Worker) { ran.Add(1) })
	p.Join()
	assert.Equal(t, int32(4), ran.Load())
}
