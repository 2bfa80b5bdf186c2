// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ringq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityPowerOfTwo(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(100)
	assert.Error(t, err)
	r, err := New(64)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestEmptyRing(t *testing.T) {
	r, _ := New(8)
	r.ReadAvailTail()
	_, ok := r.GetAvail()
	assert.False(t, ok)
}

func TestPublishVisibility(t *testing.T) {
	r, _ := New(8)

	assert.True(t, r.AddAvail(42))

	// Not visible until the tail is written and re-read.
	r.ReadAvailTail()
	_, ok := r.GetAvail()
	assert.False(t, ok)

	r.WriteAvailTail()
	r.ReadAvailTail()
	v, ok := r.GetAvail()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), v)
}

func TestFullRing(t *testing.T) {
	r, _ := New(4)
	for i := 0; i < 4; i++ {
		assert.True(t, r.AddAvail(uint32(i)))
	}
	assert.False(t, r.AddAvail(99), "ring should be full")

	// Draining one slot frees space again.
	r.WriteAvailTail()
	r.ReadAvailTail()
	_, ok := r.GetAvail()
	require.True(t, ok)
	assert.True(t, r.AddAvail(99))
}

func TestFIFOOrder(t *testing.T) {
	r, _ := New(16)

	done := make(chan struct{})
	const n = 100000

	// Consumer observes descriptors in publication order.
	go func() {
		defer close(done)
		next := uint32(0)
		for next < n {
			r.ReadAvailTail()
			for {
				v, ok := r.GetAvail()
				if !ok {
					break
				}
				if v != next {
					t.Errorf("out of order: got %d, want %d", v, next)
					return
				}
				next++
			}
		}
	}()

	for i := uint32(0); i < n; {
		if r.AddAvail(i) {
			i++
			r.WriteAvailTail()
		}
	}
	<-done
}

func TestRoundTrip(t *testing.T) {
	r, _ := New(8)

	// Request direction.
	r.AddAvail(7)
	r.WriteAvailTail()
	r.ReadAvailTail()
	v, ok := r.GetAvail()
	require.True(t, ok)

	// Response direction echoes the slot back.
	r.AddUsed(v)
	r.WriteUsedTail()
	assert.True(t, r.UsedPending())
	r.ReadUsedTail()
	got, ok := r.GetUsed()
	require.True(t, ok)
	assert.Equal(t, uint32(7), got)
	assert.False(t, r.UsedPending())
}
