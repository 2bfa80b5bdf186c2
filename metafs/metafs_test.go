// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package metafs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("MANIFEST")
	assert.ErrorIs(t, err, ErrNotExist)
	_, err = s.Stat("MANIFEST")
	assert.ErrorIs(t, err, ErrNotExist)

	payload := []byte{0x4a, 0x46, 0x54, 0x4c, 1, 0, 0, 0}
	require.NoError(t, s.Write("MANIFEST", payload))

	n, err := s.Stat("MANIFEST")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := s.Read("MANIFEST")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Overwrite replaces the previous contents entirely.
	require.NoError(t, s.Write("MANIFEST", []byte{9}))
	got, err = s.Read("MANIFEST")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)

	require.NoError(t, s.Remove("MANIFEST"))
	require.NoError(t, s.Remove("MANIFEST"), "double remove is not an error")
	_, err = s.Read("MANIFEST")
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write("gtd_ns1.bin", []byte{0xff, 0xff, 0xff, 0xff}))

	// A reopened store sees blobs from the previous instance.
	s2, err := Open(dir)
	require.NoError(t, err)
	got, err := s2.Read("gtd_ns1.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, got)
}
