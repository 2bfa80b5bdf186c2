// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

//go:build linux

package pcie

import "unsafe"

// ptrAt returns a pointer into a mmap'd byte slice suitable for atomic
// word access. The offset must be 4-byte aligned.
func ptrAt(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
