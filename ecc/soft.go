// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ecc

import (
	"encoding/binary"
	"hash/crc32"
)

// SoftEngine is the software ECC variant: a per-codeword checksum that
// detects corruption but cannot repair it. The hardware build substitutes
// a BCH engine with the same interface; detection-only is sufficient for
// the memory-backed NAND controller, which never flips bits on its own.
type SoftEngine struct {
	step uint32
	code uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// NewSoftEngine creates an engine with the given codeword payload size.
func NewSoftEngine(stepSize uint32) *SoftEngine {
	return &SoftEngine{step: stepSize, code: 4}
}

func (e *SoftEngine) StepSize() uint32 { return e.step }
func (e *SoftEngine) CodeSize() uint32 { return e.code }

func (e *SoftEngine) Calculate(data []byte, code []byte, offset uint32) (int, error) {
	if offset%e.step != 0 {
		return 0, ErrUncorrectable
	}
	n := 0
	for start := 0; start < len(data); start += int(e.step) {
		end := start + int(e.step)
		if end > len(data) {
			end = len(data)
		}
		if n+4 > len(code) {
			return 0, ErrUncorrectable
		}
		binary.LittleEndian.PutUint32(code[n:], crc32.Checksum(data[start:end], castagnoli))
		n += 4
	}
	return n, nil
}

func (e *SoftEngine) Correct(data []byte, code []byte, errBitmap uint64) (int, error) {
	for start, i := 0, 0; start < len(data); start, i = start+int(e.step), i+1 {
		if errBitmap != 0 && errBitmap&(1<<uint(i)) == 0 {
			continue
		}
		end := start + int(e.step)
		if end > len(data) {
			end = len(data)
		}
		if (i+1)*4 > len(code) {
			return 0, ErrUncorrectable
		}
		want := binary.LittleEndian.Uint32(code[i*4:])
		if crc32.Checksum(data[start:end], castagnoli) != want {
			return 0, ErrUncorrectable
		}
	}
	return 0, nil
}
