// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// ECC engine front. The encode/decode algorithm itself (BCH on the
// hardware build) is a library behind the Engine interface; this package
// provides the task descriptors, the software engine and the service loop
// that runs on a real-time processor consuming a ring queue.

package ecc

import (
	"errors"
)

// ErrUncorrectable reports an uncorrectable codeword.
var ErrUncorrectable = errors.New("ecc: uncorrectable error")

// TaskType selects the engine operation.
type TaskType uint8

const (
	TaskCalc TaskType = iota
	TaskCorrect
)

// Status is the completion status of a task.
type Status uint8

const (
	StatusOK Status = iota
	StatusNoSpace
	StatusDecodeError
	StatusNotSupported
	StatusIOError
)

// Task is a fixed-layout descriptor exchanged with the ECC processor
// through a ring queue. The slot index on the ring identifies the task in
// the shared table.
type Task struct {
	Type      TaskType
	Data      []byte
	Offset    uint32
	Code      []byte
	CodeLen   uint32
	ErrBitmap uint64

	Status    Status
	Completed bool

	// Worker is the pool index of the originating worker, used by the
	// completion handler to wake it.
	Worker int
}

// Engine computes and checks codes over fixed-size codewords. Implemented
// by the software engine here and by hardware BCH offloads elsewhere.
type Engine interface {
	// Calculate fills code with the codes covering data, which begins at
	// the given byte offset within the page. Returns the code length.
	Calculate(data []byte, code []byte, offset uint32) (int, error)
	// Correct repairs data in place given its stored code and the error
	// bitmap reported by the NAND controller (one bit per codeword).
	// Returns the number of corrected bits, or ErrUncorrectable.
	Correct(data []byte, code []byte, errBitmap uint64) (int, error)
	// StepSize is the codeword payload size in bytes.
	StepSize() uint32
	// CodeSize is the per-codeword code size in bytes.
	CodeSize() uint32
}
