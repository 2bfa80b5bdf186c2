// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package ecc

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/ringq"
)

// Service runs the ECC engine event loop on its own goroutine, standing in
// for the real-time processor. The application side enqueues task slot
// indices on the ring and kicks the doorbell; completions travel back on
// the used ring followed by the completion notifier (the IPI equivalent).
type Service struct {
	engine Engine
	ring   *ringq.Ring
	tasks  []Task

	kick     chan struct{}
	complete func()
	log      zerolog.Logger
}

// NewService creates a service with one task slot per worker.
func NewService(nrSlots int, engine Engine, complete func(), log zerolog.Logger) (*Service, error) {
	capacity := uint32(1)
	for capacity < uint32(nrSlots)*2 {
		capacity <<= 1
	}
	ring, err := ringq.New(capacity)
	if err != nil {
		return nil, err
	}
	return &Service{
		engine:   engine,
		ring:     ring,
		tasks:    make([]Task, nrSlots),
		kick:     make(chan struct{}, 1),
		complete: complete,
		log:      log.With().Str("sys", "ecc").Logger(),
	}, nil
}

// Task returns the slot for a worker. Only that worker may touch it while
// a request is outstanding.
func (s *Service) Task(slot int) *Task { return &s.tasks[slot] }

// Enqueue publishes a filled task slot to the engine. Called from AP
// worker goroutines; the ring has a single producer, so concurrent
// callers must serialize.
func (s *Service) Enqueue(slot int) {
	s.tasks[slot].Completed = false
	s.ring.AddAvail(uint32(slot))
	s.ring.WriteAvailTail()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// DrainCompletions consumes the used ring, invoking fn for each completed
// task. Called from the AP dispatcher only (single consumer).
func (s *Service) DrainCompletions(fn func(*Task)) {
	s.ring.ReadUsedTail()
	for {
		slot, ok := s.ring.GetUsed()
		if !ok {
			return
		}
		fn(&s.tasks[slot])
	}
}

// Run is the engine event loop.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-time.After(time.Millisecond):
			if !s.ring.AvailPending() {
				continue
			}
		}

		s.ring.ReadAvailTail()
		posted := false
		for {
			slot, ok := s.ring.GetAvail()
			if !ok {
				break
			}
			s.handle(&s.tasks[slot])
			s.ring.AddUsed(slot)
			posted = true
		}
		if posted {
			s.ring.WriteUsedTail()
			if s.complete != nil {
				s.complete()
			}
		}
	}
}

func (s *Service) handle(task *Task) {
	var n int
	var err error

	switch task.Type {
	case TaskCalc:
		n, err = s.engine.Calculate(task.Data, task.Code, task.Offset)
		task.CodeLen = uint32(n)
	case TaskCorrect:
		_, err = s.engine.Correct(task.Data, task.Code, task.ErrBitmap)
	default:
		task.Status = StatusNotSupported
		task.Completed = true
		return
	}

	switch {
	case err == nil:
		task.Status = StatusOK
	case err == ErrUncorrectable:
		s.log.Warn().Uint64("err_bitmap", task.ErrBitmap).Msg("uncorrectable codeword")
		task.Status = StatusDecodeError
	default:
		task.Status = StatusIOError
	}
	task.Completed = true
}
