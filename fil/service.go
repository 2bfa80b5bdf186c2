// Copyright 2022-24 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package fil

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dswarbrick/openssd/flash"
	"github.com/dswarbrick/openssd/ringq"
)

// Config assembles a FIL service.
type Config struct {
	Geometry    *flash.Geometry
	Controllers []Controller // one per channel
	Slots       int          // task table entries (one per FTL thread, plus control)
	Multiplane  bool
	Complete    func() // completion notifier towards the AP (the IPI)
	Log         zerolog.Logger
}

// Service is the FIL event loop: it consumes task descriptors from the
// ring, runs them through the scheduler and pipeline, and acknowledges
// them on the used ring.
type Service struct {
	geom  *flash.Geometry
	ring  *ringq.Ring
	tasks []Task
	slots map[*Task]uint32

	tsu  *TSU
	pipe *Pipeline

	kick     chan struct{}
	complete func()
	posted   bool

	log zerolog.Logger
}

// NewService builds the scheduler and pipeline over the channel
// controllers.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Controllers) != int(cfg.Geometry.Channels) {
		return nil, fmt.Errorf("fil: %d controllers for %d channels", len(cfg.Controllers), cfg.Geometry.Channels)
	}

	capacity := uint32(1)
	for capacity < uint32(cfg.Slots)*2 {
		capacity <<= 1
	}
	ring, err := ringq.New(capacity)
	if err != nil {
		return nil, err
	}

	s := &Service{
		geom:     cfg.Geometry,
		ring:     ring,
		tasks:    make([]Task, cfg.Slots),
		slots:    make(map[*Task]uint32, cfg.Slots),
		kick:     make(chan struct{}, 1),
		complete: cfg.Complete,
		log:      cfg.Log.With().Str("sys", "fil").Logger(),
	}
	for i := range s.tasks {
		s.slots[&s.tasks[i]] = uint32(i)
	}

	s.pipe = newPipeline(cfg.Geometry, cfg.Controllers, s.notifyTaskComplete, s.log)
	s.tsu = newTSU(cfg.Geometry, s.pipe, cfg.Multiplane, s.log)
	s.pipe.sched = s.tsu
	return s, nil
}

// Task returns the descriptor slot with the given index. The owning
// worker fills it before Enqueue and must not touch it until completion.
func (s *Service) Task(slot int) *Task { return &s.tasks[slot] }

// Enqueue publishes a filled slot to the FIL processor. AP side, single
// producer.
func (s *Service) Enqueue(slot int) {
	s.tasks[slot].Completed = false
	s.ring.AddAvail(uint32(slot))
	s.ring.WriteAvailTail()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// DrainCompletions consumes acknowledged tasks. AP side, single consumer.
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

func (s *Service) notifyTaskComplete(task *Task, failed bool) {
	if failed {
		task.Status = StatusError
	} else {
		task.Status = StatusOK
	}
	task.Completed = true
	s.ring.AddUsed(s.slots[task])
	s.posted = true
}

func (s *Service) dequeueRequests() bool {
	s.ring.ReadAvailTail()
	found := false
	for {
		slot, ok := s.ring.GetAvail()
		if !ok {
			break
		}
		found = true
		task := &s.tasks[slot]

		if task.Type == TaskDump {
			s.tsu.ReportStats()
			s.pipe.ReportStats()
			s.notifyTaskComplete(task, false)
			continue
		}
		if !s.tsu.ProcessTask(task) {
			s.log.Error().Str("addr", task.Addr.String()).Msg("task address out of range")
			s.notifyTaskComplete(task, true)
		}
	}
	return found
}

func (s *Service) publish() {
	if !s.posted {
		return
	}
	s.posted = false
	s.ring.WriteUsedTail()
	if s.complete != nil {
		s.complete()
	}
}

// Run is the real-time processor main loop.
func (s *Service) Run(ctx context.Context) error {
	idle := time.NewTimer(time.Millisecond)
	defer idle.Stop()

	for {
		if s.dequeueRequests() {
			s.tsu.FlushQueues()
		}
		s.pipe.Tick()
		s.publish()

		if d, ok := s.pipe.NextEventIn(); ok {
			if d == 0 {
				// More work is immediately runnable.
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				continue
			}
			if d > time.Millisecond {
				d = time.Millisecond
			}
			idle.Reset(d)
		} else if s.ring.AvailPending() {
			continue
		} else {
			idle.Reset(time.Millisecond)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.kick:
		case <-idle.C:
		}
	}
}

// Sample snapshots channel and die business for profiling.
func (s *Service) Sample(out *Sample) { s.pipe.SampleFlash(out) }
