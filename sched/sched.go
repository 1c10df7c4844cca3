// Package sched implements the outer scheduler: chunked, cooperative
// time-slicing across the CPUs of one emulated machine, tick-source
// servicing keyed off the first CPU's instruction count, and periodic
// console flushing.
//
// Built around a one-goroutine-per-CPU pattern, but since only one CPU may
// execute translated code at a time, a golang.org/x/sync/semaphore.Weighted(1)
// token is handed CPU to CPU each chunk to make that serialization an
// explicit, observable resource rather than an accident of lock ordering.
package sched

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/dyntrans/engine/dyntrans"
)

// TickSource is one timer/interrupt source serviced between chunks:
// ticksTillNext decrements by cpu0Instrs/IPC every chunk, and Fire runs
// (then ticksTillNext reloads from ResetValue) whenever it reaches zero or
// below.
type TickSource struct {
	Name          string
	IPC           int64 // instructions per tick
	ResetValue    int64
	ticksTillNext int64
	Fire          func()
}

func (t *TickSource) reload() { t.ticksTillNext = t.ResetValue }

// Scheduler drives every CPU of one machine through chunked execution.
type Scheduler struct {
	cpus        []*dyntrans.CPU
	chunkCycles int
	icBatchSize int

	ticks            []*TickSource
	flushEveryCycles uint64
	flush            func()

	token      *semaphore.Weighted
	turn       []chan struct{}
	cpu0Instrs atomic.Int64
	cyclesRun  atomic.Uint64
}

// New builds a scheduler for cpus, chunking at chunkCycles instructions per
// CPU per round and unrolling icBatchSize IC slots per dispatch pass. flush
// is called every flushEveryCycles total cycles, to flush buffered console
// output periodically rather than on every write; it may be nil.
func New(cpus []*dyntrans.CPU, chunkCycles, icBatchSize int, ticks []*TickSource, flushEveryCycles uint64, flush func()) *Scheduler {
	s := &Scheduler{
		cpus:             cpus,
		chunkCycles:      chunkCycles,
		icBatchSize:      icBatchSize,
		ticks:            ticks,
		flushEveryCycles: flushEveryCycles,
		flush:            flush,
		token:            semaphore.NewWeighted(1),
		turn:             make([]chan struct{}, len(cpus)),
	}
	for i := range s.turn {
		s.turn[i] = make(chan struct{}, 1)
	}
	return s
}

// Run drives every CPU's goroutine until ctx is cancelled or every CPU
// stops running. CPU 0 is given the first turn; each CPU hands the turn
// (and the single execution token) to the next CPU in round-robin order
// after its chunk, and the last CPU in the ring additionally services tick
// sources and the console flush, since its chunk completes the round.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.cpus) == 0 {
		return nil
	}

	done := make(chan error, len(s.cpus))
	for i := range s.cpus {
		go s.runCPU(ctx, i, done)
	}
	s.turn[0] <- struct{}{}

	for range s.cpus {
		if err := <-done; err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) runCPU(ctx context.Context, idx int, done chan<- error) {
	next := (idx + 1) % len(s.cpus)
	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case <-s.turn[idx]:
		}

		if err := s.token.Acquire(ctx, 1); err != nil {
			done <- err
			return
		}
		cont := s.runChunk(idx)
		s.token.Release(1)

		if !cont {
			done <- nil
			// Pass the turn on so the next goroutine also sees that no CPU
			// is running and exits, instead of waiting for a turn forever.
			s.turn[next] <- struct{}{}
			return
		}

		if idx == len(s.cpus)-1 {
			s.endOfRound()
		}
		s.turn[next] <- struct{}{}
	}
}

// runChunk executes one chunk on cpus[idx] and reports whether the machine
// should keep scheduling it.
func (s *Scheduler) runChunk(idx int) bool {
	cpu := s.cpus[idx]
	if !cpu.Running {
		return s.anyStillRunning()
	}

	ran := dyntrans.RunBatch(cpu, s.chunkCycles, s.icBatchSize)
	if idx == 0 {
		s.cpu0Instrs.Add(int64(ran))
	}
	s.cyclesRun.Add(uint64(ran))
	return s.anyStillRunning()
}

func (s *Scheduler) anyStillRunning() bool {
	for _, c := range s.cpus {
		if c.Running {
			return true
		}
	}
	return false
}

// endOfRound services tick sources and the console flush once every CPU has
// had its chunk.
func (s *Scheduler) endOfRound() {
	n := s.cpu0Instrs.Swap(0)
	for _, t := range s.ticks {
		if t.IPC <= 0 {
			continue
		}
		t.ticksTillNext -= n / t.IPC
		if t.ticksTillNext <= 0 {
			if t.Fire != nil {
				t.Fire()
			}
			t.reload()
		}
	}

	if s.flush != nil && s.flushEveryCycles > 0 {
		if s.cyclesRun.Load() >= s.flushEveryCycles {
			s.cyclesRun.Store(0)
			s.flush()
		}
	}
}
