package pipeline

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

const (
	stateIdle int32 = iota
	stateBusy
	stateClosed
)

// WorkFunc processes one admitted frame. The frame is only valid until it returns.
type WorkFunc func(ctx context.Context, frame *Frame)

// ReadyFunc tells the producer it may recycle its buffer and deliver the next frame
type ReadyFunc func()

// FrameScheduler admits at most one frame at a time into the pipeline.
// Frames that arrive while a pass is running are dropped, never queued.
type FrameScheduler struct {
	log   logs.Log
	ctx   context.Context
	work  WorkFunc
	gate  AdmissionGate
	ready ReadyFunc
	now   func() time.Time

	state atomic.Int32
	seq   atomic.Uint64

	admitted atomic.Uint64
	dropped  atomic.Uint64
	gated    atomic.Uint64
	panics   atomic.Uint64

	// done is the completion signal of the current (or last) pass
	done atomic.Pointer[chan struct{}]

	// scratch is written by Admit only after winning Idle->Busy, and read by
	// the worker until it flips back to Idle
	scratch Frame
}

// NewFrameScheduler creates a scheduler. gate and ready may be nil.
func NewFrameScheduler(ctx context.Context, log logs.Log, work WorkFunc, gate AdmissionGate, ready ReadyFunc) *FrameScheduler {
	s := &FrameScheduler{
		log:   log,
		ctx:   ctx,
		work:  work,
		gate:  gate,
		ready: ready,
		now:   time.Now,
	}
	closed := make(chan struct{})
	close(closed)
	s.done.Store(&closed)
	return s
}

// Admit offers a frame of tightly packed RGBA pixels. It never blocks: either
// the frame is copied into the scheduler and dispatched, or it is dropped.
// The ready callback fires before Admit returns in both cases, and the caller
// may reuse pixels immediately.
func (s *FrameScheduler) Admit(pixels []byte, width, height int) bool {
	_, ok := s.AdmitFrame(pixels, width, height)
	return ok
}

// AdmitFrame is Admit that also returns the sequence number given to an
// admitted frame (0 when dropped)
func (s *FrameScheduler) AdmitFrame(pixels []byte, width, height int) (uint64, bool) {
	defer s.notifyReady()

	if width <= 0 || height <= 0 || len(pixels) < width*height*4 {
		s.dropped.Add(1)
		return 0, false
	}
	now := s.now()
	if s.gate != nil && !s.gate.ShouldAdmit(now) {
		s.gated.Add(1)
		return 0, false
	}
	if !s.state.CompareAndSwap(stateIdle, stateBusy) {
		s.dropped.Add(1)
		return 0, false
	}

	// Busy: we own scratch until the worker hands it back
	frame := &s.scratch
	n := width * height * 4
	if cap(frame.Pixels) < n {
		frame.Pixels = make([]byte, n)
	}
	frame.Pixels = frame.Pixels[:n]
	copy(frame.Pixels, pixels)
	frame.Width = width
	frame.Height = height
	seq := s.seq.Add(1)
	frame.Sequence = seq
	frame.Timestamp = now

	done := make(chan struct{})
	s.done.Store(&done)
	s.admitted.Add(1)
	if s.gate != nil {
		s.gate.OnAdmitted(now)
	}

	go s.run(frame, done)
	return seq, true
}

func (s *FrameScheduler) run(frame *Frame, done chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.log.Errorf("[Scheduler] Pass for frame %d panicked: %v", frame.Sequence, r)
		}
		s.state.CompareAndSwap(stateBusy, stateIdle)
		close(done)
	}()
	s.work(s.ctx, frame)
}

func (s *FrameScheduler) notifyReady() {
	if s.ready != nil {
		s.ready()
	}
}

// Busy reports whether a pass is running
func (s *FrameScheduler) Busy() bool {
	return s.state.Load() == stateBusy
}

// InFlight returns a channel that is closed when the current pass finishes.
// When idle the returned channel is already closed.
func (s *FrameScheduler) InFlight() <-chan struct{} {
	return *s.done.Load()
}

// Wait blocks until no pass is running or ctx is done
func (s *FrameScheduler) Wait(ctx context.Context) error {
	for {
		select {
		case <-s.InFlight():
			if s.state.Load() != stateBusy {
				return nil
			}
			// Busy with a pass whose signal is not published yet
			runtime.Gosched()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops admitting frames and waits for the running pass
func (s *FrameScheduler) Close(ctx context.Context) error {
	for {
		if s.state.CompareAndSwap(stateIdle, stateClosed) {
			return nil
		}
		if s.state.Load() == stateClosed {
			return nil
		}
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
}

// Stats returns admission counters
func (s *FrameScheduler) Stats() SchedulerStats {
	return SchedulerStats{
		Admitted:     s.admitted.Load(),
		Dropped:      s.dropped.Load(),
		Gated:        s.gated.Load(),
		LastSequence: s.seq.Load(),
		Busy:         s.Busy(),
		Panics:       s.panics.Load(),
	}
}
