// Package playback schedules decoded audio segments back-to-back on a shared
// output timeline and supports hard interruption mid-response.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/versevoice/platform/internal/audio/codec"
)

// ErrShutdown is returned by Enqueue after Shutdown.
var ErrShutdown = errors.New("playback: scheduler is shut down")

// Handle identifies one scheduled segment owned by the scheduler.
type Handle uint64

// Player renders PCM buffers at absolute positions on a monotonic timeline.
// The timeline starts at zero when the player is created and only moves
// forward. Implementations call onDone exactly once when a segment finishes
// playing naturally; Stop suppresses the callback.
type Player interface {
	// Now returns the current timeline position.
	Now() time.Duration

	// PlayAt schedules pcm to start at the given timeline position.
	// onDone must never be invoked synchronously from inside PlayAt.
	PlayAt(pcm *codec.Buffer, start time.Duration, onDone func(Handle)) (Handle, error)

	// Stop cancels a scheduled or sounding segment without firing onDone.
	Stop(h Handle)

	// Close releases the output device.
	Close() error
}

// Scheduler keeps streamed segments gapless and strictly ordered: each
// enqueue extends the schedule from the later of "now" and the end of the
// previously scheduled audio, so arrival order is playback order.
type Scheduler struct {
	player Player

	mu        sync.Mutex
	nextStart time.Duration
	active    map[Handle]struct{}
	closed    bool
}

// NewScheduler creates a scheduler on top of the given player.
func NewScheduler(p Player) *Scheduler {
	return &Scheduler{
		player: p,
		active: make(map[Handle]struct{}),
	}
}

// Enqueue schedules buf to play immediately after all previously enqueued
// audio, or right now if the queue has drained.
func (s *Scheduler) Enqueue(buf *codec.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrShutdown
	}

	start := s.nextStart
	if now := s.player.Now(); now > start {
		start = now
	}

	h, err := s.player.PlayAt(buf, start, s.onSegmentDone)
	if err != nil {
		return err
	}
	s.active[h] = struct{}{}
	s.nextStart = start + buf.Duration()
	return nil
}

// onSegmentDone removes a naturally finished segment from the active set.
func (s *Scheduler) onSegmentDone(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, h)
}

// Interrupt stops every active segment and resets the schedule so the next
// enqueue plays relative to the current time. Must be called before any
// further enqueue when the remote side signals the user barged in.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

func (s *Scheduler) interruptLocked() {
	for h := range s.active {
		s.player.Stop(h)
	}
	clear(s.active)
	s.nextStart = 0
}

// Shutdown interrupts all playback and releases the output device.
// Safe to call more than once.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.interruptLocked()
	s.closed = true
	_ = s.player.Close()
}

// ActiveCount reports the number of segments scheduled or sounding.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
