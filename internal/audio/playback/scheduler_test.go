package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/versevoice/platform/internal/audio/codec"
)

// fakePlayer records scheduled segments against a manually advanced clock.
type fakePlayer struct {
	mu     sync.Mutex
	now    time.Duration
	next   Handle
	starts map[Handle]time.Duration
	dones  map[Handle]func(Handle)
	closed bool
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{
		next:   1,
		starts: make(map[Handle]time.Duration),
		dones:  make(map[Handle]func(Handle)),
	}
}

func (f *fakePlayer) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakePlayer) advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	f.mu.Unlock()
}

func (f *fakePlayer) PlayAt(_ *codec.Buffer, start time.Duration, onDone func(Handle)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.next
	f.next++
	f.starts[h] = start
	f.dones[h] = onDone
	return h, nil
}

func (f *fakePlayer) Stop(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.starts, h)
	delete(f.dones, h)
}

func (f *fakePlayer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// finish simulates natural end-of-playback for a handle.
func (f *fakePlayer) finish(h Handle) {
	f.mu.Lock()
	fn := f.dones[h]
	delete(f.starts, h)
	delete(f.dones, h)
	f.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

// monoBuffer builds a buffer with the given duration at 24kHz.
func monoBuffer(d time.Duration) *codec.Buffer {
	frames := int(d * 24000 / time.Second)
	return &codec.Buffer{SampleRate: 24000, Channels: [][]float32{make([]float32, frames)}}
}

func TestEnqueueSchedulesBackToBack(t *testing.T) {
	fp := newFakePlayer()
	s := NewScheduler(fp)

	durations := []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 40 * time.Millisecond}
	for _, d := range durations {
		if err := s.Enqueue(monoBuffer(d)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	wantStarts := []time.Duration{0, 100 * time.Millisecond, 350 * time.Millisecond}
	for i, want := range wantStarts {
		if got := fp.starts[Handle(i+1)]; got != want {
			t.Errorf("segment %d start = %v, want %v", i, got, want)
		}
	}
	if s.ActiveCount() != 3 {
		t.Errorf("ActiveCount() = %d, want 3", s.ActiveCount())
	}
}

func TestEnqueueAfterDrainSchedulesAtNow(t *testing.T) {
	fp := newFakePlayer()
	s := NewScheduler(fp)

	if err := s.Enqueue(monoBuffer(50 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Clock runs past the end of the first segment before the next arrives.
	fp.advance(300 * time.Millisecond)
	if err := s.Enqueue(monoBuffer(50 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got := fp.starts[2]; got != 300*time.Millisecond {
		t.Errorf("late segment start = %v, want 300ms", got)
	}
}

func TestNaturalCompletionRemovesHandle(t *testing.T) {
	fp := newFakePlayer()
	s := NewScheduler(fp)

	if err := s.Enqueue(monoBuffer(50 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fp.finish(1)

	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount() after natural completion = %d, want 0", s.ActiveCount())
	}
}

func TestInterruptClearsAndResets(t *testing.T) {
	fp := newFakePlayer()
	s := NewScheduler(fp)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(monoBuffer(100 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	fp.advance(120 * time.Millisecond)

	s.Interrupt()

	if s.ActiveCount() != 0 {
		t.Errorf("ActiveCount() after interrupt = %d, want 0", s.ActiveCount())
	}
	if len(fp.starts) != 0 {
		t.Errorf("player still has %d scheduled segments after interrupt", len(fp.starts))
	}

	// Next enqueue schedules at the current clock, not the old accumulated offset.
	if err := s.Enqueue(monoBuffer(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := fp.starts[4]; got != 120*time.Millisecond {
		t.Errorf("post-interrupt start = %v, want 120ms", got)
	}
}

func TestShutdownStopsEverythingAndRejectsEnqueue(t *testing.T) {
	fp := newFakePlayer()
	s := NewScheduler(fp)

	if err := s.Enqueue(monoBuffer(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s.Shutdown()
	s.Shutdown() // idempotent

	if !fp.closed {
		t.Error("player not closed after Shutdown")
	}
	if err := s.Enqueue(monoBuffer(10 * time.Millisecond)); err != ErrShutdown {
		t.Errorf("Enqueue after Shutdown = %v, want ErrShutdown", err)
	}
}
