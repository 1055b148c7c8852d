package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/versevoice/platform/internal/audio/codec"
)

// DefaultWriteFrames is the device write granularity (20ms at 24kHz).
const DefaultWriteFrames = 480

// DevicePlayer renders scheduled segments on the default output device.
// The timeline clock is the count of frames pushed to the device, so
// positions are exact regardless of wall-clock jitter.
type DevicePlayer struct {
	sampleRate int
	frames     int
	stream     *portaudio.Stream
	buf        []int16

	mu       sync.Mutex
	segments map[Handle]*segment
	written  int64 // frames pushed to the device since start
	next     Handle
	closed   bool

	stopOnce sync.Once
	done     chan struct{}
}

type segment struct {
	samples []float32 // mono
	start   int64     // timeline frame index
	onDone  func(Handle)
}

// NewDevicePlayer opens the default output device at the given sample rate.
func NewDevicePlayer(sampleRate int) (*DevicePlayer, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}

	p := &DevicePlayer{
		sampleRate: sampleRate,
		frames:     DefaultWriteFrames,
		buf:        make([]int16, DefaultWriteFrames),
		segments:   make(map[Handle]*segment),
		next:       1,
		done:       make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), p.frames, p.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, err
	}
	p.stream = stream

	go p.writeLoop()
	return p, nil
}

// Now returns the timeline position of the last frame pushed to the device.
func (p *DevicePlayer) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.written) * time.Second / time.Duration(p.sampleRate)
}

// PlayAt schedules mono PCM to start at the given timeline position.
// A start position already behind the clock is clipped, not rejected.
func (p *DevicePlayer) PlayAt(pcm *codec.Buffer, start time.Duration, onDone func(Handle)) (Handle, error) {
	samples := []float32{}
	if len(pcm.Channels) > 0 {
		samples = pcm.Channels[0]
	}
	startFrame := int64(start * time.Duration(p.sampleRate) / time.Second)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrShutdown
	}
	h := p.next
	p.next++

	if behind := p.written - startFrame; behind > 0 {
		if behind >= int64(len(samples)) {
			p.mu.Unlock()
			if onDone != nil {
				// Async so the caller can finish registering the handle first.
				go onDone(h)
			}
			return h, nil
		}
		samples = samples[behind:]
		startFrame = p.written
	}

	p.segments[h] = &segment{samples: samples, start: startFrame, onDone: onDone}
	p.mu.Unlock()
	return h, nil
}

// Stop cancels a segment; its completion callback never fires.
func (p *DevicePlayer) Stop(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.segments, h)
}

// Close stops the write loop and releases the output device.
func (p *DevicePlayer) Close() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		clear(p.segments)
		p.mu.Unlock()

		close(p.done)
		_ = p.stream.Stop()
		_ = p.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}

func (p *DevicePlayer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		default:
		}

		finished := p.fill()
		for h, fn := range finished {
			if fn != nil {
				fn(h)
			}
		}

		if err := p.stream.Write(); err != nil {
			select {
			case <-p.done:
				return
			default:
			}
			// Output underflow is recoverable; keep the clock moving.
			slog.Debug("audio write error", "error", err)
		}
	}
}

// fill renders the next device buffer from the timeline and returns the
// completion callbacks of segments that finished inside it. Callbacks are
// fired by the caller outside the lock.
func (p *DevicePlayer) fill() map[Handle]func(Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.written
	end := base + int64(p.frames)
	for i := range p.buf {
		p.buf[i] = 0
	}

	var finished map[Handle]func(Handle)
	for h, seg := range p.segments {
		segEnd := seg.start + int64(len(seg.samples))
		if segEnd <= base {
			if finished == nil {
				finished = make(map[Handle]func(Handle))
			}
			finished[h] = seg.onDone
			delete(p.segments, h)
			continue
		}
		if seg.start >= end {
			continue
		}

		from := seg.start
		if from < base {
			from = base
		}
		to := segEnd
		if to > end {
			to = end
		}
		for t := from; t < to; t++ {
			s := seg.samples[t-seg.start]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			p.buf[t-base] = int16(s * 32767)
		}
	}

	p.written = end
	return finished
}
