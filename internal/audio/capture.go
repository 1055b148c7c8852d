// Package audio handles microphone capture for the live voice session.
package audio

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/versevoice/platform/internal/audio/codec"
)

// FrameSize is the fixed per-tick frame length in samples.
const FrameSize = 4096

// levelScale makes quiet speech visible on a [0,1] meter.
const levelScale = 4

// Packet is one encoded outbound audio frame. Transmitted once, not retained.
type Packet struct {
	Payload  string // base64 s16le PCM
	MIMEType string // audio/pcm;rate=N
}

// LevelFunc receives the per-tick input level, clamped to [0,1].
type LevelFunc func(level float64)

// Capture owns the microphone stream and processes audio in fixed-size
// frames. Encoded packets are handed off through a buffered channel; a slow
// or absent consumer drops packets rather than stalling the tick loop.
type Capture struct {
	sampleRate int
	onLevel    LevelFunc
	outCh      chan Packet

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stream  *portaudio.Stream
}

// NewCapture creates a capture loop. The device is not opened until Start.
func NewCapture(sampleRate, bufferSize int, onLevel LevelFunc) *Capture {
	return &Capture{
		sampleRate: sampleRate,
		onLevel:    onLevel,
		outCh:      make(chan Packet, bufferSize),
	}
}

// Output returns the channel carrying encoded capture packets.
func (c *Capture) Output() <-chan Packet { return c.outCh }

// Start opens the default input device and begins the tick loop.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return err
	}

	buf := make([]float32, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(c.sampleRate), FrameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return err
	}

	capCtx, cancel := context.WithCancel(ctx)
	c.stream = stream
	c.cancel = cancel
	c.running = true

	go func() {
		for {
			select {
			case <-capCtx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				slog.Debug("mic read error", "error", err)
				return
			}
			c.processFrame(buf)
		}
	}()

	slog.Info("microphone capture started", "sample_rate", c.sampleRate, "frame", FrameSize)
	return nil
}

// processFrame reports the frame level and dispatches the encoded packet
// without ever blocking the tick.
func (c *Capture) processFrame(frame []float32) {
	if c.onLevel != nil {
		c.onLevel(Level(frame))
	}

	pkt := Packet{
		Payload:  codec.EncodeBase64(codec.FloatToPCM16(frame)),
		MIMEType: codec.MIMEType(c.sampleRate),
	}
	select {
	case c.outCh <- pkt:
	default:
		slog.Debug("capture buffer full, dropping frame")
	}
}

// Stop releases the microphone synchronously. Safe to call from any state
// and more than once.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false

	c.cancel()
	_ = c.stream.Stop()
	_ = c.stream.Close()
	c.stream = nil
	_ = portaudio.Terminate()
}

// Level computes the RMS volume of a frame, scaled for perceptibility and
// clamped to [0,1].
func Level(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if level := rms * levelScale; level < 1 {
		return level
	}
	return 1
}
