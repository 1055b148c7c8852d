// Package codec provides pure PCM transcoding between the capture/playback
// float domain and the wire format (s16le bytes, base64 text).
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/versevoice/platform/internal/apperr"
)

const (
	// BytesPerSample is the s16le sample width.
	BytesPerSample = 2

	pcm16Scale = 32767
	pcm16Norm  = 32768
)

// EncodeBase64 encodes raw bytes as standard base64 text.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64 text back to raw bytes.
func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeDecode, "invalid base64 payload")
	}
	return data, nil
}

// FloatToPCM16 converts normalized float samples to little-endian s16le bytes.
// Out-of-range samples are clamped to [-1, 1], never rejected.
func FloatToPCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*BytesPerSample:], uint16(int16(s*pcm16Scale)))
	}
	return buf
}

// Buffer holds decoded PCM as per-channel normalized float samples.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the per-channel sample count.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// PCM16ToFloat de-interleaves little-endian s16le bytes into per-channel
// float samples normalized to [-1, 1]. Byte length must be a whole number
// of frames for the given channel count.
func PCM16ToFloat(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, apperr.Newf(apperr.CodeDecode, "invalid channel count %d", channels)
	}
	frameSize := BytesPerSample * channels
	if len(data)%frameSize != 0 {
		return nil, apperr.Newf(apperr.CodeDecode, "pcm byte length %d is not a multiple of frame size %d", len(data), frameSize)
	}

	frames := len(data) / frameSize
	out := make([][]float32, channels)
	for ch := range out {
		out[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			v := int16(binary.LittleEndian.Uint16(data[(i*channels+ch)*BytesPerSample:]))
			out[ch][i] = float32(v) / pcm16Norm
		}
	}
	return &Buffer{SampleRate: sampleRate, Channels: out}, nil
}

// MIMEType returns the wire MIME tag for raw PCM at the given sample rate.
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
