package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Canonical format produced by the transcoder and consumed by VAD and
// transcription. Everything downstream of the transcoder assumes this.
const (
	CanonicalSampleRate = 16000
	CanonicalBitDepth   = 16
	CanonicalChannels   = 1
)

// PCMBuffer holds mono signed 16-bit PCM owned by exactly one session.
type PCMBuffer struct {
	Samples    []int16
	SampleRate int
}

// NewPCMBuffer wraps samples at the given rate.
func NewPCMBuffer(samples []int16, sampleRate int) *PCMBuffer {
	return &PCMBuffer{Samples: samples, SampleRate: sampleRate}
}

// FromBytes decodes little-endian s16le bytes into a PCM buffer.
func FromBytes(data []byte, sampleRate int) (*PCMBuffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("s16le data length must be even, got %d bytes", len(data))
	}

	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	return &PCMBuffer{Samples: samples, SampleRate: sampleRate}, nil
}

// Duration returns the total playback duration of the buffer.
func (b *PCMBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// DurationMS returns the total duration in whole milliseconds.
func (b *PCMBuffer) DurationMS() int {
	return int(b.Duration() / time.Millisecond)
}

// SamplesPerMS returns how many samples cover one millisecond.
func (b *PCMBuffer) SamplesPerMS() int {
	return b.SampleRate / 1000
}

// SliceMS returns the sample range covering [startMS, endMS), clamped to the
// buffer bounds. The returned slice aliases the buffer; callers must treat it
// as read-only.
func (b *PCMBuffer) SliceMS(startMS, endMS int) []int16 {
	perMS := b.SamplesPerMS()
	start := startMS * perMS
	end := endMS * perMS

	if start < 0 {
		start = 0
	}
	if end > len(b.Samples) {
		end = len(b.Samples)
	}
	if start >= end {
		return nil
	}

	return b.Samples[start:end]
}

// Release drops the backing sample storage. The buffer must not be used
// afterwards.
func (b *PCMBuffer) Release() {
	b.Samples = nil
}
