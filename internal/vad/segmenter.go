package vad

import (
	"fmt"
	"time"

	"github.com/inikonoff/voice-bot/internal/audio"
)

// Segment is one contiguous speech interval inside a PCM buffer. Samples
// aliases the session's buffer and is read-only.
type Segment struct {
	StartMS    int
	EndMS      int
	Samples    []int16
	Confidence float32
}

// Duration returns the segment length.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.EndMS-s.StartMS) * time.Millisecond
}

// Config contains the aggregation thresholds for one segmentation pass.
type Config struct {
	SampleRate         int
	FrameDuration      time.Duration // classification unit, 10/20/30 ms
	OnsetFrames        int           // consecutive speech frames to open a segment
	SilenceTimeout     time.Duration // non-speech run that closes a segment
	Padding            time.Duration // outward extension of closed segments
	MinSegmentDuration time.Duration // discard shorter segments after padding
}

// Validate checks the aggregation parameters.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}

	switch c.FrameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond:
	default:
		return fmt.Errorf("frame duration must be 10ms, 20ms or 30ms, got %s", c.FrameDuration)
	}

	if c.OnsetFrames < 1 {
		return fmt.Errorf("onset frames must be at least 1, got %d", c.OnsetFrames)
	}
	if c.SilenceTimeout < c.FrameDuration {
		return fmt.Errorf("silence timeout %s must be at least one frame (%s)", c.SilenceTimeout, c.FrameDuration)
	}
	if c.Padding < 0 {
		return fmt.Errorf("padding cannot be negative, got %s", c.Padding)
	}
	if c.MinSegmentDuration < 0 {
		return fmt.Errorf("min segment duration cannot be negative, got %s", c.MinSegmentDuration)
	}

	return nil
}

// Segmenter aggregates per-frame classifier labels into speech segments.
// The aggregation is backend-agnostic: any Classifier plugs in.
type Segmenter struct {
	config     Config
	classifier Classifier
}

// NewSegmenter creates a segmenter over the given classifier backend.
func NewSegmenter(config Config, classifier Classifier) (*Segmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}
	if classifier == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}

	return &Segmenter{config: config, classifier: classifier}, nil
}

// rawSegment tracks an open or closed segment in frame units.
type rawSegment struct {
	startFrame   int
	endFrame     int // exclusive, last speech frame + 1
	confSum      float32
	speechFrames int
}

// Segment runs one segmentation pass over the buffer and returns ordered,
// non-overlapping speech segments. Re-running over the same buffer with the
// same config yields the same result.
func (s *Segmenter) Segment(pcm *audio.PCMBuffer) []Segment {
	s.classifier.Reset()

	frameMS := int(s.config.FrameDuration / time.Millisecond)
	frameSamples := s.config.SampleRate * frameMS / 1000
	numFrames := len(pcm.Samples) / frameSamples
	silenceFrames := int(s.config.SilenceTimeout / s.config.FrameDuration)

	var (
		raw        []rawSegment
		current    *rawSegment
		onsetRun   int
		onsetStart int
		onsetConf  float32
		silenceRun int
	)

	for i := 0; i < numFrames; i++ {
		frame := pcm.Samples[i*frameSamples : (i+1)*frameSamples]
		speech, conf := s.classifier.Classify(frame)

		if current == nil {
			if !speech {
				onsetRun = 0
				onsetConf = 0
				continue
			}
			if onsetRun == 0 {
				onsetStart = i
			}
			onsetRun++
			onsetConf += conf
			if onsetRun >= s.config.OnsetFrames {
				current = &rawSegment{
					startFrame:   onsetStart,
					endFrame:     i + 1,
					confSum:      onsetConf,
					speechFrames: onsetRun,
				}
				onsetRun = 0
				onsetConf = 0
				silenceRun = 0
			}
			continue
		}

		if speech {
			current.endFrame = i + 1
			current.confSum += conf
			current.speechFrames++
			silenceRun = 0
			continue
		}

		// Isolated silence inside an open segment is tolerated until it
		// persists past the configured timeout.
		silenceRun++
		if silenceRun >= silenceFrames {
			raw = append(raw, *current)
			current = nil
			silenceRun = 0
		}
	}

	if current != nil {
		raw = append(raw, *current)
	}

	return s.finalize(raw, frameMS, pcm)
}

// finalize converts frame-unit segments to padded millisecond segments,
// discarding those below the minimum duration.
func (s *Segmenter) finalize(raw []rawSegment, frameMS int, pcm *audio.PCMBuffer) []Segment {
	bufferMS := pcm.DurationMS()
	padMS := int(s.config.Padding / time.Millisecond)
	minMS := int(s.config.MinSegmentDuration / time.Millisecond)

	segments := make([]Segment, 0, len(raw))
	prevEnd := 0
	for i, r := range raw {
		startMS := r.startFrame*frameMS - padMS
		endMS := r.endFrame*frameMS + padMS

		if startMS < prevEnd {
			startMS = prevEnd
		}
		if i+1 < len(raw) {
			if next := raw[i+1].startFrame * frameMS; endMS > next {
				endMS = next
			}
		}
		if endMS > bufferMS {
			endMS = bufferMS
		}

		if endMS-startMS < minMS {
			continue
		}

		var conf float32
		if r.speechFrames > 0 {
			conf = r.confSum / float32(r.speechFrames)
		}

		segments = append(segments, Segment{
			StartMS:    startMS,
			EndMS:      endMS,
			Samples:    pcm.SliceMS(startMS, endMS),
			Confidence: conf,
		})
		prevEnd = endMS
	}

	return segments
}
