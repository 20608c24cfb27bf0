package vad

import (
	"fmt"
	"math"
	"os"
)

// Backend selects the frame classifier implementation.
type Backend string

const (
	// BackendEnergy is the lightweight RMS-energy classifier. Always available.
	BackendEnergy Backend = "energy"
	// BackendNeural is the heavier model-based classifier. Requires model
	// weights on disk; falls back to energy when they are missing.
	BackendNeural Backend = "neural"
	// BackendNone treats every frame as speech, degrading segmentation to a
	// single whole-buffer segment.
	BackendNone Backend = "none"
)

// Classifier labels one fixed-size frame of PCM audio as speech or
// non-speech. Implementations keep per-pass state only; Reset must restore
// them to their initial state so repeated passes are deterministic.
type Classifier interface {
	// Classify returns the speech label and a confidence in [0, 1].
	Classify(frame []int16) (bool, float32)
	Reset()
}

// ClassifierConfig carries backend selection and tuning.
type ClassifierConfig struct {
	Backend    Backend
	ModelPath  string  // weights file, neural backend only
	Threshold  float32 // speech probability threshold
	SampleRate int
}

// NewClassifier builds the configured backend. When the neural backend fails
// to initialize it returns the energy fallback with degraded=true instead of
// an error; segmentation must not take the whole pipeline down.
func NewClassifier(cfg ClassifierConfig) (c Classifier, degraded bool, err error) {
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, false, fmt.Errorf("threshold must be between 0 and 1, got %f", cfg.Threshold)
	}

	switch cfg.Backend {
	case BackendEnergy, "":
		return newEnergyClassifier(cfg.Threshold), false, nil
	case BackendNone:
		return passthroughClassifier{}, false, nil
	case BackendNeural:
		neural, err := newNeuralClassifier(cfg.ModelPath, cfg.Threshold)
		if err != nil {
			return newEnergyClassifier(cfg.Threshold), true, nil
		}
		return neural, false, nil
	default:
		return nil, false, fmt.Errorf("unknown vad backend %q", cfg.Backend)
	}
}

// energyClassifier labels frames by normalized RMS energy.
type energyClassifier struct {
	threshold float32
}

func newEnergyClassifier(threshold float32) *energyClassifier {
	return &energyClassifier{threshold: threshold}
}

func (c *energyClassifier) Classify(frame []int16) (bool, float32) {
	p := rmsProbability(frame)
	return p >= c.threshold, confidenceFrom(p, c.threshold)
}

func (c *energyClassifier) Reset() {}

// neuralClassifier stands in for a model-based detector. Loading verifies
// the weights exist; classification applies exponential smoothing over the
// frame energy so isolated noisy frames do not flip the label.
type neuralClassifier struct {
	modelPath string
	threshold float32
	smoothing float32
	last      float32
	primed    bool
}

func newNeuralClassifier(modelPath string, threshold float32) (*neuralClassifier, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path cannot be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("failed to load model weights %s: %w", modelPath, err)
	}

	return &neuralClassifier{
		modelPath: modelPath,
		threshold: threshold,
		smoothing: 0.3,
	}, nil
}

func (c *neuralClassifier) Classify(frame []int16) (bool, float32) {
	p := rmsProbability(frame)
	if c.primed {
		p = c.smoothing*p + (1-c.smoothing)*c.last
	}
	c.last = p
	c.primed = true

	return p >= c.threshold, confidenceFrom(p, c.threshold)
}

func (c *neuralClassifier) Reset() {
	c.last = 0
	c.primed = false
}

// passthroughClassifier implements the "no VAD" backend.
type passthroughClassifier struct{}

func (passthroughClassifier) Classify(frame []int16) (bool, float32) { return true, 1 }
func (passthroughClassifier) Reset()                                 {}

// rmsProbability maps frame RMS energy onto [0, 1]. Full-scale speech sits
// well above 2000 RMS; the divisor keeps quiet speech above typical noise.
func rmsProbability(frame []int16) float32 {
	if len(frame) == 0 {
		return 0
	}

	var energy float64
	for _, s := range frame {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(frame)))

	p := rms / 2000.0
	if p > 1 {
		p = 1
	}
	return float32(p)
}

// confidenceFrom scales distance from the threshold into [0, 1].
func confidenceFrom(p, threshold float32) float32 {
	d := p - threshold
	if d < 0 {
		d = -d
	}
	if d > 0.5 {
		d = 0.5
	}
	return d * 2
}
