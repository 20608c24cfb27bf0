// Package audio provides the canonical PCM buffer type and WAV codec used
// across the voice processing pipeline.
package audio
