// Package vad implements voice activity detection: pluggable frame
// classifiers and the aggregation of frame labels into speech segments.
package vad
