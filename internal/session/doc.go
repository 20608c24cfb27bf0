// Package session owns the per-message processing lifecycle: the session
// state machine, the process-wide registry of live sessions, and the
// pipeline that sequences transcoding, segmentation and transcription.
package session
