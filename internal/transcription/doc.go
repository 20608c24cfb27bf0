// Package transcription is the HTTP adapter to the external speech-to-text
// service, with bounded timeouts and a transient-failure retry policy.
package transcription
