// Package transcode converts inbound voice messages into canonical PCM via
// an external ffmpeg subprocess with a bounded execution budget.
package transcode
