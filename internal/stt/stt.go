// Package stt streams session audio to a speech-to-text provider and emits
// transcript events.
package stt

import "context"

type EventType string

const (
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
	EventError   EventType = "error"
)

type Event struct {
	Type       EventType
	Text       string
	Confidence float64
	Code       string
	Detail     string
	Retryable  bool
	TSMs       int64
}

// Stream is one live recognition stream. SendAudio takes raw little-endian
// PCM16 frames.
type Stream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Finalize(ctx context.Context) error
	Close() error
}

type Provider interface {
	StartStream(ctx context.Context, sessionID string) (Stream, <-chan Event, error)
}
