// Package transcription relays live microphone audio to a speech-to-text service and stores what it hears.
package transcription

import (
	"context"
	"time"
)

// Segment is one recognized stretch of speech.
type Segment struct {
	Text  string
	Start time.Duration
}

// Transcriber opens speech-to-text streams.
type Transcriber interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is one live speech-to-text connection.
// Results is closed once the service has delivered its last segment.
type Stream interface {
	Send(audio []byte) error
	Results() <-chan Segment
	// Finish asks the service to flush pending audio and waits for its acknowledgement.
	Finish(ctx context.Context) error
	Close() error
}
