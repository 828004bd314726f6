package stt

import "context"

// Result is one recognition update for a segment. Interim results for a
// segment share its SegmentID until a final closes it.
type Result struct {
	SegmentID  string
	Text       string
	Confidence float64
	IsFinal    bool
	StartMs    *int64
	EndMs      *int64
	// Err is set when the provider gave up on this segment only.
	Err error
}

// StreamConfig describes the audio a client will send.
type StreamConfig struct {
	Language   string // e.g. "en"
	SampleRate int    // e.g. 16000
	Encoding   string // e.g. "linear16"
	Channels   int
}

// Stream is one live recognition session. Results and Errors are closed
// after Close returns.
type Stream interface {
	// SendAudio forwards raw audio to the provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives recognition updates.
	Results() <-chan Result

	// Errors returns a channel that receives stream-level failures.
	Errors() <-chan error

	// Close ends the stream.
	Close() error
}

// Recognizer opens recognition streams.
type Recognizer interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}
