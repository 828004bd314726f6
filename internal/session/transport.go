package session

import "context"

// Frame is one message read from a client connection. Binary frames carry
// audio; text frames carry envelopes.
type Frame struct {
	Binary bool
	Data   []byte
}

// Transport is a single client connection. ReadFrame is called from one
// goroutine and WriteText from another; Close may be called from any.
type Transport interface {
	// ReadFrame blocks for the next frame. A deadline on ctx bounds the wait.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteText sends one encoded envelope.
	WriteText(ctx context.Context, data []byte) error

	// Close tears the connection down. Safe to call more than once.
	Close() error

	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string
}
