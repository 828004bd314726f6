package protocol

import "errors"

var (
	// ErrProtocol marks malformed frames. The connection is closed, no retry.
	ErrProtocol = errors.New("protocol: malformed envelope")
	// ErrUnsupportedSchema marks envelopes newer than SchemaVersion.
	ErrUnsupportedSchema = errors.New("protocol: unsupported schema version")
	// ErrFlowViolation is a programming error: a send exceeded the window.
	ErrFlowViolation = errors.New("protocol: flow window violated")
	// ErrResumeRejected means the client must start a fresh session.
	ErrResumeRejected = errors.New("protocol: resume rejected")
	// ErrLivenessTimeout is returned when the heartbeat monitor gives up on a peer.
	ErrLivenessTimeout = errors.New("protocol: liveness timeout")
	// ErrUpstreamFailure wraps inference errors scoped to one segment.
	ErrUpstreamFailure = errors.New("protocol: upstream failure")
	// ErrHandshakeTimeout is returned when no client.hello arrives in time.
	ErrHandshakeTimeout = errors.New("protocol: handshake timeout")
	// ErrSessionClosed is returned for operations on a drained or terminated session.
	ErrSessionClosed = errors.New("protocol: session closed")
)

// ErrorCode is the wire form of an error carried in server.error.
type ErrorCode string

const (
	CodeProtocolError     ErrorCode = "protocol_error"
	CodeUnsupportedSchema ErrorCode = "unsupported_schema"
	CodeFlowViolation     ErrorCode = "flow_violation"
	CodeResumeRejected    ErrorCode = "resume_rejected"
	CodeLivenessTimeout   ErrorCode = "liveness_timeout"
	CodeUpstreamFailure   ErrorCode = "upstream_failure"
	CodeHandshakeTimeout  ErrorCode = "handshake_timeout"
	CodeSessionClosed     ErrorCode = "session_closed"
	CodeInternal          ErrorCode = "internal_error"
)

// CodeFor maps an error to the code sent to clients.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnsupportedSchema):
		return CodeUnsupportedSchema
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrFlowViolation):
		return CodeFlowViolation
	case errors.Is(err, ErrResumeRejected):
		return CodeResumeRejected
	case errors.Is(err, ErrLivenessTimeout):
		return CodeLivenessTimeout
	case errors.Is(err, ErrUpstreamFailure):
		return CodeUpstreamFailure
	case errors.Is(err, ErrHandshakeTimeout):
		return CodeHandshakeTimeout
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	default:
		return CodeInternal
	}
}

// Retryable reports whether a client may reconnect (with or without resume)
// after receiving code.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeResumeRejected, CodeLivenessTimeout, CodeHandshakeTimeout, CodeInternal:
		return true
	default:
		return false
	}
}
