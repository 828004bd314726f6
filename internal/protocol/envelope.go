package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the highest envelope version this build understands.
const SchemaVersion = 1

// Envelope wraps every message on the wire. Sequence is zero for control
// messages and strictly increasing per session for domain events.
type Envelope struct {
	SchemaVersion   int             `json:"schema_version"`
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id,omitempty"`
	MessageID       string          `json:"message_id"`
	Sequence        uint64          `json:"sequence,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	WallClockTime   time.Time       `json:"wall_clock_time"`
	MonotonicTimeMs int64           `json:"monotonic_time_ms"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an unsequenced envelope around msg.
func NewEnvelope(sessionID string, msg Message) (Envelope, error) {
	var payload json.RawMessage
	if u, ok := msg.(Unknown); ok {
		payload = u.Raw
	} else {
		data, err := json.Marshal(msg)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", msg.Type(), err)
		}
		payload = data
	}
	return Envelope{
		SchemaVersion: SchemaVersion,
		Type:          msg.Type(),
		SessionID:     sessionID,
		MessageID:     uuid.NewString(),
		WallClockTime: time.Now().UTC(),
		Payload:       payload,
	}, nil
}

// CodecLimits bounds decode memory use.
type CodecLimits struct {
	MaxMessageBytes int
}

func DefaultCodecLimits() CodecLimits {
	return CodecLimits{MaxMessageBytes: 64 * 1024}
}

// Codec converts envelopes to and from JSON text frames.
type Codec struct {
	limits CodecLimits
}

func NewCodec(limits CodecLimits) Codec {
	if limits.MaxMessageBytes <= 0 {
		limits = DefaultCodecLimits()
	}
	return Codec{limits: limits}
}

// Limits returns the limits the codec enforces.
func (c Codec) Limits() CodecLimits {
	return c.limits
}

// Encode serializes env. Frames over the size limit are refused so the
// peer never has to reject them.
func (c Codec) Encode(env Envelope) ([]byte, error) {
	if env.SchemaVersion == 0 {
		env.SchemaVersion = SchemaVersion
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if c.limits.MaxMessageBytes > 0 && len(data) > c.limits.MaxMessageBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrProtocol, len(data), c.limits.MaxMessageBytes)
	}
	return data, nil
}

// Decode parses a frame. Newer schema versions fail closed; unknown message
// types are accepted and left for DecodePayload to pass through.
func (c Codec) Decode(data []byte) (Envelope, error) {
	if c.limits.MaxMessageBytes > 0 && len(data) > c.limits.MaxMessageBytes {
		return Envelope{}, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrProtocol, len(data), c.limits.MaxMessageBytes)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty frame", ErrProtocol)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch {
	case env.SchemaVersion <= 0:
		return Envelope{}, fmt.Errorf("%w: missing schema_version", ErrProtocol)
	case env.SchemaVersion > SchemaVersion:
		return Envelope{}, fmt.Errorf("%w: got %d, support up to %d", ErrUnsupportedSchema, env.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return env, nil
}

// DecodePayload returns the typed payload of env. Types outside the known
// set come back as Unknown rather than an error.
func DecodePayload(env Envelope) (Message, error) {
	var msg Message
	var err error
	switch env.Type {
	case TypeHello:
		msg, err = unmarshalAs[Hello](env.Payload)
	case TypeAck:
		msg, err = unmarshalAs[Ack](env.Payload)
	case TypeStop:
		msg, err = unmarshalAs[Stop](env.Payload)
	case TypePing:
		msg, err = unmarshalAs[Ping](env.Payload)
	case TypePong:
		msg, err = unmarshalAs[Pong](env.Payload)
	case TypeWelcome:
		msg, err = unmarshalAs[Welcome](env.Payload)
	case TypeError:
		msg, err = unmarshalAs[Error](env.Payload)
	case TypeClose:
		msg, err = unmarshalAs[Close](env.Payload)
	case TypeASRPartial, TypeASRFinal:
		msg, err = unmarshalAs[TranscriptSegment](env.Payload)
	case TypeTranslationPartial, TypeTranslationFinal:
		msg, err = unmarshalAs[TranslationResult](env.Payload)
	case TypeSegmentFailed:
		msg, err = unmarshalAs[SegmentFailed](env.Payload)
	case TypeStatus:
		msg, err = unmarshalAs[Status](env.Payload)
	default:
		return Unknown{Kind: env.Type, Raw: env.Payload}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrProtocol, env.Type, err)
	}
	return msg, nil
}

func unmarshalAs[T Message](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}
