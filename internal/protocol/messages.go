package protocol

import "encoding/json"

// MessageType identifies the payload shape of an Envelope.
type MessageType string

const (
	TypeHello   MessageType = "client.hello"
	TypeAck     MessageType = "client.ack"
	TypeStop    MessageType = "client.stop"
	TypePing    MessageType = "heartbeat.ping"
	TypePong    MessageType = "heartbeat.pong"
	TypeWelcome MessageType = "server.welcome"
	TypeError   MessageType = "server.error"
	TypeClose   MessageType = "server.close"

	TypeASRPartial         MessageType = "asr.partial"
	TypeASRFinal           MessageType = "asr.final"
	TypeTranslationPartial MessageType = "translation.partial"
	TypeTranslationFinal   MessageType = "translation.final"
	TypeSegmentFailed      MessageType = "segment.failed"
	TypeStatus             MessageType = "status"
)

// DomainTypes lists every sequenced server->client type.
var DomainTypes = []MessageType{
	TypeASRPartial,
	TypeASRFinal,
	TypeTranslationPartial,
	TypeTranslationFinal,
	TypeSegmentFailed,
	TypeStatus,
}

// IsDomain reports whether t is sequenced, replayed and flow controlled.
func (t MessageType) IsDomain() bool {
	switch t {
	case TypeASRPartial, TypeASRFinal, TypeTranslationPartial, TypeTranslationFinal, TypeSegmentFailed, TypeStatus:
		return true
	}
	return false
}

// Message is the closed set of payloads this package knows how to encode.
// Unknown carries anything else through untouched.
type Message interface {
	Type() MessageType
}

// AckMode selects how a client confirms delivery.
type AckMode string

const (
	AckCumulative AckMode = "cumulative"
	AckPerMessage AckMode = "per_message"
)

// Hello is the client capability announcement that opens every connection.
type Hello struct {
	AcceptedTypes []MessageType  `json:"accepted_types,omitempty"`
	AckMode       AckMode        `json:"ack_mode,omitempty"`
	MaxInFlight   int            `json:"max_in_flight,omitempty"`
	Resume        *ResumeRequest `json:"resume,omitempty"`
	Source        *SourceOptions `json:"source,omitempty"`
}

// ResumeRequest asks the server to reattach an existing session.
type ResumeRequest struct {
	SessionID   string `json:"session_id"`
	LastSeqSeen uint64 `json:"last_seq_seen"`
	Token       string `json:"token,omitempty"`
}

// SourceOptions describes the audio the client will send and the
// translations it wants.
type SourceOptions struct {
	Language        string   `json:"language,omitempty"`
	TargetLanguages []string `json:"target_languages,omitempty"`
	SampleRate      int      `json:"sample_rate,omitempty"`
	Encoding        string   `json:"encoding,omitempty"`
}

// Ack confirms delivery. AckSeq is cumulative; Sequences is used in
// per-message mode.
type Ack struct {
	AckSeq    uint64   `json:"ack_seq,omitempty"`
	Sequences []uint64 `json:"sequences,omitempty"`
}

type Stop struct {
	Reason string `json:"reason,omitempty"`
}

type Ping struct {
	Nonce uint64 `json:"nonce"`
}

type Pong struct {
	Nonce uint64 `json:"nonce"`
}

// HeartbeatParams is advertised in the welcome.
type HeartbeatParams struct {
	IntervalMs int64 `json:"interval_ms"`
	TimeoutMs  int64 `json:"timeout_ms"`
}

// Limits are the effective per-session limits after negotiation.
type Limits struct {
	MaxInFlight     int `json:"max_in_flight"`
	MaxMessageBytes int `json:"max_message_bytes"`
}

type Welcome struct {
	SessionID       string          `json:"session_id"`
	Resumed         bool            `json:"resumed"`
	Heartbeat       HeartbeatParams `json:"heartbeat"`
	ResumeWindowSec int64           `json:"resume_window_sec"`
	Limits          Limits          `json:"limits"`
	AckMode         AckMode         `json:"ack_mode"`
	ResumeToken     string          `json:"resume_token,omitempty"`
	LastSequence    uint64          `json:"last_sequence"`
}

type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable"`
}

type Close struct {
	Reason       string `json:"reason,omitempty"`
	LastSequence uint64 `json:"last_sequence"`
}

// TranscriptSegment is a recognized span of speech. Partials may be
// superseded; a final is terminal for its SegmentID.
type TranscriptSegment struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text"`
	IsFinal   bool   `json:"is_final"`
	StartMs   *int64 `json:"start_ms,omitempty"`
	EndMs     *int64 `json:"end_ms,omitempty"`
}

func (s TranscriptSegment) Type() MessageType {
	if s.IsFinal {
		return TypeASRFinal
	}
	return TypeASRPartial
}

// TranslationResult correlates to its TranscriptSegment by SegmentID.
type TranslationResult struct {
	SegmentID  string `json:"segment_id"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
}

func (r TranslationResult) Type() MessageType {
	if r.IsFinal {
		return TypeTranslationFinal
	}
	return TypeTranslationPartial
}

// SegmentFailed is terminal for its segment, like a final.
type SegmentFailed struct {
	SegmentID  string `json:"segment_id"`
	Stream     string `json:"stream"`
	TargetLang string `json:"target_lang,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Status reports session or upstream progress.
type Status struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Unknown preserves a message whose type this version does not understand.
type Unknown struct {
	Kind MessageType
	Raw  json.RawMessage
}

func (Hello) Type() MessageType         { return TypeHello }
func (Ack) Type() MessageType           { return TypeAck }
func (Stop) Type() MessageType          { return TypeStop }
func (Ping) Type() MessageType          { return TypePing }
func (Pong) Type() MessageType          { return TypePong }
func (Welcome) Type() MessageType       { return TypeWelcome }
func (Error) Type() MessageType         { return TypeError }
func (Close) Type() MessageType         { return TypeClose }
func (SegmentFailed) Type() MessageType { return TypeSegmentFailed }
func (Status) Type() MessageType        { return TypeStatus }
func (u Unknown) Type() MessageType     { return u.Kind }
