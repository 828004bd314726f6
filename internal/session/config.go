package session

import (
	"time"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// Config holds server-side session limits. Per-session values are derived
// from it during the handshake.
type Config struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long a silent peer is tolerated.
	HeartbeatTimeout time.Duration
	MaxInFlight      int
	MaxMessageBytes  int
	ResumeWindow     time.Duration
	// ReplayCapacity defaults to four times the negotiated window.
	ReplayCapacity   int
	QueueCapacity    int
	InboundCapacity  int
	DebounceHz       float64
	HandshakeTimeout time.Duration
	DrainTimeout     time.Duration
	WriteTimeout     time.Duration
	DefaultLanguage  string
}

// DefaultConfig returns the limits used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  30 * time.Second,
		MaxInFlight:       64,
		MaxMessageBytes:   protocol.DefaultCodecLimits().MaxMessageBytes,
		ResumeWindow:      300 * time.Second,
		QueueCapacity:     256,
		InboundCapacity:   32,
		DebounceHz:        5,
		HandshakeTimeout:  10 * time.Second,
		DrainTimeout:      5 * time.Second,
		WriteTimeout:      10 * time.Second,
		DefaultLanguage:   "en",
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.ResumeWindow < 0 {
		c.ResumeWindow = 0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = d.InboundCapacity
	}
	if c.DebounceHz <= 0 {
		c.DebounceHz = d.DebounceHz
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = d.DefaultLanguage
	}
	return c
}

// closingTypes are the types that end a segment on the stream a partial
// type belongs to.
var closingTypes = map[protocol.MessageType][]protocol.MessageType{
	protocol.TypeASRPartial:         {protocol.TypeASRFinal, protocol.TypeSegmentFailed},
	protocol.TypeTranslationPartial: {protocol.TypeTranslationFinal, protocol.TypeSegmentFailed},
}

// negotiated are the per-session values agreed in the handshake.
type negotiated struct {
	maxInFlight    int
	replayCapacity int
	ackMode        protocol.AckMode
	accepted       map[protocol.MessageType]bool
	source         protocol.SourceOptions
}

func negotiate(cfg Config, hello protocol.Hello) negotiated {
	n := negotiated{
		maxInFlight: NegotiateMaxInFlight(hello.MaxInFlight, cfg.MaxInFlight),
		ackMode:     protocol.AckCumulative,
	}
	if hello.AckMode == protocol.AckPerMessage {
		n.ackMode = protocol.AckPerMessage
	}
	n.replayCapacity = cfg.ReplayCapacity
	if n.replayCapacity < n.maxInFlight {
		n.replayCapacity = 4 * n.maxInFlight
	}
	if len(hello.AcceptedTypes) > 0 {
		n.accepted = make(map[protocol.MessageType]bool, len(hello.AcceptedTypes))
		for _, t := range hello.AcceptedTypes {
			n.accepted[t] = true
			// A client taking partials must see how their segments end.
			for _, c := range closingTypes[t] {
				n.accepted[c] = true
			}
		}
	}
	if hello.Source != nil {
		n.source = *hello.Source
	}
	if n.source.Language == "" {
		n.source.Language = cfg.DefaultLanguage
	}
	return n
}

// accepts reports whether the client declared interest in t. An empty
// accepted_types list accepts every domain type. Accepting a partial type
// implies the final and failure types of its stream.
func (n negotiated) accepts(t protocol.MessageType) bool {
	return n.accepted == nil || n.accepted[t]
}
