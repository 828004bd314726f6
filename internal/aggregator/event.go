package aggregator

import (
	"github.com/lukasbauer/captionstream/internal/protocol"
)

// Stream separates source-language recognition from translations.
type Stream string

const (
	StreamASR         Stream = "asr"
	StreamTranslation Stream = "translation"
)

// Update is one raw tuple from an inference collaborator.
type Update struct {
	Stream     Stream
	SegmentID  string
	Text       string
	IsFinal    bool
	Err        error
	SourceLang string
	TargetLang string
	StartMs    *int64
	EndMs      *int64
}

// key identifies a segment within its stream. Each translation target
// language is coalesced independently.
func (u Update) key() string {
	if u.Stream == StreamTranslation {
		return string(u.Stream) + "/" + u.TargetLang + "/" + u.SegmentID
	}
	return string(StreamASR) + "/" + u.SegmentID
}

func (u Update) terminal() bool {
	return u.IsFinal || u.Err != nil
}

type Kind int

const (
	KindPartial Kind = iota
	KindFinal
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is an aggregator-level domain event ready for sequencing.
type Event struct {
	Kind   Kind
	Update Update
	Reason string
}

// Key is the coalescing identity of the event's segment.
func (e Event) Key() string {
	return e.Update.key()
}

// Terminal reports whether no further events follow for this segment.
func (e Event) Terminal() bool {
	return e.Kind != KindPartial
}

// CorrelationID links translations and failures back to the source segment.
func (e Event) CorrelationID() string {
	return e.Update.SegmentID
}

// Message converts the event into its wire payload.
func (e Event) Message() protocol.Message {
	u := e.Update
	if e.Kind == KindFailed {
		return protocol.SegmentFailed{
			SegmentID:  u.SegmentID,
			Stream:     string(u.Stream),
			TargetLang: u.TargetLang,
			Reason:     e.Reason,
		}
	}
	final := e.Kind == KindFinal
	if u.Stream == StreamTranslation {
		return protocol.TranslationResult{
			SegmentID:  u.SegmentID,
			SourceLang: u.SourceLang,
			TargetLang: u.TargetLang,
			Text:       u.Text,
			IsFinal:    final,
		}
	}
	return protocol.TranscriptSegment{
		SegmentID: u.SegmentID,
		Text:      u.Text,
		IsFinal:   final,
		StartMs:   u.StartMs,
		EndMs:     u.EndMs,
	}
}
