package llm

import "context"

// Request asks for one segment to be translated.
type Request struct {
	SegmentID  string
	SourceLang string
	TargetLang string
	Text       string
}

// Delta is a streamed translation update. Text is cumulative: each delta
// carries the whole translation produced so far.
type Delta struct {
	Text  string
	Done  bool   // the last delta of a successful translation
	Err   error  // the translation failed; no further deltas follow
	Usage *Usage // set on the Done delta when the provider reports it
}

// Usage is the token count billed for one translation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Translator defines the interface for translation providers.
type Translator interface {
	// Translate streams the translation of req. The channel is closed after
	// a Done or Err delta, or when ctx ends.
	Translate(ctx context.Context, req Request) (<-chan Delta, error)
}
