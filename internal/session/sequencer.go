package session

import (
	"errors"
	"math"
)

// ErrSequenceExhausted terminates a session whose counter reached the top of
// the sequence space.
var ErrSequenceExhausted = errors.New("session: sequence space exhausted")

// Sequencer issues strictly increasing sequence numbers starting at 1. It is
// owned by a session's writer goroutine and never reused across connections.
type Sequencer struct {
	last uint64
}

// Peek returns the value the next call to Next would issue.
func (s *Sequencer) Peek() (uint64, error) {
	if s.last == math.MaxUint64 {
		return 0, ErrSequenceExhausted
	}
	return s.last + 1, nil
}

func (s *Sequencer) Next() (uint64, error) {
	next, err := s.Peek()
	if err != nil {
		return 0, err
	}
	s.last = next
	return next, nil
}

// Last returns the most recently issued sequence, 0 before the first.
func (s *Sequencer) Last() uint64 {
	return s.last
}
