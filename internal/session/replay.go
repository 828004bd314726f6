package session

import (
	"fmt"
	"time"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// ReplayEntry is one sent domain message kept for resume. Data is the exact
// encoded frame so a replay never changes the payload under a sequence.
type ReplayEntry struct {
	Sequence uint64
	Data     []byte
	SentAt   time.Time
}

// ReplayBuffer retains unacknowledged messages for a bounded time and count.
type ReplayBuffer struct {
	capacity int
	window   time.Duration
	now      func() time.Time

	entries []ReplayEntry
	lastSeq uint64
	// evictedThrough is the highest sequence no longer retained. A resume
	// from below it cannot be served.
	evictedThrough uint64
	overflowed     int64
	released       bool
}

// NewReplayBuffer returns a buffer holding at most capacity entries, each for
// at most window. A zero window disables time-based expiry.
func NewReplayBuffer(capacity int, window time.Duration, now func() time.Time) *ReplayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &ReplayBuffer{capacity: capacity, window: window, now: now}
}

// Append stores a sent message. The oldest entry is dropped when full.
func (b *ReplayBuffer) Append(seq uint64, data []byte) error {
	if b.released {
		return protocol.ErrSessionClosed
	}
	if seq <= b.lastSeq {
		return fmt.Errorf("replay: sequence %d not after %d", seq, b.lastSeq)
	}
	if len(b.entries) == b.capacity {
		b.evictedThrough = b.entries[0].Sequence
		b.entries = b.entries[1:]
		b.overflowed++
	}
	b.entries = append(b.entries, ReplayEntry{Sequence: seq, Data: data, SentAt: b.now()})
	b.lastSeq = seq
	return nil
}

// EvictAcked drops every entry at or below floor and returns how many.
func (b *ReplayBuffer) EvictAcked(floor uint64) int {
	n := 0
	for n < len(b.entries) && b.entries[n].Sequence <= floor {
		n++
	}
	b.drop(n)
	return n
}

// EvictExpired drops entries older than the window and returns how many.
func (b *ReplayBuffer) EvictExpired() int {
	if b.window <= 0 {
		return 0
	}
	cutoff := b.now().Add(-b.window)
	n := 0
	for n < len(b.entries) && b.entries[n].SentAt.Before(cutoff) {
		n++
	}
	b.drop(n)
	return n
}

func (b *ReplayBuffer) drop(n int) {
	if n == 0 {
		return
	}
	if last := b.entries[n-1].Sequence; last > b.evictedThrough {
		b.evictedThrough = last
	}
	clear(b.entries[:n])
	b.entries = b.entries[n:]
}

// Since returns every retained entry after lastSeen, in order. It fails with
// ErrResumeRejected when some entry after lastSeen is gone or lastSeen lies
// beyond what was ever issued.
func (b *ReplayBuffer) Since(lastSeen uint64) ([]ReplayEntry, error) {
	if b.released {
		return nil, fmt.Errorf("%w: replay released", protocol.ErrResumeRejected)
	}
	if lastSeen > b.lastSeq {
		return nil, fmt.Errorf("%w: last_seq_seen %d beyond last sequence %d", protocol.ErrResumeRejected, lastSeen, b.lastSeq)
	}
	if lastSeen < b.evictedThrough {
		return nil, fmt.Errorf("%w: sequences through %d no longer retained", protocol.ErrResumeRejected, b.evictedThrough)
	}
	var out []ReplayEntry
	for _, e := range b.entries {
		if e.Sequence > lastSeen {
			out = append(out, e)
		}
	}
	return out, nil
}

// Release frees every entry. Later calls to Since fail.
func (b *ReplayBuffer) Release() {
	clear(b.entries)
	b.entries = nil
	b.released = true
}

func (b *ReplayBuffer) Len() int {
	return len(b.entries)
}

func (b *ReplayBuffer) LastSequence() uint64 {
	return b.lastSeq
}

// Overflowed counts entries dropped for capacity before being acknowledged.
func (b *ReplayBuffer) Overflowed() int64 {
	return b.overflowed
}
