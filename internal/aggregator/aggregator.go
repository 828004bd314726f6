package aggregator

import (
	"context"
	"io"
	"log"
	"sort"
	"sync/atomic"
	"time"
)

const (
	DefaultRateHz         = 5.0
	DefaultTerminalMemory = 4096
	DefaultIdleTTL        = 2 * time.Minute
)

// Failure reasons for segments closed by the aggregator itself.
const (
	ReasonUpstreamEnded = "upstream ended"
	ReasonIdle          = "segment idle"
)

// Config tunes debounce and memory bounds.
type Config struct {
	// RateHz caps partial emissions per segment. Values <= 0 use DefaultRateHz.
	RateHz float64
	// TerminalMemory is how many finalized/failed segment keys are
	// remembered to reject late partials.
	TerminalMemory int
	// IdleTTL fails segments that stopped receiving updates without ever
	// reaching a terminal state.
	IdleTTL time.Duration
}

// Aggregator coalesces raw inference updates into domain events. The
// Ingest/Flush core is not safe for concurrent use; Run serializes access.
type Aggregator struct {
	interval time.Duration
	idleTTL  time.Duration
	logger   *log.Logger

	segments map[string]*segmentState
	terminal *recentKeys

	closeReason atomic.Pointer[string]
	dropped     atomic.Int64
	emitted     atomic.Int64
}

type segmentState struct {
	last     Update // latest update seen, identifies the segment
	lastEmit time.Time
	lastSeen time.Time
	pending  *Update
	deadline time.Time
}

func New(cfg Config, logger *log.Logger) *Aggregator {
	rate := cfg.RateHz
	if rate <= 0 {
		rate = DefaultRateHz
	}
	memory := cfg.TerminalMemory
	if memory <= 0 {
		memory = DefaultTerminalMemory
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = DefaultIdleTTL
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Aggregator{
		interval: time.Duration(float64(time.Second) / rate),
		idleTTL:  idle,
		logger:   logger,
		segments: make(map[string]*segmentState),
		terminal: newRecentKeys(memory),
	}
}

// Interval is the minimum spacing between partials of one segment.
func (a *Aggregator) Interval() time.Duration {
	return a.interval
}

// Dropped counts updates discarded because their segment was already terminal.
func (a *Aggregator) Dropped() int64 {
	return a.dropped.Load()
}

// Emitted counts events handed downstream.
func (a *Aggregator) Emitted() int64 {
	return a.emitted.Load()
}

// Ingest applies one raw update observed at now and returns the events that
// must be emitted immediately.
func (a *Aggregator) Ingest(u Update, now time.Time) []Event {
	key := u.key()
	if a.terminal.has(key) {
		a.dropped.Add(1)
		if u.terminal() {
			a.logger.Printf("aggregator: duplicate terminal update for %s ignored", key)
		} else {
			a.logger.Printf("aggregator: partial for finalized segment %s dropped", key)
		}
		return nil
	}

	st := a.segments[key]
	if u.terminal() {
		var out []Event
		if st != nil && st.pending != nil {
			out = append(out, Event{Kind: KindPartial, Update: *st.pending})
		}
		delete(a.segments, key)
		a.terminal.add(key)

		if u.Err != nil {
			out = append(out, Event{Kind: KindFailed, Update: u, Reason: u.Err.Error()})
		} else {
			out = append(out, Event{Kind: KindFinal, Update: u})
		}
		a.emitted.Add(int64(len(out)))
		return out
	}

	if st == nil {
		st = &segmentState{}
		a.segments[key] = st
	}
	st.last = u
	st.lastSeen = now
	if st.lastEmit.IsZero() || now.Sub(st.lastEmit) >= a.interval {
		st.lastEmit = now
		st.pending = nil
		a.emitted.Add(1)
		return []Event{{Kind: KindPartial, Update: u}}
	}

	pending := u
	st.pending = &pending
	st.deadline = st.lastEmit.Add(a.interval)
	return nil
}

// Flush emits pending partials whose debounce deadline has passed and fails
// segments that have been idle longer than the idle TTL.
func (a *Aggregator) Flush(now time.Time) []Event {
	type due struct {
		key      string
		deadline time.Time
		update   Update
	}
	var ready []due
	var idle []string
	for key, st := range a.segments {
		if st.pending != nil && !now.Before(st.deadline) {
			ready = append(ready, due{key: key, deadline: st.deadline, update: *st.pending})
			st.pending = nil
			st.lastEmit = now
			continue
		}
		if st.pending == nil && now.Sub(st.lastSeen) > a.idleTTL {
			idle = append(idle, key)
		}
	}
	if len(ready) == 0 && len(idle) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].deadline.Equal(ready[j].deadline) {
			return ready[i].key < ready[j].key
		}
		return ready[i].deadline.Before(ready[j].deadline)
	})
	out := make([]Event, 0, len(ready)+len(idle))
	for _, d := range ready {
		out = append(out, Event{Kind: KindPartial, Update: d.update})
	}
	a.emitted.Add(int64(len(out)))

	sort.Strings(idle)
	for _, key := range idle {
		a.logger.Printf("aggregator: segment %s idle since %s, failing it", key, a.segments[key].lastSeen.Format(time.RFC3339))
		out = append(out, a.close(key, ReasonIdle)...)
	}
	return out
}

// CloseAll ends every open segment: a pending partial is emitted first, then
// a failed event with reason. Used when the upstream stream ends, so no
// consumer waits on a segment that can no longer finish.
func (a *Aggregator) CloseAll(reason string) []Event {
	keys := make([]string, 0, len(a.segments))
	for key := range a.segments {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []Event
	for _, key := range keys {
		out = append(out, a.close(key, reason)...)
	}
	return out
}

// SetCloseReason sets the failure reason Run uses for segments still open
// when its input closes. Call it before closing the input.
func (a *Aggregator) SetCloseReason(reason string) {
	a.closeReason.Store(&reason)
}

func (a *Aggregator) close(key, reason string) []Event {
	st := a.segments[key]
	delete(a.segments, key)
	a.terminal.add(key)

	var out []Event
	if st.pending != nil {
		out = append(out, Event{Kind: KindPartial, Update: *st.pending})
	}
	failed := st.last
	failed.Text = ""
	failed.IsFinal = false
	out = append(out, Event{Kind: KindFailed, Update: failed, Reason: reason})
	a.emitted.Add(int64(len(out)))
	return out
}

// NextDeadline reports the earliest pending debounce deadline.
func (a *Aggregator) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, st := range a.segments {
		if st.pending == nil {
			continue
		}
		if !found || st.deadline.Before(next) {
			next = st.deadline
			found = true
		}
	}
	return next, found
}

// Open returns the number of segments with non-terminal state.
func (a *Aggregator) Open() int {
	return len(a.segments)
}

// Run consumes in until it closes or ctx ends, passing events to emit in
// order. When in closes, open segments are closed with CloseAll.
func (a *Aggregator) Run(ctx context.Context, in <-chan Update, emit func(context.Context, Event) error) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	send := func(events []Event) error {
		for _, ev := range events {
			if err := emit(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		var timerC <-chan time.Time
		if deadline, ok := a.NextDeadline(); ok {
			timer.Reset(time.Until(deadline))
			timerC = timer.C
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case u, ok := <-in:
			if !ok {
				reason := ReasonUpstreamEnded
				if r := a.closeReason.Load(); r != nil {
					reason = *r
				}
				return send(a.CloseAll(reason))
			}
			if err := send(a.Ingest(u, time.Now())); err != nil {
				return err
			}

		case <-timerC:
			if err := send(a.Flush(time.Now())); err != nil {
				return err
			}
		}
	}
}

// recentKeys is a fixed-size set that forgets the oldest key first.
type recentKeys struct {
	ring  []string
	next  int
	index map[string]struct{}
}

func newRecentKeys(size int) *recentKeys {
	return &recentKeys{
		ring:  make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

func (r *recentKeys) has(key string) bool {
	_, ok := r.index[key]
	return ok
}

func (r *recentKeys) add(key string) {
	if r.has(key) {
		return
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ring[r.next] = key
	r.index[key] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
