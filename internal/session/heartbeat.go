package session

import (
	"sync"
	"time"
)

type HeartbeatState int

const (
	HeartbeatAlive HeartbeatState = iota
	HeartbeatAwaiting
	HeartbeatTimedOut
)

func (s HeartbeatState) String() string {
	switch s {
	case HeartbeatAlive:
		return "alive"
	case HeartbeatAwaiting:
		return "awaiting"
	case HeartbeatTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// HeartbeatAction tells the caller what Tick decided.
type HeartbeatAction int

const (
	HeartbeatNone HeartbeatAction = iota
	HeartbeatProbe
	HeartbeatExpire
)

// Heartbeat tracks peer liveness. Any inbound activity counts; a peer that
// stays silent for the timeout is given up on. Safe for concurrent use: the
// reader touches it while the writer ticks it.
type Heartbeat struct {
	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration

	state        HeartbeatState
	lastActivity time.Time
	lastProbe    time.Time
	nonce        uint64
}

func NewHeartbeat(interval, timeout time.Duration, now time.Time) *Heartbeat {
	return &Heartbeat{interval: interval, timeout: timeout, lastActivity: now}
}

func (h *Heartbeat) Interval() time.Duration { return h.interval }
func (h *Heartbeat) Timeout() time.Duration  { return h.timeout }

// Touch records inbound activity.
func (h *Heartbeat) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == HeartbeatTimedOut {
		return
	}
	if now.After(h.lastActivity) {
		h.lastActivity = now
	}
	h.state = HeartbeatAlive
}

// Pong records a probe answer. Stale nonces still count as activity.
func (h *Heartbeat) Pong(nonce uint64, now time.Time) {
	h.Touch(now)
}

// Reset starts monitoring afresh, used when a session is resumed.
func (h *Heartbeat) Reset(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = HeartbeatAlive
	h.lastActivity = now
	h.lastProbe = time.Time{}
}

// Tick advances the monitor to now. It asks for a probe once per interval
// of silence and expires the peer after timeout of silence.
func (h *Heartbeat) Tick(now time.Time) (HeartbeatAction, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == HeartbeatTimedOut {
		return HeartbeatExpire, 0
	}
	silent := now.Sub(h.lastActivity)
	if silent >= h.timeout {
		h.state = HeartbeatTimedOut
		return HeartbeatExpire, 0
	}
	if silent < h.interval {
		return HeartbeatNone, 0
	}
	if h.state == HeartbeatAwaiting && now.Sub(h.lastProbe) < h.interval {
		return HeartbeatNone, 0
	}
	h.state = HeartbeatAwaiting
	h.lastProbe = now
	h.nonce++
	return HeartbeatProbe, h.nonce
}

func (h *Heartbeat) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Heartbeat) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}
