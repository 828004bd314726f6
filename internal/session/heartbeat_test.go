package session

import (
	"testing"
	"time"
)

func TestHeartbeatProbeThenExpire(t *testing.T) {
	start := time.Unix(0, 0)
	h := NewHeartbeat(10*time.Second, 30*time.Second, start)

	steps := []struct {
		at   time.Duration
		want HeartbeatAction
	}{
		{5 * time.Second, HeartbeatNone},
		{10 * time.Second, HeartbeatProbe},
		{15 * time.Second, HeartbeatNone},
		{20 * time.Second, HeartbeatProbe},
		{29 * time.Second, HeartbeatNone},
		{30 * time.Second, HeartbeatExpire},
		{31 * time.Second, HeartbeatExpire},
	}
	for _, step := range steps {
		got, _ := h.Tick(start.Add(step.at))
		if got != step.want {
			t.Errorf("Tick(+%s) = %v, want %v", step.at, got, step.want)
		}
	}
	if h.State() != HeartbeatTimedOut {
		t.Errorf("State() = %v, want timed_out", h.State())
	}
}

func TestHeartbeatActivityKeepsAlive(t *testing.T) {
	start := time.Unix(0, 0)
	h := NewHeartbeat(10*time.Second, 30*time.Second, start)

	action, nonce := h.Tick(start.Add(10 * time.Second))
	if action != HeartbeatProbe || nonce != 1 {
		t.Fatalf("Tick() = %v, %d, want probe 1", action, nonce)
	}
	if h.State() != HeartbeatAwaiting {
		t.Errorf("State() = %v, want awaiting", h.State())
	}

	h.Pong(nonce, start.Add(12*time.Second))
	if h.State() != HeartbeatAlive {
		t.Errorf("State() = %v after pong, want alive", h.State())
	}
	if got, _ := h.Tick(start.Add(35 * time.Second)); got == HeartbeatExpire {
		t.Error("peer active at +12s must not expire at +35s with a 30s timeout")
	}

	h.Touch(start.Add(40 * time.Second))
	if got, _ := h.Tick(start.Add(69 * time.Second)); got == HeartbeatExpire {
		t.Error("any inbound activity should count as liveness")
	}
}

func TestHeartbeatTimedOutIsFinal(t *testing.T) {
	start := time.Unix(0, 0)
	h := NewHeartbeat(time.Second, 3*time.Second, start)
	h.Tick(start.Add(3 * time.Second))

	h.Touch(start.Add(4 * time.Second))
	if h.State() != HeartbeatTimedOut {
		t.Error("Touch() must not revive a timed out peer")
	}

	h.Reset(start.Add(5 * time.Second))
	if h.State() != HeartbeatAlive {
		t.Error("Reset() should start monitoring afresh")
	}
}
