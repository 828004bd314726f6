package session

import (
	"fmt"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// FlowController bounds unacknowledged domain messages per session.
//
// In-flight messages are those with a sequence above the ack floor that have
// not been individually acknowledged. The floor only moves forward.
type FlowController struct {
	max      int
	floor    uint64
	lastSent uint64
	// above holds per-message acks beyond the floor.
	above map[uint64]struct{}
}

func NewFlowController(maxInFlight int) *FlowController {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &FlowController{max: maxInFlight, above: make(map[uint64]struct{})}
}

// NegotiateMaxInFlight picks the effective window: the smaller of the client
// request and the server cap, or the cap when the client asked for nothing.
func NegotiateMaxInFlight(requested, serverCap int) int {
	if requested > 0 && requested < serverCap {
		return requested
	}
	return serverCap
}

func (f *FlowController) Max() int {
	return f.max
}

func (f *FlowController) Floor() uint64 {
	return f.floor
}

func (f *FlowController) LastSent() uint64 {
	return f.lastSent
}

func (f *FlowController) InFlight() int {
	return int(f.lastSent-f.floor) - len(f.above)
}

func (f *FlowController) CanSend() bool {
	return f.InFlight() < f.max
}

// OnSend records seq as sent. Sending with a full window or out of order is
// a programming error and returns ErrFlowViolation.
func (f *FlowController) OnSend(seq uint64) error {
	if !f.CanSend() {
		return fmt.Errorf("%w: %d in flight, max %d", protocol.ErrFlowViolation, f.InFlight(), f.max)
	}
	if seq != f.lastSent+1 {
		return fmt.Errorf("%w: sequence %d after %d", protocol.ErrFlowViolation, seq, f.lastSent)
	}
	f.lastSent = seq
	return nil
}

// OnAck applies a cumulative ack and returns how many messages it freed.
// Regressive acks are ignored; acks beyond the last sent sequence are
// clamped to it.
func (f *FlowController) OnAck(floor uint64) int {
	if floor > f.lastSent {
		floor = f.lastSent
	}
	if floor <= f.floor {
		return 0
	}
	freed := int(floor - f.floor)
	for seq := range f.above {
		if seq <= floor {
			delete(f.above, seq)
			freed--
		}
	}
	f.floor = floor
	return freed
}

// OnAckOne acknowledges a single sequence in per-message mode. The floor
// advances over any contiguous run of acknowledged sequences.
func (f *FlowController) OnAckOne(seq uint64) int {
	if seq <= f.floor || seq > f.lastSent {
		return 0
	}
	if _, dup := f.above[seq]; dup {
		return 0
	}
	f.above[seq] = struct{}{}
	for {
		next := f.floor + 1
		if _, ok := f.above[next]; !ok {
			break
		}
		delete(f.above, next)
		f.floor = next
	}
	return 1
}
