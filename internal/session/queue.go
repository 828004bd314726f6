package session

import (
	"context"
	"sync"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// outbound is a domain message waiting for a sequence number.
type outbound struct {
	msg           protocol.Message
	key           string
	correlationID string
	partial       bool
}

// outboundQueue is the bounded hand-off between producers and the writer.
//
// When full, a partial replaces a queued partial for the same segment or is
// dropped; a terminal message evicts the oldest queued partial or waits for
// room. Partials for one segment are always coalesced in place.
type outboundQueue struct {
	mu       sync.Mutex
	items    []outbound
	capacity int
	sealed   bool
	dropped  int64

	notify chan struct{}
	space  chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &outboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// push enqueues item. It reports whether item was dropped.
func (q *outboundQueue) push(ctx context.Context, item outbound) (bool, error) {
	for {
		q.mu.Lock()
		if q.sealed {
			q.mu.Unlock()
			return false, protocol.ErrSessionClosed
		}
		if item.partial {
			if i := q.indexPartial(item.key); i >= 0 {
				q.items[i] = item
				q.mu.Unlock()
				return false, nil
			}
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, item)
			q.mu.Unlock()
			q.signal()
			return false, nil
		}
		if item.partial {
			q.dropped++
			q.mu.Unlock()
			return true, nil
		}
		if i := q.indexPartial(""); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.items = append(q.items, item)
			q.dropped++
			q.mu.Unlock()
			q.signal()
			return false, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-q.closed:
			return false, protocol.ErrSessionClosed
		case <-q.space:
		}
	}
}

// indexPartial finds the first queued partial, restricted to key when set.
func (q *outboundQueue) indexPartial(key string) int {
	for i, it := range q.items {
		if it.partial && (key == "" || it.key == key) {
			return i
		}
	}
	return -1
}

func (q *outboundQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the head item without blocking.
func (q *outboundQueue) pop() (outbound, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return outbound{}, false
	}
	item := q.items[0]
	q.items[0] = outbound{}
	q.items = q.items[1:]
	q.mu.Unlock()

	select {
	case q.space <- struct{}{}:
	default:
	}
	return item, true
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) droppedCount() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// seal refuses further pushes while letting the writer drain what is queued.
func (q *outboundQueue) seal() {
	q.mu.Lock()
	q.sealed = true
	q.mu.Unlock()
	q.once.Do(func() { close(q.closed) })
}

// release seals the queue and discards its contents.
func (q *outboundQueue) release() {
	q.seal()
	q.mu.Lock()
	clear(q.items)
	q.items = nil
	q.mu.Unlock()
}
