package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"weak"

	"github.com/lukasbauer/captionstream/internal/protocol"
)

// ErrDraining is returned by Add once the registry stopped accepting sessions.
var ErrDraining = errors.New("session: registry is draining")

// Registry tracks live sessions and supports graceful draining. It holds
// weak references only; a session is kept alive by its own goroutines.
//
// The mu mutex makes the draining check and wg.Add atomic in Add, so no
// session can slip in after StartDraining returns.
type Registry struct {
	mu       sync.RWMutex
	draining bool
	sessions map[string]weak.Pointer[Supervisor]
	wg       sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]weak.Pointer[Supervisor])}
}

// Add registers s. It fails while draining.
func (r *Registry) Add(s *Supervisor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return ErrDraining
	}
	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("session: duplicate id %s", s.ID())
	}
	r.sessions[s.ID()] = weak.Make(s)
	r.wg.Add(1)
	activeSessions.Add(context.Background(), 1)
	return nil
}

// Lookup returns the live session with id.
func (r *Registry) Lookup(id string) (*Supervisor, bool) {
	r.mu.RLock()
	wp, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	s := wp.Value()
	if s == nil {
		r.Remove(id)
		return nil, false
	}
	return s, true
}

// Remove unregisters id. Safe to call more than once and on a nil Registry.
func (r *Registry) Remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.wg.Done()
	activeSessions.Add(context.Background(), -1)
}

// StartDraining makes future Add calls fail.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) live() []*Supervisor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Supervisor, 0, len(r.sessions))
	for _, wp := range r.sessions {
		if s := wp.Value(); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot returns Info for every session, oldest first.
func (r *Registry) Snapshot() []Info {
	sessions := r.live()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Shutdown drains every session and waits for them to end. Sessions still
// running when ctx ends are terminated.
func (r *Registry) Shutdown(ctx context.Context, reason string) error {
	r.StartDraining()
	for _, s := range r.live() {
		s.Stop(reason)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	stragglers := r.live()
	for _, s := range stragglers {
		s.Terminate(fmt.Errorf("%w: server shutting down", protocol.ErrSessionClosed))
	}
	for _, s := range stragglers {
		<-s.Done()
	}
	return fmt.Errorf("shutdown: %d sessions terminated: %w", len(stragglers), ctx.Err())
}
