package usecase

import (
	"context"
	"sync"

	"github.com/orbit-ai/orbit/internal/observability"
)

// StopRegistry tracks the cancel functions of in-flight chat generations by
// session so the stop endpoint can abort them. A session can hold several
// concurrent generations; Stop cancels all of them.
type StopRegistry struct {
	mu     sync.Mutex
	nextID uint64
	active map[string]map[uint64]context.CancelFunc
}

// NewStopRegistry constructs an empty registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{active: map[string]map[uint64]context.CancelFunc{}}
}

// Register records a cancellable generation for the session and returns a
// release function the caller must invoke when the generation ends. An empty
// session id registers nothing; the release is still safe to call.
func (r *StopRegistry) Register(sessionID string, cancel context.CancelFunc) func() {
	if sessionID == "" {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	byID, ok := r.active[sessionID]
	if !ok {
		byID = map[uint64]context.CancelFunc{}
		r.active[sessionID] = byID
	}
	byID[id] = cancel

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if byID, ok := r.active[sessionID]; ok {
				delete(byID, id)
				if len(byID) == 0 {
					delete(r.active, sessionID)
				}
			}
		})
	}
}

// Stop cancels every active generation for the session and reports whether
// there was anything to cancel.
func (r *StopRegistry) Stop(sessionID string) bool {
	r.mu.Lock()
	byID, ok := r.active[sessionID]
	var cancels []context.CancelFunc
	for _, c := range byID {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()

	if !ok || len(cancels) == 0 {
		return false
	}
	for _, c := range cancels {
		c()
	}
	observability.StreamsStoppedTotal.Add(float64(len(cancels)))
	return true
}

// Active returns the number of in-flight generations for the session.
func (r *StopRegistry) Active(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[sessionID])
}
