package engine

import "sync"

// In-memory registry of per-task control flags so pause and takeover take
// effect at the next dispatch boundary without waiting for a store poll.
// The store rows remain the durable source of truth; this mirror only makes
// the signal fast.
type controlRegistry struct {
	mu        sync.Mutex
	paused    map[string]bool
	takenOver map[string]bool
	busy      map[string]bool
}

func newControlRegistry() *controlRegistry {
	return &controlRegistry{
		paused:    map[string]bool{},
		takenOver: map[string]bool{},
		busy:      map[string]bool{},
	}
}

func (r *controlRegistry) setPaused(taskID string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v {
		r.paused[taskID] = true
	} else {
		delete(r.paused, taskID)
	}
}

func (r *controlRegistry) isPaused(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[taskID]
}

func (r *controlRegistry) setTakenOver(taskID string, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v {
		r.takenOver[taskID] = true
	} else {
		delete(r.takenOver, taskID)
	}
}

func (r *controlRegistry) isTakenOver(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.takenOver[taskID]
}

// tryAcquire claims the per-task advance slot so overlapping ticks never run
// Advance concurrently for the same task.
func (r *controlRegistry) tryAcquire(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[taskID] {
		return false
	}
	r.busy[taskID] = true
	return true
}

func (r *controlRegistry) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.busy, taskID)
}

func (r *controlRegistry) forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, taskID)
	delete(r.takenOver, taskID)
	delete(r.busy, taskID)
}
