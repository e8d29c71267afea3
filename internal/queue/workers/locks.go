package workers

import "sync"

// lockRegistry grants in-process exclusivity per lock key. Jobs sharing
// an idempotency key must not execute concurrently on this instance.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{held: make(map[string]struct{})}
}

// TryAcquire takes the key if free; it never blocks
func (r *lockRegistry) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[key]; busy {
		return false
	}
	r.held[key] = struct{}{}
	return true
}

func (r *lockRegistry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
}
