package crawler

import "sync"

// MemoryVisitTracker is a concurrency-safe VisitTracker backed by sync.Map.
type MemoryVisitTracker struct {
	mu   sync.RWMutex
	seen *sync.Map
}

// NewMemoryVisitTracker returns an empty tracker.
func NewMemoryVisitTracker() *MemoryVisitTracker {
	return &MemoryVisitTracker{seen: &sync.Map{}}
}

// MarkIfNew stores the identifier if it has not been seen before and returns true.
func (t *MemoryVisitTracker) MarkIfNew(id DocumentIdentifier) bool {
	if id == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, loaded := t.seen.LoadOrStore(id, struct{}{})
	return !loaded
}

// Reset forgets every identifier.
func (t *MemoryVisitTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen = &sync.Map{}
}
