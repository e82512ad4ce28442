package sepal

import "sync"

// SharedState is a per-run mutable key/value store visible to every executor
// in a workflow. It is the only resource explicitly shared across handlers
// executing concurrently within a superstep, so all access goes through the
// internal lock. Single get/set calls lock individually; multi-operation
// sequences that must be atomic use Hold.
//
// SharedState is cleared on a fresh Run and preserved across SendResponses.
type SharedState struct {
	mu     sync.Mutex
	values map[string]any
}

// NewSharedState creates an empty shared state store.
func NewSharedState() *SharedState {
	return &SharedState{values: make(map[string]any)}
}

// Get retrieves a value by key.
func (s *SharedState) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key.
func (s *SharedState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key.
func (s *SharedState) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Hold runs fn with exclusive access to the store. No other executor can
// read or write shared state until fn returns; the lock is released on all
// exit paths, including a panic inside fn.
func (s *SharedState) Hold(fn func(scope *SharedScope) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&SharedScope{values: s.values})
}

// SharedScope is a view of the shared state valid only inside a Hold call.
type SharedScope struct {
	values map[string]any
}

// Get retrieves a value by key.
func (sc *SharedScope) Get(key string) (any, bool) {
	v, ok := sc.values[key]
	return v, ok
}

// Set stores a value under key.
func (sc *SharedScope) Set(key string, value any) {
	sc.values[key] = value
}

// Delete removes a key.
func (sc *SharedScope) Delete(key string) {
	delete(sc.values, key)
}

// Keys returns all keys currently present.
func (sc *SharedScope) Keys() []string {
	keys := make([]string, 0, len(sc.values))
	for k := range sc.values {
		keys = append(keys, k)
	}
	return keys
}

// snapshot copies the current contents for checkpointing.
func (s *SharedState) snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// restore replaces the contents from a checkpoint snapshot.
func (s *SharedState) restore(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	for k, v := range values {
		s.values[k] = v
	}
}

// reset clears all values for a fresh run.
func (s *SharedState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}
