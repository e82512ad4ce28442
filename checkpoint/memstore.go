package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStorage is an in-memory checkpoint store. It is intended for tests and
// single-process use; checkpoints do not survive the process.
type MemStorage struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemStorage creates an empty in-memory checkpoint store.
func NewMemStorage() *MemStorage {
	return &MemStorage{checkpoints: make(map[string]*Checkpoint)}
}

// Save persists the checkpoint and returns its ID, assigning one if absent.
func (s *MemStorage) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	stored := *cp
	s.mu.Lock()
	s.checkpoints[cp.ID] = &stored
	s.mu.Unlock()
	return cp.ID, nil
}

// Load retrieves a checkpoint by ID.
func (s *MemStorage) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *cp
	return &out, nil
}

// List returns checkpoints for a workflow, oldest first.
func (s *MemStorage) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if workflowID != "" && cp.WorkflowID != workflowID {
			continue
		}
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Metadata.Superstep < out[j].Metadata.Superstep
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Delete removes a checkpoint by ID.
func (s *MemStorage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.checkpoints, id)
	return nil
}

var _ Storage = (*MemStorage)(nil)
