package engine

import (
	"context"
	"sync"
)

// MemoryCheckpointStore is the in-memory CheckpointStore used by
// default and in tests. The durable implementation lives in
// pkg/stores.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	byID  map[string]*Checkpoint
	order []string
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{byID: make(map[string]*Checkpoint)}
}

// Put stores a checkpoint. Re-storing an existing content address is a
// no-op.
func (s *MemoryCheckpointStore) Put(_ context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[cp.ID]; ok {
		return nil
	}
	s.byID[cp.ID] = cp
	s.order = append(s.order, cp.ID)
	return nil
}

// Get retrieves a checkpoint by ID.
func (s *MemoryCheckpointStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, NewPermanentError("checkpoint not found", nil).WithCode(ErrCodeNotFound)
	}
	return cp, nil
}

// List returns checkpoint metadata for a plan, oldest first.
func (s *MemoryCheckpointStore) List(_ context.Context, planID string) ([]CheckpointMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var metas []CheckpointMeta
	for _, id := range s.order {
		if cp := s.byID[id]; cp.PlanID == planID {
			metas = append(metas, cp.Meta())
		}
	}
	return metas, nil
}

// MemoryAttemptLog is the in-memory AttemptLog used by default and in
// tests.
type MemoryAttemptLog struct {
	mu       sync.RWMutex
	attempts []StepAttempt
}

// NewMemoryAttemptLog creates an empty in-memory attempt log.
func NewMemoryAttemptLog() *MemoryAttemptLog {
	return &MemoryAttemptLog{}
}

// Append records one attempt.
func (l *MemoryAttemptLog) Append(_ context.Context, attempt *StepAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *attempt)
	return nil
}

// List returns the attempts for a step, oldest first.
func (l *MemoryAttemptLog) List(_ context.Context, planID, stepID string) ([]StepAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []StepAttempt
	for i := range l.attempts {
		a := l.attempts[i]
		if a.PlanID == planID && a.StepID == stepID {
			out = append(out, a)
		}
	}
	return out, nil
}
