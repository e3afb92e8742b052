package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockCompensator records compensations and can be told to fail.
type mockCompensator struct {
	mu          sync.Mutex
	kind        string
	compensated []CompensatingAction
	failSteps   map[string]bool
}

func newMockCompensator(kind string) *mockCompensator {
	return &mockCompensator{kind: kind, failSteps: make(map[string]bool)}
}

func (m *mockCompensator) Kind() string { return m.kind }

func (m *mockCompensator) Compensate(_ context.Context, action CompensatingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSteps[action.StepID] {
		return errors.New("compensation refused")
	}
	m.compensated = append(m.compensated, action)
	return nil
}

func (m *mockCompensator) order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.compensated))
	for i, a := range m.compensated {
		ids[i] = a.StepID
	}
	return ids
}

func action(stepID string) CompensatingAction {
	return CompensatingAction{
		StepID:     stepID,
		Kind:       "mock.undo",
		Parameters: json.RawMessage(`{}`),
		RecordedAt: time.Now(),
	}
}

func checkpointedState(t *testing.T, store CheckpointStore, effects []CompensatingAction) *Checkpoint {
	t.Helper()
	plan := testPlan("rb-plan",
		mockStep("s1"), mockStep("s2"), mockStep("s3"), mockStep("s4"), mockStep("s5"),
	)
	state := NewExecutionState(plan)
	for _, id := range []string{"s1", "s2", "s3"} {
		state.StepStatuses[id] = StepStatusSucceeded
		state.CompletedSteps[id] = true
	}
	cp, err := NewCheckpoint(state, effects, "before risky step s4")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	if err := store.Put(context.Background(), cp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return cp
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	store := NewMemoryCheckpointStore()
	comp := newMockCompensator("mock.undo")
	m := NewRollbackManager(store, []CompensationHandler{comp}, nil, zerolog.Nop())

	baseline := []CompensatingAction{action("s1"), action("s2"), action("s3")}
	cp := checkpointedState(t, store, baseline)

	// Effects recorded after the checkpoint belong to s4 and s5.
	effects := append(append([]CompensatingAction{}, baseline...), action("s4"), action("s5"))

	result, err := m.RollbackTo(context.Background(), cp.ID, effects)
	if err != nil {
		t.Fatalf("RollbackTo failed: %v", err)
	}
	if result.Partial {
		t.Error("Expected a clean rollback")
	}

	for _, id := range []string{"s1", "s2", "s3"} {
		if result.State.StepStatuses[id] != StepStatusSucceeded {
			t.Errorf("Expected %s succeeded after rollback, got %s", id, result.State.StepStatuses[id])
		}
	}
	for _, id := range []string{"s4", "s5"} {
		if result.State.StepStatuses[id] != StepStatusPending {
			t.Errorf("Expected %s pending after rollback, got %s", id, result.State.StepStatuses[id])
		}
	}
	if result.State.LastCheckpointID != cp.ID {
		t.Errorf("Expected LastCheckpointID %s, got %s", cp.ID, result.State.LastCheckpointID)
	}
}

func TestRollbackCompensatesInReverseOrder(t *testing.T) {
	store := NewMemoryCheckpointStore()
	comp := newMockCompensator("mock.undo")
	m := NewRollbackManager(store, []CompensationHandler{comp}, nil, zerolog.Nop())

	cp := checkpointedState(t, store, nil)
	effects := []CompensatingAction{action("s4"), action("s5")}

	if _, err := m.Rollback(context.Background(), cp, effects); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	order := comp.order()
	if len(order) != 2 || order[0] != "s5" || order[1] != "s4" {
		t.Errorf("Expected reverse order [s5 s4], got %v", order)
	}
}

func TestRollbackOnlyCompensatesPostCheckpointEffects(t *testing.T) {
	store := NewMemoryCheckpointStore()
	comp := newMockCompensator("mock.undo")
	m := NewRollbackManager(store, []CompensationHandler{comp}, nil, zerolog.Nop())

	baseline := []CompensatingAction{action("s1"), action("s2")}
	cp := checkpointedState(t, store, baseline)
	effects := append(append([]CompensatingAction{}, baseline...), action("s4"))

	if _, err := m.Rollback(context.Background(), cp, effects); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	order := comp.order()
	if len(order) != 1 || order[0] != "s4" {
		t.Errorf("Expected only s4 compensated, got %v", order)
	}
}

func TestRollbackPartialOnHandlerFailure(t *testing.T) {
	store := NewMemoryCheckpointStore()
	comp := newMockCompensator("mock.undo")
	comp.failSteps["s4"] = true
	m := NewRollbackManager(store, []CompensationHandler{comp}, nil, zerolog.Nop())

	cp := checkpointedState(t, store, nil)
	effects := []CompensatingAction{action("s4"), action("s5")}

	result, err := m.Rollback(context.Background(), cp, effects)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !result.Partial {
		t.Error("Expected partial result when a compensation fails")
	}
	// s5 still gets compensated despite s4 failing.
	if order := comp.order(); len(order) != 1 || order[0] != "s5" {
		t.Errorf("Expected s5 compensated, got %v", order)
	}
	var failed int
	for _, cr := range result.Compensated {
		if !cr.Success {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("Expected 1 failed compensation record, got %d", failed)
	}
}

func TestRollbackMissingHandler(t *testing.T) {
	store := NewMemoryCheckpointStore()
	m := NewRollbackManager(store, nil, nil, zerolog.Nop())

	cp := checkpointedState(t, store, nil)
	effects := []CompensatingAction{action("s4")}

	result, err := m.Rollback(context.Background(), cp, effects)
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if !result.Partial {
		t.Error("Expected partial result without a handler")
	}
}

func TestRollbackRejectsTruncatedEffectLog(t *testing.T) {
	store := NewMemoryCheckpointStore()
	m := NewRollbackManager(store, nil, nil, zerolog.Nop())

	baseline := []CompensatingAction{action("s1"), action("s2")}
	cp := checkpointedState(t, store, baseline)

	if _, err := m.Rollback(context.Background(), cp, []CompensatingAction{action("s1")}); err == nil {
		t.Fatal("Expected error for effect log shorter than checkpoint baseline")
	}
}

func TestRollbackRejectsTamperedCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()
	m := NewRollbackManager(store, nil, nil, zerolog.Nop())

	cp := checkpointedState(t, store, nil)
	cp.Reason = "tampered"

	if _, err := m.Rollback(context.Background(), cp, nil); err == nil {
		t.Fatal("Expected content hash mismatch error")
	}
}

func TestRollbackUnknownCheckpoint(t *testing.T) {
	store := NewMemoryCheckpointStore()
	m := NewRollbackManager(store, nil, nil, zerolog.Nop())

	if _, err := m.RollbackTo(context.Background(), "missing", nil); err == nil {
		t.Fatal("Expected error for unknown checkpoint")
	}
}
