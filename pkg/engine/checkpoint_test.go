package engine

import (
	"testing"
)

func TestCheckpointContentAddress(t *testing.T) {
	plan := testPlan("cp-plan", mockStep("a"), mockStep("b"))
	state := NewExecutionState(plan)
	state.StepStatuses["a"] = StepStatusSucceeded
	effects := []CompensatingAction{action("a")}

	cp1, err := NewCheckpoint(state, effects, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	cp2, err := NewCheckpoint(state, effects, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}

	// CreatedAt differs but the content address does not.
	if cp1.ID != cp2.ID {
		t.Errorf("Expected identical IDs for identical content, got %s vs %s", cp1.ID, cp2.ID)
	}
	if len(cp1.ID) != 64 {
		t.Errorf("Expected sha256 hex ID, got %q", cp1.ID)
	}
}

func TestCheckpointIDChangesWithContent(t *testing.T) {
	plan := testPlan("cp-plan", mockStep("a"))
	state := NewExecutionState(plan)

	cp1, err := NewCheckpoint(state, nil, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}

	state.StepStatuses["a"] = StepStatusSucceeded
	cp2, err := NewCheckpoint(state, nil, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	if cp1.ID == cp2.ID {
		t.Error("Expected different IDs for different state")
	}
}

func TestCheckpointSnapshotIsIsolated(t *testing.T) {
	plan := testPlan("cp-plan", mockStep("a"))
	state := NewExecutionState(plan)

	cp, err := NewCheckpoint(state, nil, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}

	// Mutating the live state must not leak into the snapshot.
	state.StepStatuses["a"] = StepStatusFailed
	if cp.State.StepStatuses["a"] != StepStatusPending {
		t.Errorf("Expected snapshot isolation, got %s", cp.State.StepStatuses["a"])
	}
}

func TestVerifyCheckpoint(t *testing.T) {
	plan := testPlan("cp-plan", mockStep("a"))
	state := NewExecutionState(plan)

	cp, err := NewCheckpoint(state, nil, "test")
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	if err := VerifyCheckpoint(cp); err != nil {
		t.Errorf("Expected valid checkpoint, got %v", err)
	}

	cp.SideEffects = append(cp.SideEffects, action("a"))
	if err := VerifyCheckpoint(cp); err == nil {
		t.Error("Expected mismatch after mutation")
	}
}
