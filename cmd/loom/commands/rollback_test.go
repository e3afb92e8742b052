package commands

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/stores"
)

func newRollbackTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "loom.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func checkpointAt(t *testing.T, state *engine.ExecutionState, effects []engine.CompensatingAction, reason string, createdAt time.Time) *engine.Checkpoint {
	t.Helper()
	cp, err := engine.NewCheckpoint(state, effects, reason)
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	cp.CreatedAt = createdAt
	return cp
}

func TestLatestEffectsIncludesPostCheckpointAttempts(t *testing.T) {
	store := newRollbackTestStore(t)
	ctx := context.Background()

	plan := &engine.Plan{ID: "p1", Steps: []engine.Step{
		{ID: "a", Kind: "exec"},
		{ID: "b", Kind: "exec", DependsOn: []string{"a"}},
		{ID: "c", Kind: "exec", DependsOn: []string{"b"}},
	}}
	state := engine.NewExecutionState(plan)

	base := time.Now()
	effectA := engine.CompensatingAction{StepID: "a", Kind: "exec", Description: "undo a", RecordedAt: base.Add(-time.Minute)}
	effectB := engine.CompensatingAction{StepID: "b", Kind: "exec", Description: "undo b", RecordedAt: base.Add(-40 * time.Second)}
	effectC := engine.CompensatingAction{StepID: "c", Kind: "exec", Description: "undo c", RecordedAt: base}

	target := checkpointAt(t, state, []engine.CompensatingAction{effectA}, "after a", base.Add(-50*time.Second))
	newest := checkpointAt(t, state, []engine.CompensatingAction{effectA, effectB}, "after b", base.Add(-30*time.Second))
	for _, cp := range []*engine.Checkpoint{target, newest} {
		if err := store.Checkpoints().Put(ctx, cp); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// b's effect predates the newest checkpoint and is already in its
	// log; c ran after it and only the attempt record knows about it.
	for _, at := range []engine.StepAttempt{
		{PlanID: "p1", StepID: "b", Result: &engine.StepResult{StepID: "b", Success: true, SideEffects: []engine.CompensatingAction{effectB}}, StartedAt: effectB.RecordedAt},
		{PlanID: "p1", StepID: "c", Result: &engine.StepResult{StepID: "c", Success: true, SideEffects: []engine.CompensatingAction{effectC}}, StartedAt: effectC.RecordedAt},
	} {
		attempt := at
		if err := store.Attempts().Append(ctx, &attempt); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	effects, err := latestEffects(ctx, store, target)
	if err != nil {
		t.Fatalf("latestEffects failed: %v", err)
	}
	wantSteps := []string{"a", "b", "c"}
	if len(effects) != len(wantSteps) {
		t.Fatalf("Expected %d effects, got %d: %+v", len(wantSteps), len(effects), effects)
	}
	for i, want := range wantSteps {
		if effects[i].StepID != want {
			t.Errorf("Effect %d: expected step %s, got %s", i, want, effects[i].StepID)
		}
	}

	// The reconstructed log still extends the target's baseline, so a
	// rollback to the target compensates b and c.
	if len(effects) < len(target.SideEffects) {
		t.Fatal("Reconstructed log should never be shorter than the target baseline")
	}
}

func TestLatestEffectsWithoutNewerCheckpoint(t *testing.T) {
	store := newRollbackTestStore(t)
	ctx := context.Background()

	plan := &engine.Plan{ID: "p2", Steps: []engine.Step{{ID: "a", Kind: "exec"}}}
	state := engine.NewExecutionState(plan)

	base := time.Now()
	effectA := engine.CompensatingAction{StepID: "a", Kind: "exec", Description: "undo a", RecordedAt: base.Add(-time.Minute)}
	target := checkpointAt(t, state, []engine.CompensatingAction{effectA}, "after a", base.Add(-50*time.Second))
	if err := store.Checkpoints().Put(ctx, target); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	effects, err := latestEffects(ctx, store, target)
	if err != nil {
		t.Fatalf("latestEffects failed: %v", err)
	}
	if len(effects) != 1 || effects[0].StepID != "a" {
		t.Errorf("Expected the target's own effect log, got %+v", effects)
	}
}
