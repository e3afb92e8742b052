package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/engine"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "loom.db")})
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

func testCheckpoint(t *testing.T, planID string, reason string) *engine.Checkpoint {
	t.Helper()
	plan := &engine.Plan{ID: planID, Steps: []engine.Step{
		{ID: "a", Kind: "exec"},
		{ID: "b", Kind: "exec", DependsOn: []string{"a"}},
	}}
	state := engine.NewExecutionState(plan)
	state.StepStatuses["a"] = engine.StepStatusSucceeded
	state.CompletedSteps["a"] = true

	cp, err := engine.NewCheckpoint(state, []engine.CompensatingAction{
		{StepID: "a", Kind: "exec.undo", Description: "undo a", RecordedAt: time.Now()},
	}, reason)
	if err != nil {
		t.Fatalf("NewCheckpoint failed: %v", err)
	}
	return cp
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	checkpoints := store.Checkpoints()

	cp := testCheckpoint(t, "p1", "before risky step")
	if err := checkpoints.Put(ctx, cp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := checkpoints.Get(ctx, cp.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PlanID != "p1" || got.Reason != "before risky step" {
		t.Errorf("Unexpected checkpoint: %+v", got)
	}
	if got.State.StepStatuses["a"] != engine.StepStatusSucceeded {
		t.Errorf("Expected a succeeded in restored state, got %s", got.State.StepStatuses["a"])
	}
	if len(got.SideEffects) != 1 || got.SideEffects[0].StepID != "a" {
		t.Errorf("Unexpected side effects: %+v", got.SideEffects)
	}

	// The stored content still hashes to its ID.
	if err := engine.VerifyCheckpoint(got); err != nil {
		t.Errorf("Restored checkpoint failed verification: %v", err)
	}
}

func TestCheckpointPutIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	checkpoints := store.Checkpoints()

	cp := testCheckpoint(t, "p1", "dup")
	if err := checkpoints.Put(ctx, cp); err != nil {
		t.Fatalf("First put failed: %v", err)
	}
	if err := checkpoints.Put(ctx, cp); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	metas, err := checkpoints.List(ctx, "p1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 1 {
		t.Errorf("Expected 1 checkpoint after duplicate put, got %d", len(metas))
	}
}

func TestCheckpointGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Checkpoints().Get(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for missing checkpoint")
	}
}

func TestCheckpointListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	checkpoints := store.Checkpoints()

	first := testCheckpoint(t, "p1", "first")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := testCheckpoint(t, "p1", "second")
	other := testCheckpoint(t, "p2", "other plan")

	for _, cp := range []*engine.Checkpoint{second, first, other} {
		if err := checkpoints.Put(ctx, cp); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	metas, err := checkpoints.List(ctx, "p1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("Expected 2 checkpoints for p1, got %d", len(metas))
	}
	if metas[0].Reason != "first" || metas[1].Reason != "second" {
		t.Errorf("Expected oldest first, got %v", metas)
	}
}

func TestAttemptLogRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	attempts := store.Attempts()

	for i := 0; i < 3; i++ {
		err := attempts.Append(ctx, &engine.StepAttempt{
			PlanID:  "p1",
			StepID:  "flaky",
			Attempt: i,
			Result: &engine.StepResult{
				StepID:  "flaky",
				Success: i == 2,
				Output:  "attempt output",
			},
			StartedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	got, err := attempts.List(ctx, "p1", "flaky")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(got))
	}
	for i, at := range got {
		if at.Attempt != i {
			t.Errorf("Expected attempt %d at index %d, got %d", i, i, at.Attempt)
		}
	}
	if !got[2].Result.Success {
		t.Error("Expected final attempt successful")
	}
}

func TestListPlanAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	attempts := store.Attempts()

	for _, stepID := range []string{"a", "b", "a"} {
		err := attempts.Append(ctx, &engine.StepAttempt{
			PlanID:    "p1",
			StepID:    stepID,
			Result:    &engine.StepResult{StepID: stepID, Success: true},
			StartedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	err := attempts.Append(ctx, &engine.StepAttempt{
		PlanID:    "other",
		StepID:    "a",
		Result:    &engine.StepResult{StepID: "a", Success: true},
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := store.ListPlanAttempts(ctx, "p1")
	if err != nil {
		t.Fatalf("ListPlanAttempts failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 attempts for p1, got %d", len(got))
	}
	wantSteps := []string{"a", "b", "a"}
	for i, at := range got {
		if at.StepID != wantSteps[i] {
			t.Errorf("Attempt %d: expected step %s, got %s", i, wantSteps[i], at.StepID)
		}
	}
}

func TestEventPersistence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sink := store.Events()

	events := []*engine.Event{
		{ID: "e1", Type: engine.EventTypePlanStarted, PlanID: "p1", Message: "started"},
		{ID: "e2", Type: engine.EventTypeStepSucceeded, PlanID: "p1", StepID: "a", Message: "a done",
			Data: map[string]interface{}{"attempts": 1}},
		{ID: "e3", Type: engine.EventTypePlanCompleted, PlanID: "p1", Message: "completed"},
	}
	for _, ev := range events {
		if err := sink.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	records, err := store.ListEvents(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(records))
	}
	if records[0].Type != string(engine.EventTypePlanStarted) {
		t.Errorf("Expected plan.started first, got %s", records[0].Type)
	}
	if records[1].StepID != "a" || records[1].Data == "" {
		t.Errorf("Expected step event with data, got %+v", records[1])
	}
}

func TestRunRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	run := &engine.Run{
		ID:        "run-1",
		PlanID:    "p1",
		Status:    engine.RunStatusRunning,
		StartedAt: now,
		Summary:   engine.RunSummary{Total: 2, Running: 1, Pending: 1},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	// Upsert on completion.
	completed := now.Add(time.Second)
	run.Status = engine.RunStatusSucceeded
	run.CompletedAt = &completed
	run.Duration = time.Second
	run.Summary = engine.RunSummary{Total: 2, Succeeded: 2}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun upsert failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded, got %s", got.Status)
	}
	if got.Summary.Succeeded != 2 {
		t.Errorf("Expected 2 succeeded in summary, got %d", got.Summary.Succeeded)
	}
	if got.Duration != time.Second {
		t.Errorf("Expected 1s duration, got %s", got.Duration)
	}

	records, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "run-1" {
		t.Errorf("Unexpected run list: %+v", records)
	}
}

func TestGetRunMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("Expected error for missing run")
	}
}

func TestInterventionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	req := &engine.InterventionRequest{
		ID:        "req-1",
		PlanID:    "plan-1",
		StepID:    "deploy",
		Reason:    "dangerous step requires approval",
		Options:   []engine.Choice{engine.ChoiceApprove, engine.ChoiceReject, engine.ChoiceSkip},
		CreatedAt: time.Now(),
	}
	if err := store.SaveIntervention(ctx, req); err != nil {
		t.Fatalf("SaveIntervention failed: %v", err)
	}
	// Saving again is a no-op
	if err := store.SaveIntervention(ctx, req); err != nil {
		t.Fatalf("Second SaveIntervention failed: %v", err)
	}

	pending, err := store.ListInterventions(ctx, "plan-1", InterventionStatusPending)
	if err != nil {
		t.Fatalf("ListInterventions failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending intervention, got %d", len(pending))
	}
	if pending[0].StepID != "deploy" || len(pending[0].Options) != 3 {
		t.Errorf("Unexpected record: %+v", pending[0])
	}

	if err := store.ResolveIntervention(ctx, "req-1", engine.ChoiceApprove); err != nil {
		t.Fatalf("ResolveIntervention failed: %v", err)
	}

	resolved, err := store.ListInterventions(ctx, "plan-1", InterventionStatusResolved)
	if err != nil {
		t.Fatalf("ListInterventions failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Choice != "approve" {
		t.Fatalf("Unexpected resolved records: %+v", resolved)
	}
	if resolved[0].ResolvedAt == nil {
		t.Error("Expected resolved_at to be set")
	}

	if err := store.MarkInterventionApplied(ctx, "req-1"); err != nil {
		t.Fatalf("MarkInterventionApplied failed: %v", err)
	}
	applied, err := store.ListInterventions(ctx, "", InterventionStatusApplied)
	if err != nil {
		t.Fatalf("ListInterventions failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("Expected 1 applied intervention, got %d", len(applied))
	}
}

func TestResolveInterventionErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.ResolveIntervention(ctx, "unknown", engine.ChoiceApprove); err == nil {
		t.Error("Expected error for unknown request")
	}

	req := &engine.InterventionRequest{ID: "req-2", PlanID: "p", StepID: "s", CreatedAt: time.Now()}
	if err := store.SaveIntervention(ctx, req); err != nil {
		t.Fatalf("SaveIntervention failed: %v", err)
	}
	if err := store.ResolveIntervention(ctx, "req-2", engine.Choice("maybe")); err == nil {
		t.Error("Expected error for invalid choice")
	}
	if err := store.ResolveIntervention(ctx, "req-2", engine.ChoiceReject); err != nil {
		t.Fatalf("ResolveIntervention failed: %v", err)
	}
	if err := store.ResolveIntervention(ctx, "req-2", engine.ChoiceApprove); err == nil {
		t.Error("Expected error for already-resolved request")
	}
}
