package executors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/engine"
)

func execStep(t *testing.T, id string, params ExecParams) *engine.Step {
	t.Helper()
	payload, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &engine.Step{
		ID:         id,
		Kind:       KindExec,
		Parameters: payload,
	}
}

func testContext() *engine.ExecutionContext {
	return &engine.ExecutionContext{PlanID: "plan-1", Outputs: map[string]string{}}
}

func TestShellExecutorRunsCommand(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())

	step := execStep(t, "echo", ExecParams{Command: "echo hello"})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error: %v", result.Error)
	}
	if result.Output != "hello" {
		t.Errorf("output = %q, want %q", result.Output, "hello")
	}
	if len(result.SideEffects) != 0 {
		t.Errorf("expected no side effects without undo_command")
	}
}

func TestShellExecutorArgsBypassShell(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())

	step := execStep(t, "echo", ExecParams{Command: "echo", Args: []string{"$HOME"}})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output != "$HOME" {
		t.Errorf("args should not be shell-expanded, got %q", result.Output)
	}
}

func TestShellExecutorFailure(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())

	step := execStep(t, "bad", ExecParams{Command: "ls /definitely/not/a/path"})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error == nil || result.Error.Code != engine.ErrCodeExecutorFailed {
		t.Errorf("expected EXECUTOR_FAILED, got %+v", result.Error)
	}
	if !engine.IsPermanent(result.Error) {
		t.Errorf("exit failures should be permanent, got class %s", result.Error.Class)
	}
}

func TestShellExecutorMissingCommand(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())

	step := execStep(t, "empty", ExecParams{})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Error == nil || result.Error.Code != engine.ErrCodeValidation {
		t.Errorf("expected VALIDATION error, got %+v", result.Error)
	}
	if !result.NonRetryable {
		t.Error("missing command should not be retried")
	}
}

func TestShellExecutorDryRun(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())
	marker := filepath.Join(t.TempDir(), "marker")

	step := execStep(t, "touch", ExecParams{Command: "touch " + marker, UndoCommand: "rm " + marker})
	ec := testContext()
	ec.DryRun = true

	result, err := e.Execute(context.Background(), step, ec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatal("dry run should report success")
	}
	if len(result.SideEffects) != 0 {
		t.Error("dry run should record no side effects")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("dry run should not touch the filesystem")
	}
}

func TestShellExecutorCancellation(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	step := execStep(t, "sleep", ExecParams{Command: "sleep 10"})
	_, err := e.Execute(ctx, step, testContext())
	if err == nil {
		t.Fatal("expected an error when the context expires")
	}
}

func TestShellExecutorEnvAndWorkDir(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())
	dir := t.TempDir()

	step := execStep(t, "env", ExecParams{
		Command: "echo $LOOM_TEST_VALUE && pwd",
		WorkDir: dir,
		Env:     map[string]string{"LOOM_TEST_VALUE": "woven"},
	})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %v", result.Error)
	}
	for _, want := range []string{"woven", dir} {
		if !containsLine(result.Output, want) {
			t.Errorf("output missing %q: %q", want, result.Output)
		}
	}
}

func containsLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if line == want {
			return true
		}
	}
	return false
}

func TestUndoCommandRecordedAndCompensated(t *testing.T) {
	e := NewShellExecutor(zerolog.Nop())
	marker := filepath.Join(t.TempDir(), "marker")

	step := execStep(t, "touch", ExecParams{Command: "touch " + marker, UndoCommand: "rm " + marker})
	result, err := e.Execute(context.Background(), step, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %v", result.Error)
	}
	if len(result.SideEffects) != 1 {
		t.Fatalf("expected one recorded side effect, got %d", len(result.SideEffects))
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("command should have created the marker: %v", err)
	}

	action := result.SideEffects[0]
	if action.Kind != KindExec || action.StepID != "touch" {
		t.Errorf("unexpected action: %+v", action)
	}

	c := NewExecCompensator(zerolog.Nop())
	if err := c.Compensate(context.Background(), action); err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("undo command should have removed the marker")
	}
}

func TestExecCompensatorRejectsBadAction(t *testing.T) {
	c := NewExecCompensator(zerolog.Nop())

	err := c.Compensate(context.Background(), engine.CompensatingAction{
		StepID: "a", Kind: KindExec, Parameters: json.RawMessage(`{}`),
	})
	if err == nil {
		t.Error("expected error for action without a command")
	}
}

func TestFuncExecutor(t *testing.T) {
	called := false
	f := NewFuncExecutor("greet", func(ctx context.Context, step *engine.Step, ec *engine.ExecutionContext) (*engine.StepResult, error) {
		called = true
		return &engine.StepResult{StepID: step.ID, Success: true, Output: "hi " + ec.PlanID}, nil
	})

	if f.Kind() != "greet" {
		t.Errorf("kind = %q", f.Kind())
	}
	result, err := f.Execute(context.Background(), &engine.Step{ID: "s"}, testContext())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called || result.Output != "hi plan-1" {
		t.Errorf("unexpected result: %+v", result)
	}
}
