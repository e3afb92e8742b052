package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/loom/pkg/engine"
)

const approveAllRego = `# Approves every step unconditionally.
package loom.decision

import rego.v1

default choice := "approve"
default reason := "approve-all test policy"
`

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approve-all.rego")
	if err := os.WriteFile(path, []byte(approveAllRego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "approve-all" {
		t.Errorf("Expected name from filename, got %q", p.Name)
	}
	if p.Description != "Approves every step unconditionally." {
		t.Errorf("Expected description from first comment, got %q", p.Description)
	}
	if !p.Enabled {
		t.Error("Expected loaded policy enabled")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "one.rego"), []byte(approveAllRego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a policy"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("Expected only .rego files loaded, got %d", len(policies))
	}
}

func TestLoadMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/no/such/path"}); err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestWatchReloadsPolicy(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t)
	if err := e.RemovePolicy(context.Background(), "default-decision"); err != nil {
		t.Fatalf("RemovePolicy failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader := NewLoader(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		loader.Watch(ctx, dir, e)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(50 * time.Millisecond)
	path := filepath.Join(dir, "approve-all.rego")
	if err := os.WriteFile(path, []byte(approveAllRego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	step := &engine.Step{ID: "wipe", RiskLevel: engine.RiskDangerous}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		decision, err := e.Decide(context.Background(), step)
		if err == nil && decision.Choice == engine.ChoiceApprove {
			cancel()
			<-done
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Watcher did not install the new policy in time")
}
