package executors

import (
	"context"

	"github.com/loomworks/loom/pkg/engine"
)

// KindNoop is the step kind handled by NoopExecutor.
const KindNoop = "noop"

// NoopExecutor succeeds without doing anything. Useful as a
// placeholder kind when scaffolding plans.
type NoopExecutor struct{}

// Kind returns the step kind this executor handles.
func (NoopExecutor) Kind() string {
	return KindNoop
}

// Execute reports immediate success.
func (NoopExecutor) Execute(_ context.Context, step *engine.Step, _ *engine.ExecutionContext) (*engine.StepResult, error) {
	return &engine.StepResult{StepID: step.ID, Success: true}, nil
}
