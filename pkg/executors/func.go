package executors

import (
	"context"

	"github.com/loomworks/loom/pkg/engine"
)

// FuncExecutor adapts a Go function into a StepExecutor. Useful for
// embedding in-process capabilities without a dedicated executor type.
type FuncExecutor struct {
	kind string
	fn   func(ctx context.Context, step *engine.Step, ec *engine.ExecutionContext) (*engine.StepResult, error)
}

// NewFuncExecutor creates an executor for the given kind backed by fn.
func NewFuncExecutor(kind string, fn func(ctx context.Context, step *engine.Step, ec *engine.ExecutionContext) (*engine.StepResult, error)) *FuncExecutor {
	return &FuncExecutor{kind: kind, fn: fn}
}

// Kind returns the step kind this executor handles.
func (f *FuncExecutor) Kind() string {
	return f.kind
}

// Execute invokes the wrapped function.
func (f *FuncExecutor) Execute(ctx context.Context, step *engine.Step, ec *engine.ExecutionContext) (*engine.StepResult, error) {
	return f.fn(ctx, step, ec)
}

// FuncCompensator adapts a Go function into a CompensationHandler.
type FuncCompensator struct {
	kind string
	fn   func(ctx context.Context, action engine.CompensatingAction) error
}

// NewFuncCompensator creates a compensation handler for the given kind
// backed by fn.
func NewFuncCompensator(kind string, fn func(ctx context.Context, action engine.CompensatingAction) error) *FuncCompensator {
	return &FuncCompensator{kind: kind, fn: fn}
}

// Kind returns the action kind this handler compensates.
func (f *FuncCompensator) Kind() string {
	return f.kind
}

// Compensate invokes the wrapped function.
func (f *FuncCompensator) Compensate(ctx context.Context, action engine.CompensatingAction) error {
	return f.fn(ctx, action)
}
