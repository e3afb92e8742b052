package engine

import (
	"context"
)

// ExecutionContext is the read-only view of the run handed to
// executors. Outputs contains the output of every step that has
// succeeded so far; the map is a copy and safe to read freely.
type ExecutionContext struct {
	// PlanID identifies the running plan.
	PlanID string

	// Goal is the plan's goal text.
	Goal string

	// Outputs maps succeeded step IDs to their output.
	Outputs map[string]string

	// DryRun is true when the run simulates execution.
	DryRun bool
}

// StepExecutor is the externally supplied capability that performs one
// kind of step. Implementations must honor ctx cancellation; they are
// retried unless the returned result sets NonRetryable, so execution
// should be idempotent-safe. Executors never receive a reference back
// into the engine; progress flows one-way through the event stream.
type StepExecutor interface {
	// Kind returns the step kind this executor handles.
	Kind() string

	// Execute runs a single step attempt. A returned error is
	// normalized into a failed StepResult by the dispatcher.
	Execute(ctx context.Context, step *Step, ec *ExecutionContext) (*StepResult, error)
}

// CheckpointStore persists checkpoints. Implementations must treat
// stored checkpoints as immutable; Put with an existing ID is a no-op
// since checkpoints are content-addressed.
type CheckpointStore interface {
	// Put stores a checkpoint.
	Put(ctx context.Context, cp *Checkpoint) error

	// Get retrieves a checkpoint by ID.
	Get(ctx context.Context, id string) (*Checkpoint, error)

	// List returns metadata for all checkpoints of a plan, oldest first.
	List(ctx context.Context, planID string) ([]CheckpointMeta, error)
}

// AttemptLog records every dispatch attempt for audit and backoff
// calculations.
type AttemptLog interface {
	// Append records one attempt.
	Append(ctx context.Context, attempt *StepAttempt) error

	// List returns the attempts for a step, oldest first.
	List(ctx context.Context, planID, stepID string) ([]StepAttempt, error)
}

// EventPublisher receives progress events in state-commit order.
type EventPublisher interface {
	// Publish delivers one event. Publish must not block the caller
	// indefinitely; slow consumers are the publisher's problem.
	Publish(ctx context.Context, ev *Event) error
}

// DecisionPolicy decides the fate of a risky or dangerous step when no
// human is in the loop: the auto-approval path when intervention is
// disabled, and the fallback when an intervention request times out.
type DecisionPolicy interface {
	// Decide returns the resolution for the step.
	Decide(ctx context.Context, step *Step) (Decision, error)
}

// CompensationHandler undoes one kind of recorded side effect during
// rollback.
type CompensationHandler interface {
	// Kind returns the side-effect kind this handler compensates.
	Kind() string

	// Compensate performs the undo operation.
	Compensate(ctx context.Context, action CompensatingAction) error
}

// rejectAllPolicy is the fail-safe default when no policy engine is
// configured: every step requiring a decision is rejected.
type rejectAllPolicy struct{}

func (rejectAllPolicy) Decide(_ context.Context, step *Step) (Decision, error) {
	return Decision{
		Choice: ChoiceReject,
		Reason: "no decision policy configured; rejecting " + string(step.RiskLevel.Normalize()) + " step",
	}, nil
}

// ApproveAllPolicy approves every step. Useful for tests and for runs
// where risk gating is handled upstream.
type ApproveAllPolicy struct{}

// Decide implements DecisionPolicy.
func (ApproveAllPolicy) Decide(_ context.Context, _ *Step) (Decision, error) {
	return Decision{Choice: ChoiceApprove, Reason: "approve-all policy"}, nil
}
