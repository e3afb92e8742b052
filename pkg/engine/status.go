package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the execution status of a step. Transitions
// are strictly forward (pending -> ready -> running -> terminal)
// except for rollback, which resets affected steps to pending.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting on dependencies.
	StepStatusPending StepStatus = "pending"

	// StepStatusReady indicates every dependency is satisfied and the
	// step is eligible for dispatch.
	StepStatusReady StepStatus = "ready"

	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed and verified.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed terminally.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was not dispatched, because
	// an upstream dependency failed, an intervention skipped it, or
	// the run was cancelled.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusRolledBack indicates the step's side effects were
	// compensated by a rollback.
	StepStatusRolledBack StepStatus = "rolled_back"
)

// IsTerminal returns true if the status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusRolledBack
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusReady, StepStatusRunning,
		StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// UnmarshalJSON implements JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// RunStatus represents the overall status of a plan run.
type RunStatus string

const (
	// RunStatusPending indicates the run has not started yet.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every non-best-effort step succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one non-best-effort step
	// ended failed or skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates only best-effort steps failed.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// RiskLevel classifies how dangerous a step is.
type RiskLevel string

const (
	// RiskSafe steps dispatch without checkpoints or intervention.
	RiskSafe RiskLevel = "safe"

	// RiskRisky steps are checkpointed before dispatch and are subject
	// to intervention.
	RiskRisky RiskLevel = "risky"

	// RiskDangerous steps are checkpointed and always require an
	// explicit decision before dispatch.
	RiskDangerous RiskLevel = "dangerous"
)

// Normalize maps an empty risk level to safe.
func (r RiskLevel) Normalize() RiskLevel {
	if r == "" {
		return RiskSafe
	}
	return r
}

// RequiresCheckpoint returns true for risky and dangerous steps.
func (r RiskLevel) RequiresCheckpoint() bool {
	n := r.Normalize()
	return n == RiskRisky || n == RiskDangerous
}

// RequiresDecision returns true for steps that must pass an
// intervention or policy decision before dispatch.
func (r RiskLevel) RequiresDecision() bool {
	return r.RequiresCheckpoint()
}

// Validate checks if the risk level is valid.
func (r RiskLevel) Validate() error {
	switch r {
	case "", RiskSafe, RiskRisky, RiskDangerous:
		return nil
	default:
		return fmt.Errorf("invalid risk level: %s", r)
	}
}

// EventType represents the type of a progress event.
type EventType string

const (
	// EventTypePlanStarted indicates a plan run has started.
	EventTypePlanStarted EventType = "plan.started"

	// EventTypePlanCompleted indicates a plan run reached a terminal status.
	EventTypePlanCompleted EventType = "plan.completed"

	// EventTypeStepStarted indicates a step was dispatched.
	EventTypeStepStarted EventType = "step.started"

	// EventTypeStepSucceeded indicates a step succeeded and verified.
	EventTypeStepSucceeded EventType = "step.succeeded"

	// EventTypeStepFailed indicates a step failed terminally.
	EventTypeStepFailed EventType = "step.failed"

	// EventTypeStepSkipped indicates a step was skipped.
	EventTypeStepSkipped EventType = "step.skipped"

	// EventTypeStepRetrying indicates a failed attempt will be retried.
	EventTypeStepRetrying EventType = "step.retrying"

	// EventTypeCheckpointCreated indicates a checkpoint was stored.
	EventTypeCheckpointCreated EventType = "checkpoint.created"

	// EventTypeInterventionRequested indicates a step is suspended
	// awaiting an external decision.
	EventTypeInterventionRequested EventType = "intervention.requested"

	// EventTypeInterventionResolved indicates a request was resolved.
	EventTypeInterventionResolved EventType = "intervention.resolved"

	// EventTypeRollbackStarted indicates a rollback began.
	EventTypeRollbackStarted EventType = "rollback.started"

	// EventTypeRollbackCompleted indicates a rollback finished.
	EventTypeRollbackCompleted EventType = "rollback.completed"
)

// Severity returns the log severity associated with the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeStepFailed:
		return "error"
	case EventTypeStepRetrying, EventTypeStepSkipped, EventTypeRollbackStarted:
		return "warning"
	default:
		return "info"
	}
}
