package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration with JSON support for human-readable
// values such as "30s" or "5m" in plan files. A bare number is
// interpreted as nanoseconds for compatibility with time.Duration.
type Duration time.Duration

// MarshalJSON encodes the duration as a string (e.g. "30s").
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t))
		return nil
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}

// Plan is a validated DAG of steps representing one multi-step goal.
// A Plan is immutable once it has passed validation; replanning
// produces a new Plan rather than mutating an existing one.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id" validate:"required"`

	// Goal is the natural-language goal this plan was generated for.
	Goal string `json:"goal"`

	// Steps are the units of work, in declaration order. Declaration
	// order is a contract: steps that become ready simultaneously are
	// dispatched in this order.
	Steps []Step `json:"steps" validate:"dive"`

	// CreatedAt is when the plan was produced by the planner.
	CreatedAt time.Time `json:"created_at"`
}

// StepByID returns the step with the given ID, or nil.
func (p *Plan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Step is an atomic unit of work with declared dependencies and
// success criteria. Steps are owned exclusively by their Plan and
// never shared across plans. Execution status is not stored here; it
// lives in the scheduler-owned ExecutionState.
type Step struct {
	// ID is the unique identifier for this step within the plan.
	ID string `json:"id" validate:"required"`

	// Description is a human-readable summary of the work.
	Description string `json:"description"`

	// Kind selects the StepExecutor capability that runs this step.
	Kind string `json:"kind" validate:"required"`

	// Parameters is the opaque payload handed to the executor.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// DependsOn lists step IDs that must succeed before this step runs.
	DependsOn []string `json:"depends_on,omitempty"`

	// Exclusive marks a step that must not run concurrently with any
	// other step (canRunInParallel=false). Evaluated at dispatch time,
	// not encoded in the DAG.
	Exclusive bool `json:"exclusive,omitempty"`

	// BestEffort makes the step tolerant of upstream failure: it
	// becomes ready once all its dependencies reach a terminal state,
	// failed or succeeded, and its own failure does not fail the plan.
	BestEffort bool `json:"best_effort,omitempty"`

	// RiskLevel classifies how dangerous the step is. Risky and
	// dangerous steps are checkpointed before dispatch and are subject
	// to intervention when intervention is enabled. An empty value is
	// treated as safe.
	RiskLevel RiskLevel `json:"risk_level,omitempty" validate:"omitempty,oneof=safe risky dangerous"`

	// SuccessCriteria are evaluated against the step result by the
	// result verifier. A step with no criteria is verified solely by
	// the executor-reported success flag.
	SuccessCriteria []Criterion `json:"success_criteria,omitempty" validate:"dive"`

	// MaxRetries is the number of retry attempts after the initial one.
	MaxRetries int `json:"max_retries,omitempty" validate:"gte=0"`

	// Timeout bounds a single dispatch attempt. Zero means the
	// scheduler default applies.
	Timeout Duration `json:"timeout,omitempty"`
}

// CriterionType identifies how a success criterion is evaluated.
type CriterionType string

const (
	// CriterionOutputContains passes when the step output contains the value.
	CriterionOutputContains CriterionType = "output_contains"

	// CriterionOutputEquals passes when the step output equals the value exactly.
	CriterionOutputEquals CriterionType = "output_equals"

	// CriterionOutputMatches passes when the step output matches the value
	// interpreted as a regular expression.
	CriterionOutputMatches CriterionType = "output_matches"

	// CriterionErrorAbsent passes when the result carries no error.
	CriterionErrorAbsent CriterionType = "error_absent"
)

// Criterion is one declared success condition for a step.
type Criterion struct {
	// Type selects the evaluation strategy.
	Type CriterionType `json:"type" validate:"required"`

	// Value is the expected value or pattern; unused by error_absent.
	Value string `json:"value,omitempty"`
}

// ExecutionState is the mutable, engine-owned aggregate tracking one
// plan run. It is the single source of truth mutated exclusively by
// the scheduler's owning goroutine; checkpoints snapshot it.
type ExecutionState struct {
	// PlanID identifies the plan this state belongs to.
	PlanID string `json:"plan_id"`

	// StepStatuses maps step IDs to their current status.
	StepStatuses map[string]StepStatus `json:"step_statuses"`

	// RetryCounts maps step IDs to the number of retries consumed.
	RetryCounts map[string]int `json:"retry_counts"`

	// CompletedSteps is the set of steps that reached succeeded.
	CompletedSteps map[string]bool `json:"completed_steps"`

	// FailedSteps is the set of steps that reached terminal failed.
	FailedSteps map[string]bool `json:"failed_steps"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// LastCheckpointID is the most recent checkpoint taken, if any.
	LastCheckpointID string `json:"last_checkpoint_id,omitempty"`
}

// NewExecutionState initializes state for a plan with every step pending.
func NewExecutionState(plan *Plan) *ExecutionState {
	s := &ExecutionState{
		PlanID:         plan.ID,
		StepStatuses:   make(map[string]StepStatus, len(plan.Steps)),
		RetryCounts:    make(map[string]int),
		CompletedSteps: make(map[string]bool),
		FailedSteps:    make(map[string]bool),
		StartedAt:      time.Now(),
	}
	for i := range plan.Steps {
		s.StepStatuses[plan.Steps[i].ID] = StepStatusPending
	}
	return s
}

// Clone returns a deep copy suitable for checkpointing.
func (s *ExecutionState) Clone() *ExecutionState {
	c := &ExecutionState{
		PlanID:           s.PlanID,
		StepStatuses:     make(map[string]StepStatus, len(s.StepStatuses)),
		RetryCounts:      make(map[string]int, len(s.RetryCounts)),
		CompletedSteps:   make(map[string]bool, len(s.CompletedSteps)),
		FailedSteps:      make(map[string]bool, len(s.FailedSteps)),
		StartedAt:        s.StartedAt,
		LastCheckpointID: s.LastCheckpointID,
	}
	for k, v := range s.StepStatuses {
		c.StepStatuses[k] = v
	}
	for k, v := range s.RetryCounts {
		c.RetryCounts[k] = v
	}
	for k := range s.CompletedSteps {
		c.CompletedSteps[k] = true
	}
	for k := range s.FailedSteps {
		c.FailedSteps[k] = true
	}
	return c
}

// Checkpoint is an immutable, content-addressed snapshot of execution
// state usable for rollback. Created by the scheduler, read by the
// rollback manager, never mutated after creation.
type Checkpoint struct {
	// ID is the content address of the snapshot: a sha256 over the
	// canonical JSON of plan ID, state, side-effect log and reason.
	ID string `json:"id"`

	// PlanID identifies the plan this checkpoint belongs to.
	PlanID string `json:"plan_id"`

	// State is the execution state snapshot at checkpoint time.
	State *ExecutionState `json:"state"`

	// SideEffects is the compensating-action log accumulated up to
	// checkpoint time, in chronological order.
	SideEffects []CompensatingAction `json:"side_effects"`

	// CreatedAt is when the checkpoint was taken.
	CreatedAt time.Time `json:"created_at"`

	// Reason records why the checkpoint was taken.
	Reason string `json:"reason"`
}

// CheckpointMeta is the listing view of a checkpoint.
type CheckpointMeta struct {
	ID        string    `json:"id"`
	PlanID    string    `json:"plan_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the listing view of the checkpoint.
func (c *Checkpoint) Meta() CheckpointMeta {
	return CheckpointMeta{ID: c.ID, PlanID: c.PlanID, Reason: c.Reason, CreatedAt: c.CreatedAt}
}

// CompensatingAction is an operation that undoes an external side
// effect of a previously succeeded step. Recorded by the dispatcher
// when an executor reports side effects, replayed in reverse order by
// the rollback manager.
type CompensatingAction struct {
	// StepID is the step whose effect this action compensates.
	StepID string `json:"step_id"`

	// Kind selects the CompensationHandler that performs the undo.
	Kind string `json:"kind"`

	// Parameters is the opaque payload for the handler.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Description is a human-readable summary, e.g. "delete created file X".
	Description string `json:"description"`

	// RecordedAt is when the side effect was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}

// StepResult is the outcome of a single dispatch attempt. Produced
// once per attempt and never mutated; appended to the attempt log for
// audit and retry-backoff decisions.
type StepResult struct {
	// StepID is the step this result belongs to.
	StepID string `json:"step_id"`

	// Success is the executor-reported success flag. The result
	// verifier may still fail the step despite Success being true.
	Success bool `json:"success"`

	// Output is the observable output of the attempt.
	Output string `json:"output,omitempty"`

	// Error is the classified failure, if any.
	Error *EngineError `json:"error,omitempty"`

	// NonRetryable is set by executors that must not be retried
	// regardless of error class.
	NonRetryable bool `json:"non_retryable,omitempty"`

	// SideEffects are compensating actions for external side effects
	// produced by this attempt, recorded so rollback has something to
	// undo beyond in-memory state.
	SideEffects []CompensatingAction `json:"side_effects,omitempty"`

	// Duration is how long the attempt took.
	Duration time.Duration `json:"duration"`
}

// StepAttempt is one audit-log entry: a dispatch attempt and its result.
type StepAttempt struct {
	// PlanID identifies the plan the attempt belongs to.
	PlanID string `json:"plan_id"`

	// StepID identifies the step.
	StepID string `json:"step_id"`

	// Attempt is the zero-based attempt number.
	Attempt int `json:"attempt"`

	// Result is the attempt outcome.
	Result *StepResult `json:"result"`

	// StartedAt is when the attempt was dispatched.
	StartedAt time.Time `json:"started_at"`
}

// VerificationResult is the verifier's judgement of a step result.
type VerificationResult struct {
	// Passed is true when every declared criterion held.
	Passed bool `json:"passed"`

	// Reason explains a failed verification.
	Reason string `json:"reason,omitempty"`
}

// Choice is a resolution option for an intervention request.
type Choice string

const (
	// ChoiceApprove admits the step to dispatch.
	ChoiceApprove Choice = "approve"

	// ChoiceReject fails the step without dispatching it.
	ChoiceReject Choice = "reject"

	// ChoiceSkip marks the step skipped without dispatching it.
	ChoiceSkip Choice = "skip"
)

// Valid reports whether the choice is one of the known resolutions.
func (c Choice) Valid() bool {
	return c == ChoiceApprove || c == ChoiceReject || c == ChoiceSkip
}

// InterventionRequest asks an external actor to decide whether a
// risky or dangerous step may proceed. Resolved exactly once.
type InterventionRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"id"`

	// PlanID identifies the plan the request belongs to.
	PlanID string `json:"plan_id"`

	// StepID identifies the suspended step.
	StepID string `json:"step_id"`

	// Reason explains why intervention was requested.
	Reason string `json:"reason"`

	// Options are the resolutions the actor may pick from.
	Options []Choice `json:"options"`

	// CreatedAt is when the request was raised.
	CreatedAt time.Time `json:"created_at"`
}

// Decision is the outcome of consulting a DecisionPolicy.
type Decision struct {
	// Choice is the selected resolution.
	Choice Choice `json:"choice"`

	// Reason explains the decision.
	Reason string `json:"reason,omitempty"`
}

// Run records one execution of a plan.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the plan that was executed.
	PlanID string `json:"plan_id"`

	// Status is the terminal (or current) run status.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Summary provides per-status step counts.
	Summary RunSummary `json:"summary"`

	// State is the final execution state of the run.
	State *ExecutionState `json:"state,omitempty"`
}

// RunSummary provides per-status step counts for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
}

// Event is one entry in the ordered progress event stream. Delivery
// order matches the order state changes are committed by the
// scheduler's owning goroutine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event was committed.
	Timestamp time.Time `json:"timestamp"`

	// PlanID is the plan the event belongs to.
	PlanID string `json:"plan_id"`

	// StepID is the step the event concerns, if any.
	StepID string `json:"step_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Data carries event-specific payload fields.
	Data map[string]interface{} `json:"data,omitempty"`
}
