package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StepDispatcher invokes the StepExecutor capability for a single step
// attempt and normalizes its outcome into a StepResult. The executor
// table is resolved once at construction; unknown kinds are rejected
// earlier, at plan validation time.
type StepDispatcher struct {
	executors      map[string]StepExecutor
	attempts       AttemptLog
	defaultTimeout time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer
}

// NewStepDispatcher creates a dispatcher over the given executors.
// defaultTimeout bounds attempts of steps that declare no timeout of
// their own; zero means one minute.
func NewStepDispatcher(executors []StepExecutor, attempts AttemptLog, defaultTimeout time.Duration, logger zerolog.Logger) *StepDispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	if attempts == nil {
		attempts = NewMemoryAttemptLog()
	}
	table := make(map[string]StepExecutor, len(executors))
	for _, ex := range executors {
		table[ex.Kind()] = ex
	}
	return &StepDispatcher{
		executors:      table,
		attempts:       attempts,
		defaultTimeout: defaultTimeout,
		logger:         logger.With().Str("component", "dispatcher").Logger(),
		tracer:         otel.Tracer("loom/engine"),
	}
}

// Kinds returns the registered step kinds, for validation.
func (d *StepDispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.executors))
	for k := range d.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Dispatch runs one attempt of the step and returns a normalized
// result. It never returns an error result as a Go error: executor
// failures, panics upstream of the boundary, and timeouts all come
// back as StepResult values. The attempt is appended to the attempt
// log as a side effect.
func (d *StepDispatcher) Dispatch(ctx context.Context, step *Step, ec *ExecutionContext, attempt int) *StepResult {
	timeout := time.Duration(step.Timeout)
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	spanCtx, span := d.tracer.Start(execCtx, "step.dispatch",
		trace.WithAttributes(
			attribute.String("plan.id", ec.PlanID),
			attribute.String("step.id", step.ID),
			attribute.String("step.kind", step.Kind),
			attribute.Int("step.attempt", attempt),
		))
	defer span.End()

	startedAt := time.Now()
	result := d.execute(spanCtx, step, ec)
	result.StepID = step.ID
	result.Duration = time.Since(startedAt)

	if !result.Success {
		if result.Error == nil {
			result.Error = NewPermanentError("executor reported failure without error", nil).
				WithCode(ErrCodeExecutorFailed).WithStep(step.ID)
		}
		// A timeout is a transient failure eligible for retry.
		if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Error = NewTransientError(
				fmt.Sprintf("step timed out after %s", timeout), result.Error,
			).WithCode(ErrCodeTimeout).WithStep(step.ID)
		}
		span.SetStatus(codes.Error, result.Error.Message)
	}

	if err := d.attempts.Append(ctx, &StepAttempt{
		PlanID:    ec.PlanID,
		StepID:    step.ID,
		Attempt:   attempt,
		Result:    result,
		StartedAt: startedAt,
	}); err != nil {
		d.logger.Warn().Err(err).Str("step_id", step.ID).Msg("failed to append attempt log entry")
	}

	return result
}

// execute invokes the executor and normalizes any returned error.
func (d *StepDispatcher) execute(ctx context.Context, step *Step, ec *ExecutionContext) *StepResult {
	executor, ok := d.executors[step.Kind]
	if !ok {
		// Defensive: validation rejects unknown kinds before scheduling.
		return &StepResult{
			Success: false,
			Error: NewPermanentError(fmt.Sprintf("no executor for kind %q", step.Kind), nil).
				WithCode(ErrCodeInternal).WithStep(step.ID),
		}
	}

	result, err := executor.Execute(ctx, step, ec)
	if err != nil {
		norm := &StepResult{Success: false}
		if result != nil {
			norm.Output = result.Output
			norm.NonRetryable = result.NonRetryable
		}
		var engineErr *EngineError
		if errors.As(err, &engineErr) {
			norm.Error = engineErr
		} else {
			norm.Error = NewPermanentError("executor failed", err).
				WithCode(ErrCodeExecutorFailed).WithStep(step.ID)
		}
		return norm
	}
	if result == nil {
		return &StepResult{
			Success: false,
			Error: NewPermanentError("executor returned no result", nil).
				WithCode(ErrCodeExecutorFailed).WithStep(step.ID),
		}
	}
	return result
}
