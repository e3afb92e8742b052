package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxParallel is the worker-slot bound when Options does not
	// set one.
	DefaultMaxParallel = 10

	// maxBackoff caps the delay between retry attempts.
	maxBackoff = time.Minute
)

// Options configures a single plan run.
type Options struct {
	// MaxParallel bounds the number of concurrently running steps.
	// Zero means DefaultMaxParallel.
	MaxParallel int

	// CheckpointEvery takes a periodic checkpoint after every N step
	// completions. Zero disables periodic checkpoints; risky and
	// dangerous steps are still checkpointed before dispatch.
	CheckpointEvery int

	// DryRun simulates the run: executors receive DryRun=true, no
	// checkpoints are persisted and decision gates auto-approve.
	DryRun bool

	// FailFast stops dispatching new steps after the first terminal
	// failure of a non-best-effort step. Running steps drain normally.
	FailFast bool

	// InterventionEnabled routes risky and dangerous steps through the
	// intervention controller. When false the decision policy decides.
	InterventionEnabled bool

	// RollbackOnFailure rolls the run back to its latest checkpoint
	// when it ends failed.
	RollbackOnFailure bool
}

// Scheduler executes validated plans with dependency-respecting
// parallelism. All execution state is owned by the run loop goroutine;
// workers only execute steps and report completions over a channel, so
// no state mutation ever races. Steps that become ready at the same
// commit are dispatched in plan declaration order, which makes runs
// with deterministic executors reproducible.
type Scheduler struct {
	dispatcher   *StepDispatcher
	verifier     *ResultVerifier
	checkpoints  CheckpointStore
	events       EventPublisher
	intervention *InterventionController
	policy       DecisionPolicy
	rollback     *RollbackManager
	logger       zerolog.Logger
}

// NewScheduler creates a scheduler. checkpoints and events may be nil,
// in which case an in-memory store and no event delivery are used.
func NewScheduler(dispatcher *StepDispatcher, checkpoints CheckpointStore, events EventPublisher, logger zerolog.Logger) *Scheduler {
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpointStore()
	}
	return &Scheduler{
		dispatcher:  dispatcher,
		verifier:    NewResultVerifier(),
		checkpoints: checkpoints,
		events:      events,
		policy:      rejectAllPolicy{},
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// SetDecisionPolicy installs the policy consulted for risky and
// dangerous steps when intervention is disabled or times out.
func (s *Scheduler) SetDecisionPolicy(p DecisionPolicy) {
	if p != nil {
		s.policy = p
	}
}

// SetInterventionController installs the controller used when
// Options.InterventionEnabled is set.
func (s *Scheduler) SetInterventionController(c *InterventionController) {
	s.intervention = c
}

// SetRollbackManager installs the manager used by
// Options.RollbackOnFailure.
func (s *Scheduler) SetRollbackManager(m *RollbackManager) {
	s.rollback = m
}

// stepCompletion is a worker's report back to the run loop.
type stepCompletion struct {
	stepID   string
	result   *StepResult
	attempts int
}

// stepDecision is an intervention goroutine's report back to the run loop.
type stepDecision struct {
	stepID string
	choice Choice
	reason string
}

// runLoop holds the per-run mutable state. Only the owning goroutine
// inside Run touches it.
type runLoop struct {
	plan  *Plan
	opts  Options
	state *ExecutionState
	graph *execGraph

	readyQueue []string
	running    map[string]bool
	exclusive  string // ID of the running exclusive step, if any

	outputs map[string]string
	effects []CompensatingAction

	decided          map[string]Choice
	pendingDecisions int

	completions  chan stepCompletion
	decisions    chan stepDecision
	sinceCkpt    int
	cancelled    bool
	failFastHit  bool
	skippedCause map[string]string
}

// Run executes the plan to completion and returns the run record. The
// returned error covers engine-level failures (invalid plan, cancelled
// context); individual step failures are reported through the run
// status and summary, not as an error.
func (s *Scheduler) Run(ctx context.Context, plan *Plan, opts Options) (*Run, error) {
	if result := NewValidator(s.dispatcher.Kinds()).Validate(plan); !result.Valid {
		return nil, result.Error()
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}

	loop := &runLoop{
		plan:         plan,
		opts:         opts,
		state:        NewExecutionState(plan),
		graph:        newExecGraph(plan),
		running:      make(map[string]bool),
		outputs:      make(map[string]string),
		decided:      make(map[string]Choice),
		completions:  make(chan stepCompletion, len(plan.Steps)),
		decisions:    make(chan stepDecision, len(plan.Steps)),
		skippedCause: make(map[string]string),
	}

	s.logger.Info().
		Str("plan_id", plan.ID).
		Str("run_id", run.ID).
		Int("steps", len(plan.Steps)).
		Int("max_parallel", opts.MaxParallel).
		Bool("dry_run", opts.DryRun).
		Msg("starting plan run")
	s.publish(ctx, &Event{
		Type:    EventTypePlanStarted,
		PlanID:  plan.ID,
		Message: fmt.Sprintf("plan %s started", plan.ID),
		Data:    map[string]interface{}{"run_id": run.ID, "steps": len(plan.Steps), "dry_run": opts.DryRun},
	})

	s.enqueueReady(loop, loop.graph.initialReady())
	s.pump(ctx, loop)

	for len(loop.running) > 0 || loop.pendingDecisions > 0 || (!loop.cancelled && !loop.failFastHit && len(loop.readyQueue) > 0) {
		select {
		case c := <-loop.completions:
			s.handleCompletion(ctx, loop, c)

		case d := <-loop.decisions:
			s.handleDecision(ctx, loop, d)

		case <-ctx.Done():
			if !loop.cancelled {
				loop.cancelled = true
				s.logger.Warn().Str("plan_id", plan.ID).Msg("run cancelled, draining running steps")
				s.skipRemaining(ctx, loop, "run cancelled")
			}
		}
		s.pump(ctx, loop)
	}

	if loop.cancelled || loop.failFastHit {
		s.skipRemaining(ctx, loop, skipCauseFor(loop))
	}

	run.State = loop.state
	run.Summary = summarize(plan, loop.state)
	run.Status = s.finalStatus(plan, loop)
	now := time.Now()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt)

	s.publish(ctx, &Event{
		Type:    EventTypePlanCompleted,
		PlanID:  plan.ID,
		Message: fmt.Sprintf("plan %s completed: %s", plan.ID, run.Status),
		Data: map[string]interface{}{
			"run_id":    run.ID,
			"status":    string(run.Status),
			"succeeded": run.Summary.Succeeded,
			"failed":    run.Summary.Failed,
			"skipped":   run.Summary.Skipped,
			"duration":  run.Duration.String(),
		},
	})
	s.logger.Info().
		Str("plan_id", plan.ID).
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Dur("duration", run.Duration).
		Msg("plan run finished")

	if run.Status == RunStatusFailed && opts.RollbackOnFailure && s.rollback != nil && loop.state.LastCheckpointID != "" {
		result, err := s.rollback.RollbackTo(ctx, loop.state.LastCheckpointID, loop.effects)
		if err != nil {
			s.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("rollback on failure failed")
		}
		if result != nil {
			markRolledBack(loop.state, result)
			run.Summary = summarize(plan, loop.state)
		}
	}

	if loop.cancelled {
		return run, NewPermanentError("run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
	}
	return run, nil
}

// pump dispatches ready steps while worker slots remain. An exclusive
// step only starts once nothing else is running, and while queued at
// the head it holds the queue so it cannot be starved.
func (s *Scheduler) pump(ctx context.Context, loop *runLoop) {
	if loop.cancelled || loop.failFastHit {
		return
	}
	for len(loop.readyQueue) > 0 && len(loop.running) < loop.opts.MaxParallel {
		if loop.exclusive != "" {
			return
		}
		id := loop.readyQueue[0]
		step := loop.plan.StepByID(id)
		if step.Exclusive && (len(loop.running) > 0 || loop.pendingDecisions > 0) {
			return
		}
		loop.readyQueue = loop.readyQueue[1:]

		if step.RiskLevel.RequiresDecision() {
			if choice, ok := loop.decided[id]; ok {
				if choice != ChoiceApprove {
					continue
				}
			} else {
				s.requestDecision(ctx, loop, step)
				continue
			}
		}

		if step.RiskLevel.RequiresCheckpoint() {
			s.takeCheckpoint(ctx, loop, fmt.Sprintf("before %s step %s", step.RiskLevel.Normalize(), step.ID))
		}

		s.startStep(ctx, loop, step)
	}
}

// requestDecision gates a risky or dangerous step. With intervention
// enabled the request blocks a dedicated goroutine, not a worker slot;
// otherwise the decision policy answers inline.
func (s *Scheduler) requestDecision(ctx context.Context, loop *runLoop, step *Step) {
	if loop.opts.DryRun {
		loop.decided[step.ID] = ChoiceApprove
		s.enqueueReady(loop, []string{step.ID})
		return
	}

	if loop.opts.InterventionEnabled && s.intervention != nil {
		loop.pendingDecisions++
		req := &InterventionRequest{
			PlanID: loop.plan.ID,
			StepID: step.ID,
			Reason: fmt.Sprintf("%s step %q requires approval: %s", step.RiskLevel.Normalize(), step.ID, step.Description),
		}
		go func() {
			choice, err := s.intervention.Request(ctx, step, req)
			reason := "intervention"
			if err != nil {
				choice = ChoiceSkip
				reason = err.Error()
			}
			loop.decisions <- stepDecision{stepID: step.ID, choice: choice, reason: reason}
		}()
		return
	}

	decision, err := s.policy.Decide(ctx, step)
	if err != nil {
		s.logger.Error().Err(err).Str("step_id", step.ID).Msg("decision policy failed")
		decision = Decision{Choice: ChoiceReject, Reason: "decision policy error"}
	}
	s.applyDecision(ctx, loop, step.ID, decision.Choice, decision.Reason)
}

func (s *Scheduler) handleDecision(ctx context.Context, loop *runLoop, d stepDecision) {
	loop.pendingDecisions--
	s.applyDecision(ctx, loop, d.stepID, d.choice, d.reason)
}

func (s *Scheduler) applyDecision(ctx context.Context, loop *runLoop, stepID string, choice Choice, reason string) {
	loop.decided[stepID] = choice
	switch choice {
	case ChoiceApprove:
		// Back through the ready queue; the decided entry admits it.
		s.enqueueReady(loop, []string{stepID})

	case ChoiceReject:
		err := NewPermanentError(fmt.Sprintf("step rejected: %s", reason), nil).
			WithCode(ErrCodeInterventionDenied).WithStep(stepID)
		s.commitFailure(ctx, loop, stepID, &StepResult{StepID: stepID, Error: err})

	case ChoiceSkip:
		s.commitSkip(ctx, loop, stepID, reason)
		s.cascade(ctx, loop, stepID, false)
	}
}

// startStep marks the step running and hands it to a worker goroutine.
// Retries happen inside the worker; the loop only ever sees the final
// outcome of the attempt sequence.
func (s *Scheduler) startStep(ctx context.Context, loop *runLoop, step *Step) {
	loop.running[step.ID] = true
	if step.Exclusive {
		loop.exclusive = step.ID
	}
	loop.state.StepStatuses[step.ID] = StepStatusRunning

	ec := &ExecutionContext{
		PlanID:  loop.plan.ID,
		Goal:    loop.plan.Goal,
		Outputs: copyOutputs(loop.outputs),
		DryRun:  loop.opts.DryRun,
	}

	s.publish(ctx, &Event{
		Type:    EventTypeStepStarted,
		PlanID:  loop.plan.ID,
		StepID:  step.ID,
		Message: fmt.Sprintf("step %s started", step.ID),
		Data:    map[string]interface{}{"kind": step.Kind, "risk_level": string(step.RiskLevel.Normalize())},
	})

	go s.runStep(ctx, loop.plan.ID, step, ec, loop.completions)
}

// runStep executes the attempt loop for one step: dispatch, verify,
// back off and retry while the failure is retryable and the retry
// budget lasts.
func (s *Scheduler) runStep(ctx context.Context, planID string, step *Step, ec *ExecutionContext, completions chan<- stepCompletion) {
	var result *StepResult
	attempt := 0

	for {
		result = s.dispatcher.Dispatch(ctx, step, ec, attempt)

		if result.Success {
			if v := s.verifier.Verify(step, result); !v.Passed {
				result.Success = false
				result.Error = NewTransientError(
					fmt.Sprintf("verification failed: %s", v.Reason), nil,
				).WithCode(ErrCodeVerificationFailed).WithStep(step.ID)
			}
		}
		if result.Success {
			break
		}
		if result.NonRetryable || !IsRetryable(result.Error) || attempt >= step.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := calculateBackoff(result.Error.Class, attempt)
		s.logger.Warn().
			Str("plan_id", planID).
			Str("step_id", step.ID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Str("error", result.Error.Message).
			Msg("step attempt failed, retrying")
		s.publish(ctx, &Event{
			Type:    EventTypeStepRetrying,
			PlanID:  planID,
			StepID:  step.ID,
			Message: fmt.Sprintf("step %s retrying after failure (attempt %d)", step.ID, attempt+1),
			Data:    map[string]interface{}{"attempt": attempt + 1, "backoff": delay.String(), "error": result.Error.Message},
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			completions <- stepCompletion{stepID: step.ID, result: result, attempts: attempt + 1}
			return
		}
		attempt++
	}

	completions <- stepCompletion{stepID: step.ID, result: result, attempts: attempt + 1}
}

// handleCompletion commits a worker's final outcome into the state and
// advances the graph.
func (s *Scheduler) handleCompletion(ctx context.Context, loop *runLoop, c stepCompletion) {
	delete(loop.running, c.stepID)
	if loop.exclusive == c.stepID {
		loop.exclusive = ""
	}
	if c.attempts > 1 {
		loop.state.RetryCounts[c.stepID] = c.attempts - 1
	}

	step := loop.plan.StepByID(c.stepID)

	switch {
	case c.result.Success:
		loop.state.StepStatuses[c.stepID] = StepStatusSucceeded
		loop.state.CompletedSteps[c.stepID] = true
		loop.outputs[c.stepID] = c.result.Output
		loop.effects = append(loop.effects, c.result.SideEffects...)
		s.publish(ctx, &Event{
			Type:    EventTypeStepSucceeded,
			PlanID:  loop.plan.ID,
			StepID:  c.stepID,
			Message: fmt.Sprintf("step %s succeeded", c.stepID),
			Data:    map[string]interface{}{"kind": step.Kind, "attempts": c.attempts, "duration": c.result.Duration.String()},
		})
		s.cascade(ctx, loop, c.stepID, true)

	case loop.cancelled:
		// A drain casualty, not a real failure.
		s.commitSkip(ctx, loop, c.stepID, "run cancelled")

	default:
		s.commitFailure(ctx, loop, c.stepID, c.result)
		if loop.opts.FailFast && !step.BestEffort {
			loop.failFastHit = true
		}
	}

	loop.sinceCkpt++
	if loop.opts.CheckpointEvery > 0 && loop.sinceCkpt >= loop.opts.CheckpointEvery {
		s.takeCheckpoint(ctx, loop, fmt.Sprintf("after %d step completions", loop.opts.CheckpointEvery))
	}
}

// commitFailure marks a step terminally failed and cascades skips.
func (s *Scheduler) commitFailure(ctx context.Context, loop *runLoop, stepID string, result *StepResult) {
	loop.state.StepStatuses[stepID] = StepStatusFailed
	loop.state.FailedSteps[stepID] = true

	msg := "step failed"
	data := map[string]interface{}{}
	if step := loop.plan.StepByID(stepID); step != nil {
		data["kind"] = step.Kind
	}
	if result.Error != nil {
		msg = result.Error.Message
		data["error_class"] = string(result.Error.Class)
		data["error_code"] = result.Error.Code
	}
	data["error"] = msg
	if result.Duration > 0 {
		data["duration"] = result.Duration.String()
	}
	s.logger.Error().
		Str("plan_id", loop.plan.ID).
		Str("step_id", stepID).
		Str("error", msg).
		Msg("step failed terminally")
	s.publish(ctx, &Event{
		Type:    EventTypeStepFailed,
		PlanID:  loop.plan.ID,
		StepID:  stepID,
		Message: fmt.Sprintf("step %s failed: %s", stepID, msg),
		Data:    data,
	})
	s.cascade(ctx, loop, stepID, false)
}

// commitSkip marks a step skipped without touching the graph.
func (s *Scheduler) commitSkip(ctx context.Context, loop *runLoop, stepID, reason string) {
	loop.state.StepStatuses[stepID] = StepStatusSkipped
	loop.skippedCause[stepID] = reason
	s.publish(ctx, &Event{
		Type:    EventTypeStepSkipped,
		PlanID:  loop.plan.ID,
		StepID:  stepID,
		Message: fmt.Sprintf("step %s skipped: %s", stepID, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

// cascade advances the graph past a terminal step: newly ready steps
// join the queue, dependents of failures are skipped transitively.
func (s *Scheduler) cascade(ctx context.Context, loop *runLoop, stepID string, succeeded bool) {
	ready, skipped := loop.graph.markTerminal(stepID, succeeded)
	for _, id := range skipped {
		s.commitSkip(ctx, loop, id, fmt.Sprintf("dependency failure upstream of %s", id))
	}
	s.enqueueReady(loop, ready)
}

// enqueueReady admits steps to the ready queue in declaration order.
func (s *Scheduler) enqueueReady(loop *runLoop, ids []string) {
	for _, id := range ids {
		if loop.state.StepStatuses[id] != StepStatusPending {
			// Re-admission after an approval decision.
			if loop.state.StepStatuses[id] != StepStatusReady {
				continue
			}
		}
		loop.state.StepStatuses[id] = StepStatusReady
		loop.readyQueue = append(loop.readyQueue, id)
	}
	sort.Slice(loop.readyQueue, func(i, j int) bool {
		return loop.graph.declarationIndex(loop.readyQueue[i]) < loop.graph.declarationIndex(loop.readyQueue[j])
	})
}

// skipRemaining marks every step that never reached a terminal state
// and is not currently running as skipped.
func (s *Scheduler) skipRemaining(ctx context.Context, loop *runLoop, reason string) {
	loop.readyQueue = nil
	for i := range loop.plan.Steps {
		id := loop.plan.Steps[i].ID
		if loop.running[id] {
			continue
		}
		if status := loop.state.StepStatuses[id]; !status.IsTerminal() {
			s.commitSkip(ctx, loop, id, reason)
		}
	}
}

// takeCheckpoint snapshots the state and side-effect log. Dry runs
// never persist checkpoints.
func (s *Scheduler) takeCheckpoint(ctx context.Context, loop *runLoop, reason string) {
	if loop.opts.DryRun {
		return
	}
	cp, err := NewCheckpoint(loop.state, loop.effects, reason)
	if err != nil {
		s.logger.Error().Err(err).Str("plan_id", loop.plan.ID).Msg("failed to build checkpoint")
		return
	}
	if err := s.checkpoints.Put(ctx, cp); err != nil {
		s.logger.Error().Err(err).Str("checkpoint_id", cp.ID).Msg("failed to store checkpoint")
		return
	}
	loop.state.LastCheckpointID = cp.ID
	loop.sinceCkpt = 0
	s.publish(ctx, &Event{
		Type:    EventTypeCheckpointCreated,
		PlanID:  loop.plan.ID,
		Message: fmt.Sprintf("checkpoint created: %s", reason),
		Data:    map[string]interface{}{"checkpoint_id": cp.ID, "reason": reason},
	})
}

// finalStatus derives the terminal run status. Only best-effort
// casualties downgrade success to partial; anything else failing or
// being skipped fails the run.
func (s *Scheduler) finalStatus(plan *Plan, loop *runLoop) RunStatus {
	if loop.cancelled {
		return RunStatusCancelled
	}
	bestEffortCasualties := false
	for i := range plan.Steps {
		step := &plan.Steps[i]
		status := loop.state.StepStatuses[step.ID]
		if status == StepStatusSucceeded {
			continue
		}
		if step.BestEffort {
			bestEffortCasualties = true
			continue
		}
		return RunStatusFailed
	}
	if bestEffortCasualties {
		return RunStatusPartial
	}
	return RunStatusSucceeded
}

func (s *Scheduler) publish(ctx context.Context, ev *Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish event")
	}
}

// calculateBackoff returns the delay before retry attempt n, doubling
// per attempt with jitter. Throttled errors start from a longer base.
func calculateBackoff(class ErrorClass, attempt int) time.Duration {
	base := 500 * time.Millisecond
	if class == ErrorClassThrottled {
		base = 2 * time.Second
	}
	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	// Up to 25% jitter to decorrelate concurrent retries.
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	delay += jitter
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

// markRolledBack records in the run's final state which steps had
// their side effects compensated. Only steps that finished the run are
// demoted; compensation failures leave the original status in place so
// the record shows what still needs manual cleanup.
func markRolledBack(state *ExecutionState, result *RollbackResult) {
	for _, cr := range result.Compensated {
		if !cr.Success {
			continue
		}
		if status, ok := state.StepStatuses[cr.Action.StepID]; ok && status.IsTerminal() {
			state.StepStatuses[cr.Action.StepID] = StepStatusRolledBack
		}
	}
}

func summarize(plan *Plan, state *ExecutionState) RunSummary {
	sum := RunSummary{Total: len(plan.Steps)}
	for _, status := range state.StepStatuses {
		switch status {
		case StepStatusSucceeded:
			sum.Succeeded++
		case StepStatusFailed:
			sum.Failed++
		case StepStatusSkipped, StepStatusRolledBack:
			sum.Skipped++
		case StepStatusRunning:
			sum.Running++
		default:
			sum.Pending++
		}
	}
	return sum
}

func copyOutputs(outputs map[string]string) map[string]string {
	c := make(map[string]string, len(outputs))
	for k, v := range outputs {
		c[k] = v
	}
	return c
}

func skipCauseFor(loop *runLoop) string {
	if loop.cancelled {
		return "run cancelled"
	}
	return "fail-fast after step failure"
}
