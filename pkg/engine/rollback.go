package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CompensationResult records the outcome of undoing a single side
// effect during a rollback.
type CompensationResult struct {
	Action  CompensatingAction `json:"action"`
	Success bool               `json:"success"`
	Error   string             `json:"error,omitempty"`
}

// RollbackResult summarizes a rollback: the restored state, per-action
// compensation outcomes, and whether any compensation failed. A
// partial rollback still restores the state snapshot; the caller
// decides whether leftover effects need manual cleanup.
type RollbackResult struct {
	CheckpointID string               `json:"checkpoint_id"`
	State        *ExecutionState      `json:"state"`
	Compensated  []CompensationResult `json:"compensated"`
	Partial      bool                 `json:"partial"`
	Duration     time.Duration        `json:"duration"`
}

// RollbackManager restores execution state to a checkpoint and
// compensates side effects recorded after it. Compensation handlers
// are registered per action kind; an action without a handler fails
// that compensation but does not abort the rest of the rollback.
type RollbackManager struct {
	store    CheckpointStore
	handlers map[string]CompensationHandler
	events   EventPublisher
	logger   zerolog.Logger
}

// NewRollbackManager creates a manager over the given checkpoint store.
func NewRollbackManager(store CheckpointStore, handlers []CompensationHandler, events EventPublisher, logger zerolog.Logger) *RollbackManager {
	m := &RollbackManager{
		store:    store,
		handlers: make(map[string]CompensationHandler),
		events:   events,
		logger:   logger.With().Str("component", "rollback").Logger(),
	}
	for _, h := range handlers {
		m.handlers[h.Kind()] = h
	}
	return m
}

// RegisterHandler adds or replaces the compensation handler for a kind.
func (m *RollbackManager) RegisterHandler(h CompensationHandler) {
	m.handlers[h.Kind()] = h
}

// RollbackTo loads a checkpoint by ID and rolls back to it. effects is
// the full current side-effect log; only the suffix recorded after the
// checkpoint is compensated, in reverse order.
func (m *RollbackManager) RollbackTo(ctx context.Context, checkpointID string, effects []CompensatingAction) (*RollbackResult, error) {
	cp, err := m.store.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return m.Rollback(ctx, cp, effects)
}

// Rollback restores the checkpoint's state snapshot and compensates
// every side effect recorded after the checkpoint was taken, newest
// first. Steps that were running when the snapshot was captured come
// back as pending so a resumed run re-executes them.
func (m *RollbackManager) Rollback(ctx context.Context, cp *Checkpoint, effects []CompensatingAction) (*RollbackResult, error) {
	if err := VerifyCheckpoint(cp); err != nil {
		return nil, err
	}
	if len(effects) < len(cp.SideEffects) {
		return nil, NewPermanentError(
			fmt.Sprintf("side-effect log shorter than checkpoint %s baseline (%d < %d)",
				cp.ID, len(effects), len(cp.SideEffects)), nil).WithCode(ErrCodeValidation)
	}

	start := time.Now()
	m.logger.Info().
		Str("checkpoint_id", cp.ID).
		Str("plan_id", cp.PlanID).
		Int("effects_to_undo", len(effects)-len(cp.SideEffects)).
		Msg("starting rollback")
	m.publish(ctx, EventTypeRollbackStarted, cp, fmt.Sprintf("rolling back to checkpoint %s", cp.ID))

	result := &RollbackResult{CheckpointID: cp.ID}

	undo := effects[len(cp.SideEffects):]
	for i := len(undo) - 1; i >= 0; i-- {
		action := undo[i]
		cr := CompensationResult{Action: action}
		if h, ok := m.handlers[action.Kind]; ok {
			if err := h.Compensate(ctx, action); err != nil {
				cr.Error = err.Error()
				result.Partial = true
				m.logger.Error().Err(err).
					Str("step_id", action.StepID).
					Str("kind", action.Kind).
					Msg("compensation failed")
			} else {
				cr.Success = true
			}
		} else {
			cr.Error = fmt.Sprintf("no compensation handler for kind %q", action.Kind)
			result.Partial = true
			m.logger.Warn().
				Str("step_id", action.StepID).
				Str("kind", action.Kind).
				Msg("no compensation handler registered")
		}
		result.Compensated = append(result.Compensated, cr)

		select {
		case <-ctx.Done():
			result.Partial = true
			result.State = restoredState(cp)
			result.Duration = time.Since(start)
			return result, NewPermanentError("rollback cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
		default:
		}
	}

	result.State = restoredState(cp)
	result.Duration = time.Since(start)

	msg := fmt.Sprintf("rollback to checkpoint %s completed", cp.ID)
	if result.Partial {
		msg = fmt.Sprintf("rollback to checkpoint %s completed with compensation failures", cp.ID)
	}
	m.publishCompleted(ctx, cp, msg, result.Partial)
	m.logger.Info().
		Str("checkpoint_id", cp.ID).
		Bool("partial", result.Partial).
		Dur("duration", result.Duration).
		Msg("rollback finished")
	return result, nil
}

// restoredState clones the checkpoint snapshot and demotes any step
// captured mid-flight back to pending.
func restoredState(cp *Checkpoint) *ExecutionState {
	state := cp.State.Clone()
	for id, status := range state.StepStatuses {
		if status == StepStatusRunning || status == StepStatusReady {
			state.StepStatuses[id] = StepStatusPending
		}
	}
	state.LastCheckpointID = cp.ID
	return state
}

func (m *RollbackManager) publish(ctx context.Context, t EventType, cp *Checkpoint, msg string) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, &Event{
		Type:    t,
		PlanID:  cp.PlanID,
		Message: msg,
		Data:    map[string]interface{}{"checkpoint_id": cp.ID},
	})
}

func (m *RollbackManager) publishCompleted(ctx context.Context, cp *Checkpoint, msg string, partial bool) {
	if m.events == nil {
		return
	}
	_ = m.events.Publish(ctx, &Event{
		Type:    EventTypeRollbackCompleted,
		PlanID:  cp.PlanID,
		Message: msg,
		Data:    map[string]interface{}{"checkpoint_id": cp.ID, "partial": partial},
	})
}
