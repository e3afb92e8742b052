package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// NewCheckpoint builds a content-addressed checkpoint from the current
// execution state and side-effect log. The ID is the sha256 of the
// canonical JSON encoding of everything except CreatedAt, so the same
// logical snapshot always hashes to the same ID and a corrupted record
// is detectable by rehashing.
func NewCheckpoint(state *ExecutionState, effects []CompensatingAction, reason string) (*Checkpoint, error) {
	snapshot := state.Clone()
	logCopy := make([]CompensatingAction, len(effects))
	copy(logCopy, effects)

	id, err := checkpointID(snapshot, logCopy, reason)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		ID:          id,
		PlanID:      snapshot.PlanID,
		State:       snapshot,
		SideEffects: logCopy,
		CreatedAt:   time.Now(),
		Reason:      reason,
	}, nil
}

// VerifyCheckpoint rehashes a checkpoint's content and reports whether
// it still matches the stored ID.
func VerifyCheckpoint(cp *Checkpoint) error {
	id, err := checkpointID(cp.State, cp.SideEffects, cp.Reason)
	if err != nil {
		return err
	}
	if id != cp.ID {
		return NewPermanentError(fmt.Sprintf("checkpoint %s content hash mismatch", cp.ID), nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func checkpointID(state *ExecutionState, effects []CompensatingAction, reason string) (string, error) {
	content := struct {
		PlanID      string               `json:"plan_id"`
		State       *ExecutionState      `json:"state"`
		SideEffects []CompensatingAction `json:"side_effects"`
		Reason      string               `json:"reason"`
	}{
		PlanID:      state.PlanID,
		State:       state,
		SideEffects: effects,
		Reason:      reason,
	}
	data, err := json.Marshal(content)
	if err != nil {
		return "", NewPermanentError("failed to encode checkpoint content", err).WithCode(ErrCodeInternal)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
