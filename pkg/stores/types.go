package stores

import (
	"time"
)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RunRecord is the persisted view of a run, as listed by ListRuns.
type RunRecord struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    int64      `json:"duration_ms"`
}

// Intervention record statuses.
const (
	InterventionStatusPending  = "pending"
	InterventionStatusResolved = "resolved"
	InterventionStatusApplied  = "applied"
)

// InterventionRecord is the persisted view of an intervention request.
// Pending records await an external decision; resolved records carry a
// choice that the running scheduler has not consumed yet.
type InterventionRecord struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	StepID      string     `json:"step_id"`
	Reason      string     `json:"reason"`
	Options     []string   `json:"options"`
	Status      string     `json:"status"`
	Choice      string     `json:"choice,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// EventRecord is the persisted view of a progress event.
type EventRecord struct {
	Seq       int64     `json:"seq"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	PlanID    string    `json:"plan_id"`
	StepID    string    `json:"step_id,omitempty"`
	Message   string    `json:"message"`
	Data      string    `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
