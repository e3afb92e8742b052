package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the durable persistence layer: checkpoints, attempt
// audit log, run records and progress events, all in one SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded SQL files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Checkpoints returns the engine.CheckpointStore view of the store.
func (s *SQLiteStore) Checkpoints() engine.CheckpointStore {
	return &checkpointStore{db: s.db}
}

// Attempts returns the engine.AttemptLog view of the store.
func (s *SQLiteStore) Attempts() engine.AttemptLog {
	return &attemptLog{db: s.db}
}

// Events returns an engine.EventPublisher that persists every event
// into the append-only events table.
func (s *SQLiteStore) Events() engine.EventPublisher {
	return &eventSink{db: s.db}
}

type checkpointStore struct {
	db *sql.DB
}

// Put stores a checkpoint. Content addressing makes re-storing an
// existing ID a no-op.
func (c *checkpointStore) Put(ctx context.Context, cp *engine.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	effects, err := json.Marshal(cp.SideEffects)
	if err != nil {
		return fmt.Errorf("failed to encode side effects: %w", err)
	}

	query := `
		INSERT INTO checkpoints (id, plan_id, reason, state, side_effects, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	if _, err := c.db.ExecContext(ctx, query,
		cp.ID, cp.PlanID, cp.Reason, string(state), string(effects), cp.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint by ID.
func (c *checkpointStore) Get(ctx context.Context, id string) (*engine.Checkpoint, error) {
	query := `
		SELECT id, plan_id, reason, state, side_effects, created_at
		FROM checkpoints
		WHERE id = ?
	`
	var (
		cp      engine.Checkpoint
		state   string
		effects string
	)
	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&cp.ID, &cp.PlanID, &cp.Reason, &state, &effects, &cp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("checkpoint not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	if err := json.Unmarshal([]byte(effects), &cp.SideEffects); err != nil {
		return nil, fmt.Errorf("failed to decode side effects: %w", err)
	}
	return &cp, nil
}

// List returns checkpoint metadata for a plan, oldest first.
func (c *checkpointStore) List(ctx context.Context, planID string) ([]engine.CheckpointMeta, error) {
	query := `
		SELECT id, plan_id, reason, created_at
		FROM checkpoints
		WHERE plan_id = ?
		ORDER BY created_at ASC
	`
	rows, err := c.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var metas []engine.CheckpointMeta
	for rows.Next() {
		var m engine.CheckpointMeta
		if err := rows.Scan(&m.ID, &m.PlanID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

type attemptLog struct {
	db *sql.DB
}

// Append records one dispatch attempt.
func (a *attemptLog) Append(ctx context.Context, attempt *engine.StepAttempt) error {
	result, err := json.Marshal(attempt.Result)
	if err != nil {
		return fmt.Errorf("failed to encode attempt result: %w", err)
	}

	query := `
		INSERT INTO attempts (plan_id, step_id, attempt, result, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := a.db.ExecContext(ctx, query,
		attempt.PlanID, attempt.StepID, attempt.Attempt, string(result), attempt.StartedAt,
	); err != nil {
		return fmt.Errorf("failed to append attempt: %w", err)
	}
	return nil
}

// List returns the attempts for a step, oldest first.
func (a *attemptLog) List(ctx context.Context, planID, stepID string) ([]engine.StepAttempt, error) {
	query := `
		SELECT plan_id, step_id, attempt, result, started_at
		FROM attempts
		WHERE plan_id = ? AND step_id = ?
		ORDER BY id ASC
	`
	rows, err := a.db.QueryContext(ctx, query, planID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// ListPlanAttempts returns every recorded attempt for a plan across
// all steps, oldest first.
func (s *SQLiteStore) ListPlanAttempts(ctx context.Context, planID string) ([]engine.StepAttempt, error) {
	query := `
		SELECT plan_id, step_id, attempt, result, started_at
		FROM attempts
		WHERE plan_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]engine.StepAttempt, error) {
	var attempts []engine.StepAttempt
	for rows.Next() {
		var (
			at     engine.StepAttempt
			result string
		)
		if err := rows.Scan(&at.PlanID, &at.StepID, &at.Attempt, &result, &at.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(result), &at.Result); err != nil {
			return nil, fmt.Errorf("failed to decode attempt result: %w", err)
		}
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

type eventSink struct {
	db *sql.DB
}

// Publish persists one progress event.
func (e *eventSink) Publish(ctx context.Context, ev *engine.Event) error {
	var data string
	if ev.Data != nil {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(encoded)
	}

	query := `
		INSERT INTO events (event_id, type, plan_id, step_id, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := e.db.ExecContext(ctx, query,
		ev.ID, string(ev.Type), ev.PlanID, ev.StepID, ev.Message, data, ts,
	); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

// ListEvents returns persisted events for a plan in commit order.
// limit <= 0 means no limit.
func (s *SQLiteStore) ListEvents(ctx context.Context, planID string, limit int) ([]EventRecord, error) {
	query := `
		SELECT id, event_id, type, plan_id, COALESCE(step_id, ''), message, COALESCE(data, ''), timestamp
		FROM events
		WHERE plan_id = ?
		ORDER BY id ASC
	`
	args := []interface{}{planID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.Seq, &r.EventID, &r.Type, &r.PlanID, &r.StepID, &r.Message, &r.Data, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveRun upserts a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	var state []byte
	if run.State != nil {
		state, err = json.Marshal(run.State)
		if err != nil {
			return fmt.Errorf("failed to encode run state: %w", err)
		}
	}

	query := `
		INSERT INTO runs (id, plan_id, status, started_at, completed_at, duration_ms, summary, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary,
			state = excluded.state
	`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID, run.PlanID, string(run.Status), run.StartedAt, run.CompletedAt,
		run.Duration.Milliseconds(), string(summary), string(state),
	); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a full run record including its final state.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	query := `
		SELECT id, plan_id, status, started_at, completed_at, duration_ms, summary, COALESCE(state, '')
		FROM runs
		WHERE id = ?
	`
	var (
		run        engine.Run
		status     string
		durationMS int64
		summary    string
		state      string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.PlanID, &status, &run.StartedAt, &run.CompletedAt,
		&durationMS, &summary, &state,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("run not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = engine.RunStatus(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	if state != "" {
		if err := json.Unmarshal([]byte(state), &run.State); err != nil {
			return nil, fmt.Errorf("failed to decode run state: %w", err)
		}
	}
	return &run, nil
}

// ListRuns lists run records newest first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, plan_id, status, started_at, completed_at, duration_ms
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.PlanID, &r.Status, &r.StartedAt, &r.CompletedAt, &r.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveIntervention persists a raised intervention request as pending.
// Saving the same request twice is a no-op.
func (s *SQLiteStore) SaveIntervention(ctx context.Context, req *engine.InterventionRequest) error {
	options, err := json.Marshal(req.Options)
	if err != nil {
		return fmt.Errorf("failed to encode intervention options: %w", err)
	}

	query := `
		INSERT INTO interventions (id, plan_id, step_id, reason, options, status, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	ts := req.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query,
		req.ID, req.PlanID, req.StepID, req.Reason, string(options), InterventionStatusPending, ts,
	); err != nil {
		return fmt.Errorf("failed to save intervention: %w", err)
	}
	return nil
}

// ResolveIntervention records a choice for a pending request. It fails
// if the request is unknown or already resolved.
func (s *SQLiteStore) ResolveIntervention(ctx context.Context, id string, choice engine.Choice) error {
	if !choice.Valid() {
		return engine.NewPermanentError(fmt.Sprintf("invalid choice: %s", choice), nil).
			WithCode(engine.ErrCodeValidation)
	}

	query := `
		UPDATE interventions
		SET status = ?, choice = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		InterventionStatusResolved, string(choice), time.Now(), id, InterventionStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve intervention: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve intervention: %w", err)
	}
	if n == 0 {
		return engine.NewPermanentError(fmt.Sprintf("no pending intervention: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// MarkInterventionApplied marks a resolved request as consumed by the
// scheduler.
func (s *SQLiteStore) MarkInterventionApplied(ctx context.Context, id string) error {
	query := `UPDATE interventions SET status = ? WHERE id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, query, InterventionStatusApplied, id, InterventionStatusResolved); err != nil {
		return fmt.Errorf("failed to mark intervention applied: %w", err)
	}
	return nil
}

// ListInterventions lists intervention records oldest first. Empty
// planID or status matches everything.
func (s *SQLiteStore) ListInterventions(ctx context.Context, planID, status string) ([]InterventionRecord, error) {
	query := `
		SELECT id, plan_id, step_id, reason, options, status, COALESCE(choice, ''), requested_at, resolved_at
		FROM interventions
		WHERE (? = '' OR plan_id = ?) AND (? = '' OR status = ?)
		ORDER BY requested_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID, planID, status, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list interventions: %w", err)
	}
	defer rows.Close()

	var records []InterventionRecord
	for rows.Next() {
		var (
			r       InterventionRecord
			options string
		)
		if err := rows.Scan(&r.ID, &r.PlanID, &r.StepID, &r.Reason, &options, &r.Status, &r.Choice, &r.RequestedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intervention: %w", err)
		}
		if options != "" {
			if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
				return nil, fmt.Errorf("failed to decode intervention options: %w", err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
