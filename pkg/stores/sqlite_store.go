package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore is the run journal backed by SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Each connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

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

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, scenario, status, final_phase, sim_hours, steps, started_at, completed_at, error, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Params == "" {
		run.Params = "{}"
	}

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Scenario,
		run.Status,
		run.FinalPhase,
		run.SimHours,
		run.Steps,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Params,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, scenario, status, final_phase, sim_hours, steps, started_at, completed_at, error, params, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Scenario,
		&run.Status,
		&run.FinalPhase,
		&run.SimHours,
		&run.Steps,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Params,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the outcome of a run. errMsg may be nil.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, finalPhase string, simHours float64, steps int64, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, final_phase = ?, sim_hours = ?, steps = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, finalPhase, simHours, steps, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs with pagination, newest first. An empty scenario
// matches every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, scenario string, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if scenario != "" {
		query += ` WHERE scenario = ?`
		args = append(args, scenario)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and, through the foreign keys, its journal.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// AppendStep journals one step.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *Step) error {
	return appendStep(ctx, s.db, step)
}

func appendStep(ctx context.Context, ex execer, step *Step) error {
	query := `
		INSERT OR REPLACE INTO steps (
			run_id, step, sim_time, phase, pressure, temperature, level,
			water_mass, steam_mass, system_mass, mass_drift_pct, energy_drift_pct,
			letdown, charging, hold
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		step.RunID,
		step.Step,
		step.SimTime,
		step.Phase,
		step.Pressure,
		step.Temperature,
		step.Level,
		step.WaterMass,
		step.SteamMass,
		step.SystemMass,
		step.MassDriftPct,
		step.EnergyDriftPct,
		step.Letdown,
		step.Charging,
		step.Hold,
	)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// ListSteps lists the journaled steps of a run in step order.
func (s *SQLiteStore) ListSteps(ctx context.Context, runID string, limit, offset int) ([]*Step, error) {
	query := `
		SELECT run_id, step, sim_time, phase, pressure, temperature, level,
			   water_mass, steam_mass, system_mass, mass_drift_pct, energy_drift_pct,
			   letdown, charging, hold
		FROM steps
		WHERE run_id = ?
		ORDER BY step ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*Step{}
	for rows.Next() {
		st := &Step{}
		err := rows.Scan(
			&st.RunID,
			&st.Step,
			&st.SimTime,
			&st.Phase,
			&st.Pressure,
			&st.Temperature,
			&st.Level,
			&st.WaterMass,
			&st.SteamMass,
			&st.SystemMass,
			&st.MassDriftPct,
			&st.EnergyDriftPct,
			&st.Letdown,
			&st.Charging,
			&st.Hold,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

func appendTransition(ctx context.Context, ex execer, tr *Transition) error {
	query := `
		INSERT INTO transitions (run_id, step, sim_time, from_phase, to_phase, reason, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	ctxJSON := tr.Context
	if ctxJSON == "" {
		ctxJSON = "{}"
	}

	_, err := ex.ExecContext(ctx, query, tr.RunID, tr.Step, tr.SimTime, tr.FromPhase, tr.ToPhase, tr.Reason, ctxJSON)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// ListTransitions returns the phase changes of a run in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	query := `
		SELECT run_id, step, sim_time, from_phase, to_phase, reason, context
		FROM transitions
		WHERE run_id = ?
		ORDER BY step ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	out := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		if err := rows.Scan(&tr.RunID, &tr.Step, &tr.SimTime, &tr.FromPhase, &tr.ToPhase, &tr.Reason, &tr.Context); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return out, nil
}

// AppendEvent appends an event to the journal and sets its ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, step, sim_time, phase, kind, severity, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Step,
		event.SimTime,
		event.Phase,
		event.Kind,
		event.Severity,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events in insertion order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, step, sim_time, phase, kind, severity, message, details, timestamp
		FROM events
	`

	var where []string
	var args []interface{}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Step,
			&event.SimTime,
			&event.Phase,
			&event.Kind,
			&event.Severity,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func appendClosureTrace(ctx context.Context, ex execer, trace *ClosureTrace) error {
	query := `
		INSERT OR REPLACE INTO closure_traces (run_id, step, phase, attempt, committed, outcome, reason, iterations, pressure, diagnostic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ex.ExecContext(ctx, query,
		trace.RunID,
		trace.Step,
		trace.Phase,
		trace.Attempt,
		trace.Committed,
		trace.Outcome,
		trace.Reason,
		trace.Iterations,
		trace.Pressure,
		trace.Diagnostic,
	)
	if err != nil {
		return fmt.Errorf("failed to append closure trace: %w", err)
	}
	return nil
}

// ListClosureTraces returns the closure diagnostics of a run. With
// failedOnly set only uncommitted attempts are returned.
func (s *SQLiteStore) ListClosureTraces(ctx context.Context, runID string, failedOnly bool) ([]*ClosureTrace, error) {
	query := `
		SELECT run_id, step, phase, attempt, committed, outcome, reason, iterations, pressure, diagnostic
		FROM closure_traces
		WHERE run_id = ?
	`
	if failedOnly {
		query += ` AND committed = 0`
	}
	query += ` ORDER BY step ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list closure traces: %w", err)
	}
	defer rows.Close()

	out := []*ClosureTrace{}
	for rows.Next() {
		tr := &ClosureTrace{}
		err := rows.Scan(
			&tr.RunID,
			&tr.Step,
			&tr.Phase,
			&tr.Attempt,
			&tr.Committed,
			&tr.Outcome,
			&tr.Reason,
			&tr.Iterations,
			&tr.Pressure,
			&tr.Diagnostic,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan closure trace: %w", err)
		}
		out = append(out, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closure traces: %w", err)
	}

	return out, nil
}

// RecordStep journals a step together with its transition and closure
// diagnostic in one transaction. transition and closure may be nil.
func (s *SQLiteStore) RecordStep(ctx context.Context, step *Step, transition *Transition, closure *ClosureTrace) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := appendStep(ctx, tx, step); err != nil {
		_ = s.RollbackTx(tx)
		return err
	}
	if transition != nil {
		if err := appendTransition(ctx, tx, transition); err != nil {
			_ = s.RollbackTx(tx)
			return err
		}
	}
	if closure != nil {
		if err := appendClosureTrace(ctx, tx, closure); err != nil {
			_ = s.RollbackTx(tx)
			return err
		}
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit step: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
