package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/artisync/pkg/artifact"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore persists artifact state and run history in SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
	now  func() time.Time
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
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", s.path)
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

const stateColumns = `location, name, kind, content_hash, dependencies, synced_at, created_at, updated_at`

// Find returns the state of a location. The boolean is false when the
// location has never been synchronized.
func (s *SQLiteStore) Find(ctx context.Context, location string) (*artifact.State, bool, error) {
	query := `SELECT ` + stateColumns + ` FROM artifact_state WHERE location = ?`

	state, err := scanState(s.db.QueryRowContext(ctx, query, location))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to find artifact state: %w", err)
	}
	return state, true, nil
}

// FindByName returns the state that claims name among the given kinds.
func (s *SQLiteStore) FindByName(ctx context.Context, kinds []artifact.Kind, name string) (*artifact.State, bool, error) {
	if len(kinds) == 0 {
		return nil, false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(kinds)), ",")
	query := `SELECT ` + stateColumns + ` FROM artifact_state
		WHERE name = ? AND kind IN (` + placeholders + `)
		ORDER BY created_at ASC, location ASC
		LIMIT 1`

	args := make([]any, 0, len(kinds)+1)
	args = append(args, name)
	for _, k := range kinds {
		args = append(args, string(k))
	}

	state, err := scanState(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to find artifact state by name: %w", err)
	}
	return state, true, nil
}

// Insert records the state of a newly synchronized location.
func (s *SQLiteStore) Insert(ctx context.Context, state *artifact.State) error {
	now := s.now()
	if state.SyncedAt.IsZero() {
		state.SyncedAt = now
	}
	state.CreatedAt = now
	state.UpdatedAt = now

	deps, err := encodeDependencies(state.Dependencies)
	if err != nil {
		return err
	}

	query := `INSERT INTO artifact_state (` + stateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		state.Location,
		state.Name,
		string(state.Kind),
		state.ContentHash,
		deps,
		state.SyncedAt,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact state: %w", err)
	}
	return nil
}

// Update replaces the state of an already synchronized location.
func (s *SQLiteStore) Update(ctx context.Context, state *artifact.State) error {
	now := s.now()
	if state.SyncedAt.IsZero() {
		state.SyncedAt = now
	}
	state.UpdatedAt = now

	deps, err := encodeDependencies(state.Dependencies)
	if err != nil {
		return err
	}

	query := `
		UPDATE artifact_state
		SET name = ?, kind = ?, content_hash = ?, dependencies = ?, synced_at = ?, updated_at = ?
		WHERE location = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		state.Name,
		string(state.Kind),
		state.ContentHash,
		deps,
		state.SyncedAt,
		state.UpdatedAt,
		state.Location,
	)
	if err != nil {
		return fmt.Errorf("failed to update artifact state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("artifact state not found: %s", state.Location)
	}
	return nil
}

// Delete removes the state of a location. Deleting an unknown location is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, location string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM artifact_state WHERE location = ?`, location); err != nil {
		return fmt.Errorf("failed to delete artifact state: %w", err)
	}
	return nil
}

// FindAll returns every state of a kind ordered by location.
func (s *SQLiteStore) FindAll(ctx context.Context, kind artifact.Kind) ([]*artifact.State, error) {
	query := `SELECT ` + stateColumns + ` FROM artifact_state WHERE kind = ? ORDER BY location ASC`
	return s.queryStates(ctx, query, string(kind))
}

// ListStates returns states of every kind with pagination.
func (s *SQLiteStore) ListStates(ctx context.Context, limit, offset int) ([]*artifact.State, error) {
	query := `SELECT ` + stateColumns + ` FROM artifact_state ORDER BY kind ASC, location ASC LIMIT ? OFFSET ?`
	return s.queryStates(ctx, query, limit, offset)
}

func (s *SQLiteStore) queryStates(ctx context.Context, query string, args ...any) ([]*artifact.State, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact states: %w", err)
	}
	defer rows.Close()

	var states []*artifact.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact state: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifact states: %w", err)
	}
	return states, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*artifact.State, error) {
	state := &artifact.State{}
	var kind, deps string
	err := row.Scan(
		&state.Location,
		&state.Name,
		&kind,
		&state.ContentHash,
		&deps,
		&state.SyncedAt,
		&state.CreatedAt,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	state.Kind = artifact.Kind(kind)
	if err := json.Unmarshal([]byte(deps), &state.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies of %s: %w", state.Location, err)
	}
	if len(state.Dependencies) == 0 {
		state.Dependencies = nil
	}
	return state, nil
}

func encodeDependencies(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("failed to encode dependencies: %w", err)
	}
	return string(b), nil
}

// CreateRun records the start of a synchronization run
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := s.now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	counts, errs, err := encodeRunDetails(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_runs (id, group_name, status, started_at, completed_at, degraded, counts, errors, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Group,
		string(run.Status),
		run.StartedAt,
		run.CompletedAt,
		run.Degraded,
		counts,
		errs,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun stores the final status, counts and errors of a run
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *Run) error {
	now := s.now()
	run.UpdatedAt = now
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}

	counts, errs, err := encodeRunDetails(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE sync_runs
		SET status = ?, completed_at = ?, degraded = ?, counts = ?, errors = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(run.Status),
		run.CompletedAt,
		run.Degraded,
		counts,
		errs,
		run.Error,
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", run.ID)
	}
	return nil
}

// RecordRun inserts a run, or completes it when it already exists.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	if _, err := s.GetRun(ctx, run.ID); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.CreateRun(ctx, run)
	}
	return s.CompleteRun(ctx, run)
}

// ErrNotFound is returned by lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

const runColumns = `id, group_name, status, started_at, completed_at, degraded, counts, errors, error, created_at, updated_at`

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, optionally filtered by group
func (s *SQLiteStore) ListRuns(ctx context.Context, group string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	args := []any{}
	if group != "" {
		query += ` WHERE group_name = ?`
		args = append(args, group)
	}
	query += ` ORDER BY started_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
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

func encodeRunDetails(run *Run) (string, string, error) {
	counts := run.Counts
	if counts == nil {
		counts = map[string]int{}
	}
	runErrors := run.Errors
	if runErrors == nil {
		runErrors = []RunError{}
	}

	c, err := json.Marshal(counts)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode run counts: %w", err)
	}
	e, err := json.Marshal(runErrors)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode run errors: %w", err)
	}
	return string(c), string(e), nil
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var status, counts, errs string
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Group,
		&status,
		&run.StartedAt,
		&completedAt,
		&run.Degraded,
		&counts,
		&errs,
		&errMsg,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	if err := json.Unmarshal([]byte(counts), &run.Counts); err != nil {
		return nil, fmt.Errorf("failed to decode run counts: %w", err)
	}
	if err := json.Unmarshal([]byte(errs), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode run errors: %w", err)
	}
	return run, nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected health check result: %d", result)
	}
	return nil
}
