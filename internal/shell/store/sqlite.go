package store

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
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/shipper/internal/core/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is used for every stored timestamp so that text order is time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the audit database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, storeErr("Open", "", "", ErrOpen, err)
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storeErr("Open", "", "", ErrOpen, err)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, storeErr("Migrate", "", "", ErrMigration, err)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RunStarted(ctx context.Context, info domain.RunInfo) error {
	return runStarted(ctx, s.db, info)
}

func (s *SQLiteStore) StageEnded(ctx context.Context, runID string, rec domain.StageRecord) error {
	return stageEnded(ctx, s.db, runID, rec)
}

// RunFinished writes the outcome and the stage record that ended the run in
// one transaction.
func (s *SQLiteStore) RunFinished(ctx context.Context, res domain.PipelineResult) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.RunFinished(ctx, res)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return getRun(ctx, s.db, runID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	return listRuns(ctx, s.db, opts)
}

// WithTx runs fn in a transaction, rolled back if fn returns an error.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("WithTx", "", "", ErrTx, err)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return storeErr("WithTx", "", "", ErrTx, fmt.Errorf("rollback after %v: %w", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("WithTx", "", "", ErrTx, err)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) RunStarted(ctx context.Context, info domain.RunInfo) error {
	return runStarted(ctx, s.tx, info)
}

func (s *txSQLiteStore) StageEnded(ctx context.Context, runID string, rec domain.StageRecord) error {
	return stageEnded(ctx, s.tx, runID, rec)
}

func (s *txSQLiteStore) RunFinished(ctx context.Context, res domain.PipelineResult) error {
	return runFinished(ctx, s.tx, res)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return getRun(ctx, s.tx, runID)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Run Operations
// =============================================================================

// runRow represents a run row in the database.
type runRow struct {
	ID            string  `db:"id"`
	BuildID       string  `db:"build_id"`
	ServiceName   string  `db:"service_name"`
	TargetHost    string  `db:"target_host"`
	Status        string  `db:"status"`
	StageReached  string  `db:"stage_reached"`
	ErrorKind     string  `db:"error_kind"`
	ErrorDetail   string  `db:"error_detail"`
	StateUnknown  bool    `db:"target_state_unknown"`
	RegistryHost  string  `db:"registry_host"`
	Repository    string  `db:"repository"`
	Tag           string  `db:"tag"`
	BuildTag      string  `db:"build_tag"`
	Digest        string  `db:"digest"`
	Attempts      int     `db:"attempts"`
	RetryCount    int     `db:"retry_count"`
	ContainerID   string  `db:"container_id"`
	PreviousFound bool    `db:"previous_found"`
	FinalStep     string  `db:"final_step"`
	StartedAt     string  `db:"started_at"`
	FinishedAt    *string `db:"finished_at"`
}

// stageRow represents a stage record row in the database.
type stageRow struct {
	ID        int64  `db:"id"`
	RunID     string `db:"run_id"`
	Stage     string `db:"stage"`
	StartedAt string `db:"started_at"`
	EndedAt   string `db:"ended_at"`
	Success   bool   `db:"success"`
	Error     string `db:"error"`
}

func runStarted(ctx context.Context, exec executor, info domain.RunInfo) error {
	row := runRow{
		ID:          info.RunID,
		BuildID:     info.BuildID,
		ServiceName: info.ServiceName,
		TargetHost:  info.TargetHost,
		Status:      string(StatusRunning),
		StartedAt:   formatTime(info.StartedAt),
	}

	query := `
		INSERT INTO runs (id, build_id, service_name, target_host, status, started_at)
		VALUES (:id, :build_id, :service_name, :target_host, :status, :started_at)
	`
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.id") {
			return storeErr("RunStarted", "runs", info.RunID, ErrRunExists, nil)
		}
		return storeErr("RunStarted", "runs", info.RunID, err, nil)
	}
	return nil
}

func stageEnded(ctx context.Context, exec executor, runID string, rec domain.StageRecord) error {
	row := stageRow{
		RunID:     runID,
		Stage:     string(rec.Stage),
		StartedAt: formatTime(rec.StartedAt),
		EndedAt:   formatTime(rec.EndedAt),
		Success:   rec.Success,
		Error:     rec.Error,
	}

	query := `
		INSERT INTO stage_records (run_id, stage, started_at, ended_at, success, error)
		VALUES (:run_id, :stage, :started_at, :ended_at, :success, :error)
	`
	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return storeErr("StageEnded", "stage_records", runID, ErrUnknownRun, nil)
		}
		return storeErr("StageEnded", "stage_records", runID, err, nil)
	}
	return nil
}

func runFinished(ctx context.Context, exec executor, res domain.PipelineResult) error {
	status := StatusFailed
	if res.Success {
		status = StatusSucceeded
	}
	finished := formatTime(res.FinishedAt)

	row := runRow{
		ID:           res.RunID,
		Status:       string(status),
		StageReached: string(res.StageReached),
		ErrorKind:    string(res.ErrorKind),
		ErrorDetail:  res.ErrorDetail,
		StateUnknown: res.TargetStateUnknown,
		RegistryHost: res.Reference.RegistryHost,
		Repository:   res.Reference.Repository,
		Tag:          res.Reference.Tag,
		BuildTag:     res.Reference.BuildTag,
		FinishedAt:   &finished,
	}
	if res.Publish != nil {
		row.Digest = res.Publish.Digest
		row.Attempts = res.Publish.Attempts
		row.RetryCount = res.Publish.RetryCount
	}
	if res.Reconcile != nil {
		row.ContainerID = res.Reconcile.ContainerID
		row.PreviousFound = res.Reconcile.PreviousFound
		row.FinalStep = res.Reconcile.FinalStep
	}

	query := `
		UPDATE runs SET
			status = :status, stage_reached = :stage_reached,
			error_kind = :error_kind, error_detail = :error_detail,
			target_state_unknown = :target_state_unknown,
			registry_host = :registry_host, repository = :repository,
			tag = :tag, build_tag = :build_tag,
			digest = :digest, attempts = :attempts, retry_count = :retry_count,
			container_id = :container_id, previous_found = :previous_found,
			final_step = :final_step, finished_at = :finished_at
		WHERE id = :id
	`
	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return storeErr("RunFinished", "runs", res.RunID, err, nil)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return storeErr("RunFinished", "runs", res.RunID, err, nil)
	}
	if rows == 0 {
		return storeErr("RunFinished", "runs", res.RunID, ErrRunNotFound, nil)
	}

	if len(res.Stages) > 0 {
		return stageEnded(ctx, exec, res.RunID, res.Stages[len(res.Stages)-1])
	}
	return nil
}

func getRun(ctx context.Context, exec executor, runID string) (*RunRecord, error) {
	var row runRow
	if err := exec.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeErr("GetRun", "runs", runID, ErrRunNotFound, nil)
		}
		return nil, storeErr("GetRun", "runs", runID, err, nil)
	}

	record, err := rowToRun(row)
	if err != nil {
		return nil, storeErr("GetRun", "runs", runID, ErrCorrupt, err)
	}

	var stages []stageRow
	query := `SELECT * FROM stage_records WHERE run_id = ? ORDER BY id`
	if err := exec.SelectContext(ctx, &stages, query, runID); err != nil {
		return nil, storeErr("GetRun", "stage_records", runID, err, nil)
	}
	for _, st := range stages {
		rec, err := rowToStage(st)
		if err != nil {
			return nil, storeErr("GetRun", "stage_records", runID, ErrCorrupt, err)
		}
		record.Result.Stages = append(record.Result.Stages, rec)
	}

	return record, nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]RunRecord, error) {
	opts = opts.Normalize()

	query := `SELECT * FROM runs`
	var args []any
	if opts.ServiceName != "" {
		query += ` WHERE service_name = ?`
		args = append(args, opts.ServiceName)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("ListRuns", "runs", "", err, nil)
	}

	runs := make([]RunRecord, 0, len(rows))
	for _, row := range rows {
		record, err := rowToRun(row)
		if err != nil {
			return nil, storeErr("ListRuns", "runs", row.ID, ErrCorrupt, err)
		}
		runs = append(runs, *record)
	}
	return runs, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToRun(row runRow) (*RunRecord, error) {
	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return nil, err
	}

	record := &RunRecord{
		Info: domain.RunInfo{
			RunID:       row.ID,
			BuildID:     row.BuildID,
			ServiceName: row.ServiceName,
			TargetHost:  row.TargetHost,
			StartedAt:   startedAt,
		},
		Status: RunStatus(row.Status),
		Result: domain.PipelineResult{
			RunID:        row.ID,
			BuildID:      row.BuildID,
			ServiceName:  row.ServiceName,
			StageReached: domain.Stage(row.StageReached),
			Success:      row.Status == string(StatusSucceeded),
			ErrorKind:    domain.ErrorKind(row.ErrorKind),
			ErrorDetail:  row.ErrorDetail,
			Reference: domain.ArtifactReference{
				RegistryHost: row.RegistryHost,
				Repository:   row.Repository,
				Tag:          row.Tag,
				BuildID:      row.BuildID,
				BuildTag:     row.BuildTag,
			},
			StartedAt: startedAt,
		},
	}

	record.Result.TargetStateUnknown = row.StateUnknown

	if row.FinishedAt != nil {
		finishedAt, err := parseTime(*row.FinishedAt)
		if err != nil {
			return nil, err
		}
		record.Result.FinishedAt = finishedAt
	}
	if row.Attempts > 0 {
		record.Result.Publish = &domain.PublishResult{
			Reference:  record.Result.Reference,
			Digest:     row.Digest,
			Attempts:   row.Attempts,
			RetryCount: row.RetryCount,
		}
	}
	if row.FinalStep != "" {
		record.Result.Reconcile = &domain.ReconcileResult{
			ServiceName:   row.ServiceName,
			Image:         record.Result.Reference.FloatingRef(),
			ContainerID:   row.ContainerID,
			PreviousFound: row.PreviousFound,
			FinalStep:     row.FinalStep,
		}
	}
	return record, nil
}

func rowToStage(row stageRow) (domain.StageRecord, error) {
	startedAt, err := parseTime(row.StartedAt)
	if err != nil {
		return domain.StageRecord{}, err
	}
	endedAt, err := parseTime(row.EndedAt)
	if err != nil {
		return domain.StageRecord{}, err
	}
	return domain.StageRecord{
		Stage:     domain.Stage(row.Stage),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Success:   row.Success,
		Error:     row.Error,
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
