package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/model"
)

// ErrRunNotFound is returned when a group run id is unknown
var ErrRunNotFound = errors.New("group run not found")

// RunHistory defines the interface for group run storage
type RunHistory interface {
	// StoreRun stores a finished group run
	StoreRun(ctx context.Context, run *model.GroupRun) error

	// StoreExit stores the exit of one role process
	StoreExit(ctx context.Context, exit *model.RoleExit) error

	// GetRun retrieves a group run by ID
	GetRun(ctx context.Context, id string) (*model.GroupRun, error)

	// ListRuns retrieves runs of a group, newest first. An empty group lists all.
	ListRuns(ctx context.Context, group string, offset, limit int) ([]*model.GroupRun, error)

	// CountRuns returns the number of runs of a group
	CountRuns(ctx context.Context, group string) (int, error)

	// ListExits retrieves the role exits of a run in completion order
	ListExits(ctx context.Context, runID string) ([]*model.RoleExit, error)

	// DeleteBefore deletes runs and exits older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteHistory implements RunHistory using SQLite
type SQLiteHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteHistory opens (or creates) the history database at dbPath
func NewSQLiteHistory(logger *zap.Logger, dbPath string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

func (s *SQLiteHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS group_runs (
			id TEXT PRIMARY KEY,
			group_name TEXT NOT NULL,
			home TEXT,
			roles TEXT NOT NULL,
			started DATETIME NOT NULL,
			stopped DATETIME NOT NULL,
			seconds REAL NOT NULL,
			completed TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_group_runs_group ON group_runs(group_name);
		CREATE INDEX IF NOT EXISTS idx_group_runs_stopped ON group_runs(stopped);

		CREATE TABLE IF NOT EXISTS role_exits (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			role TEXT NOT NULL,
			process_id TEXT NOT NULL,
			output TEXT,
			exit_code INTEGER NOT NULL,
			fault TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NOT NULL,
			duration INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_role_exits_run_id ON role_exits(run_id);
		CREATE INDEX IF NOT EXISTS idx_role_exits_completed_at ON role_exits(completed_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// StoreRun implements RunHistory.StoreRun
func (s *SQLiteHistory) StoreRun(ctx context.Context, run *model.GroupRun) error {
	roles, err := json.Marshal(run.Roles)
	if err != nil {
		return fmt.Errorf("failed to marshal roles: %w", err)
	}
	completed, err := json.Marshal(run.Completed)
	if err != nil {
		return fmt.Errorf("failed to marshal completed values: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO group_runs (
			id, group_name, home, roles, started, stopped, seconds, completed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Group,
		run.Home,
		string(roles),
		run.Started,
		run.Stopped,
		run.Seconds,
		string(completed),
	)
	if err != nil {
		return fmt.Errorf("failed to store group run: %w", err)
	}
	return nil
}

// StoreExit implements RunHistory.StoreExit
func (s *SQLiteHistory) StoreExit(ctx context.Context, exit *model.RoleExit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_exits (
			id, run_id, role, process_id, output, exit_code, fault,
			started_at, completed_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exit.ID,
		exit.RunID,
		exit.Role,
		exit.ProcessID,
		sql.NullString{String: string(exit.Value.Output), Valid: len(exit.Value.Output) > 0},
		exit.Value.ExitCode,
		sql.NullString{String: exit.Value.Fault, Valid: exit.Value.Fault != ""},
		exit.StartedAt,
		exit.CompletedAt,
		int64(exit.Duration),
	)
	if err != nil {
		return fmt.Errorf("failed to store role exit: %w", err)
	}
	return nil
}

const runColumns = "id, group_name, home, roles, started, stopped, seconds, completed"

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.GroupRun, error) {
	run := &model.GroupRun{}
	var home sql.NullString
	var roles, completed string

	if err := row.Scan(
		&run.ID,
		&run.Group,
		&home,
		&roles,
		&run.Started,
		&run.Stopped,
		&run.Seconds,
		&completed,
	); err != nil {
		return nil, err
	}

	run.Home = home.String
	if err := json.Unmarshal([]byte(roles), &run.Roles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roles: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &run.Completed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed values: %w", err)
	}
	return run, nil
}

// GetRun implements RunHistory.GetRun
func (s *SQLiteHistory) GetRun(ctx context.Context, id string) (*model.GroupRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM group_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to scan group run: %w", err)
	}
	return run, nil
}

// ListRuns implements RunHistory.ListRuns
func (s *SQLiteHistory) ListRuns(ctx context.Context, group string, offset, limit int) ([]*model.GroupRun, error) {
	query := "SELECT " + runColumns + " FROM group_runs"
	args := make([]interface{}, 0, 3)
	if group != "" {
		query += " WHERE group_name = ?"
		args = append(args, group)
	}
	query += " ORDER BY stopped DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list group runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.GroupRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan group run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// CountRuns implements RunHistory.CountRuns
func (s *SQLiteHistory) CountRuns(ctx context.Context, group string) (int, error) {
	query := "SELECT COUNT(*) FROM group_runs"
	var args []interface{}
	if group != "" {
		query += " WHERE group_name = ?"
		args = append(args, group)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count group runs: %w", err)
	}
	return count, nil
}

// ListExits implements RunHistory.ListExits
func (s *SQLiteHistory) ListExits(ctx context.Context, runID string) ([]*model.RoleExit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, run_id, role, process_id, output, exit_code, fault,
			started_at, completed_at, duration
		FROM role_exits
		WHERE run_id = ?
		ORDER BY completed_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role exits: %w", err)
	}
	defer rows.Close()

	var exits []*model.RoleExit
	for rows.Next() {
		exit := &model.RoleExit{}
		var output, fault sql.NullString
		var duration int64

		if err := rows.Scan(
			&exit.ID,
			&exit.RunID,
			&exit.Role,
			&exit.ProcessID,
			&output,
			&exit.Value.ExitCode,
			&fault,
			&exit.StartedAt,
			&exit.CompletedAt,
			&duration,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role exit: %w", err)
		}

		if output.Valid && output.String != "" {
			exit.Value.Output = json.RawMessage(output.String)
		}
		exit.Value.Fault = fault.String
		exit.Duration = time.Duration(duration)
		exits = append(exits, exit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return exits, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM group_runs WHERE stopped < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete group runs: %w", err)
	}
	runs, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	result, err = tx.ExecContext(ctx, "DELETE FROM role_exits WHERE completed_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete role exits: %w", err)
	}
	exits, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("Deleted old history records",
		zap.Time("before", before),
		zap.Int64("runs", runs),
		zap.Int64("exits", exits))

	return runs, nil
}

// Close closes the database connection
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}
