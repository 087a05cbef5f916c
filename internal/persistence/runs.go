package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-taskpost/internal/bus"
)

// InsertRun records a new run id. Run ids are generated by the coordinator
// (random nonzero int64), so a collision is a caller bug and surfaces as a
// duplicate error.
func (s *Store) InsertRun(ctx context.Context, runID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO run (id) VALUES (?);`, runID)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert run %d: %w", runID, ErrDuplicateID)
		}
		return fmt.Errorf("insert run %d: %w", runID, err)
	}
	s.publish(bus.TopicRunCreated, bus.RunEvent{RunID: runID})
	return nil
}

// RunExists reports whether the run id is registered.
func (s *Store) RunExists(ctx context.Context, runID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM run WHERE id = ?;`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("run exists %d: %w", runID, err)
	}
	return true, nil
}

// ListRuns returns all registered run ids.
func (s *Store) ListRuns(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM run ORDER BY id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// DeleteRun removes a run. Without cascade it fails with ErrConflict while
// task records still reference the run; with cascade the dependent records
// are removed in the same transaction, so no orphan is ever visible.
// Deleting an unknown run fails with ErrUnknownRun.
func (s *Store) DeleteRun(ctx context.Context, runID int64, cascade bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM run WHERE id = ?;`, runID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownRun
			}
			return fmt.Errorf("check run: %w", err)
		}

		var dependents int64
		if err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(1) FROM task_ins WHERE run_id = ?) +
			       (SELECT COUNT(1) FROM task_res WHERE run_id = ?);
		`, runID, runID).Scan(&dependents); err != nil {
			return fmt.Errorf("count dependent tasks: %w", err)
		}

		if dependents > 0 {
			if !cascade {
				return ErrConflict
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_ins WHERE run_id = ?;`, runID); err != nil {
				return fmt.Errorf("cascade delete task_ins: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_res WHERE run_id = ?;`, runID); err != nil {
				return fmt.Errorf("cascade delete task_res: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM run WHERE id = ?;`, runID); err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnknownRun) {
			return err
		}
		return fmt.Errorf("delete run %d: %w", runID, err)
	}
	s.publish(bus.TopicRunDeleted, bus.RunEvent{RunID: runID, Cascaded: cascade})
	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE/PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "(1555)") || // SQLITE_CONSTRAINT_PRIMARYKEY
		strings.Contains(msg, "(2067)") // SQLITE_CONSTRAINT_UNIQUE
}
