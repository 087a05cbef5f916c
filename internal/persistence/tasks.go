package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-taskpost/internal/bus"
)

const (
	tableInstructions = "task_ins"
	tableResults      = "task_res"
)

// InsertInstruction persists a task instruction with pushed_at = now.
// Fails with ErrDuplicateID if the id exists in either partition and
// ErrUnknownRun if the run is not registered. Nothing is written on error.
func (s *Store) InsertInstruction(ctx context.Context, rec Record, now time.Time) error {
	if err := s.insertTask(ctx, tableInstructions, rec, now); err != nil {
		return err
	}
	s.publish(bus.TopicInstructionPushed, bus.TaskEvent{TaskID: rec.ID, GroupID: rec.GroupID, RunID: rec.RunID})
	return nil
}

// InsertResult persists a task result with pushed_at = now, under the same
// uniqueness and run-reference rules as InsertInstruction.
func (s *Store) InsertResult(ctx context.Context, rec Record, now time.Time) error {
	if err := s.insertTask(ctx, tableResults, rec, now); err != nil {
		return err
	}
	s.publish(bus.TopicResultPushed, bus.TaskEvent{TaskID: rec.ID, GroupID: rec.GroupID, RunID: rec.RunID})
	return nil
}

func (s *Store) insertTask(ctx context.Context, table string, rec Record, now time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM run WHERE id = ?;`, rec.RunID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownRun
			}
			return fmt.Errorf("check run: %w", err)
		}

		// Task identity is unique across both partitions, not just within
		// the target table.
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(1) FROM task_ins WHERE id = ?) +
			       (SELECT COUNT(1) FROM task_res WHERE id = ?);
		`, rec.ID, rec.ID).Scan(&count); err != nil {
			return fmt.Errorf("check task id: %w", err)
		}
		if count > 0 {
			return ErrDuplicateID
		}

		producerAnon, producerID := rec.Producer.dbEncode()
		consumerAnon, consumerID := rec.Consumer.dbEncode()
		// The payload is opaque and may be empty; nil must store as an
		// empty blob, not NULL.
		recordSet := rec.RecordSet
		if recordSet == nil {
			recordSet = []byte{}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+table+` (
				id, group_id, run_id, producer_anonymous, producer_node_id,
				consumer_anonymous, consumer_node_id, created_at, delivered_at,
				pushed_at, ttl, ancestry, task_type, recordset
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?, ?);
		`,
			rec.ID, rec.GroupID, rec.RunID, producerAnon, producerID,
			consumerAnon, consumerID, unixSeconds(rec.CreatedAt),
			unixSeconds(now), rec.TTL.Seconds(), encodeAncestry(rec.Ancestry),
			rec.TaskType, recordSet,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateID
			}
			return fmt.Errorf("insert task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrUnknownRun) {
			return err
		}
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// ClaimInstructions returns up to limit unexpired, undelivered instructions
// addressed to nodeID or addressed anonymously, oldest first, and marks them
// delivered in the same transaction. Two concurrent claims can never hand
// out the same instruction: the select and the delivered_at update commit
// as one atomic unit, and the update re-checks delivered_at = ''.
func (s *Store) ClaimInstructions(ctx context.Context, nodeID int64, limit int, now time.Time) ([]Record, error) {
	var claimed []Record
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM task_ins
			WHERE delivered_at = ''
			  AND pushed_at + ttl > ?
			  AND (consumer_anonymous = 1 OR (consumer_anonymous = 0 AND consumer_node_id = ?))
			ORDER BY pushed_at ASC
			LIMIT ?;
		`, unixSeconds(now), nodeID, limit)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			claimed = nil
			return tx.Commit()
		}

		claimed, err = markDelivered(ctx, tx, tableInstructions, ids, now)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("claim instructions for node %d: %w", nodeID, err)
	}
	for _, rec := range claimed {
		s.publish(bus.TopicInstructionDelivered, bus.TaskEvent{TaskID: rec.ID, GroupID: rec.GroupID, RunID: rec.RunID})
	}
	return claimed, nil
}

// ClaimResults returns unexpired, undelivered results whose ancestry
// references any of the given ids, marking them delivered atomically with
// the read, mirroring the instruction claim.
func (s *Store) ClaimResults(ctx context.Context, ancestorIDs []string, now time.Time) ([]Record, error) {
	if len(ancestorIDs) == 0 {
		return nil, nil
	}
	match, args := ancestryMatch(ancestorIDs)

	var claimed []Record
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT id FROM task_res
			WHERE delivered_at = ''
			  AND pushed_at + ttl > ?
			  AND ` + match + `
			ORDER BY pushed_at ASC;`
		rows, err := tx.QueryContext(ctx, query, append([]any{unixSeconds(now)}, args...)...)
		if err != nil {
			return fmt.Errorf("select claimable results: %w", err)
		}
		ids, err := collectIDs(rows)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			claimed = nil
			return tx.Commit()
		}

		claimed, err = markDelivered(ctx, tx, tableResults, ids, now)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("claim results: %w", err)
	}
	for _, rec := range claimed {
		s.publish(bus.TopicResultDelivered, bus.TaskEvent{TaskID: rec.ID, GroupID: rec.GroupID, RunID: rec.RunID})
	}
	return claimed, nil
}

// markDelivered stamps delivered_at on the given rows and returns them.
// The delivered_at = '' guard makes a lost race visible as a shorter
// result set rather than a double delivery.
func markDelivered(ctx context.Context, tx *sql.Tx, table string, ids []string, now time.Time) ([]Record, error) {
	deliveredAt := now.UTC().Format(time.RFC3339Nano)
	placeholders, args := idPlaceholders(ids)

	updateArgs := append([]any{deliveredAt}, args...)
	if _, err := tx.ExecContext(ctx,
		`UPDATE `+table+` SET delivered_at = ? WHERE id IN (`+placeholders+`) AND delivered_at = '';`,
		updateArgs...,
	); err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM `+table+`
		 WHERE id IN (`+placeholders+`) AND delivered_at = ?
		 ORDER BY pushed_at ASC;`,
		append(args, deliveredAt)...,
	)
	if err != nil {
		return nil, fmt.Errorf("select delivered: %w", err)
	}
	return collectRecords(rows)
}

// ResultsByAncestry returns unexpired results whose ancestry references the
// given id, delivered or not, without claiming them. Missing ancestors are
// an empty result, not an error.
func (s *Store) ResultsByAncestry(ctx context.Context, ancestorID string, now time.Time) ([]Record, error) {
	match, args := ancestryMatch([]string{ancestorID})
	query := `
		SELECT ` + recordColumns + ` FROM task_res
		WHERE pushed_at + ttl > ? AND ` + match + `
		ORDER BY pushed_at ASC;`
	rows, err := s.db.QueryContext(ctx, query, append([]any{unixSeconds(now)}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("results by ancestry %s: %w", ancestorID, err)
	}
	return collectRecords(rows)
}

// RecordsByGroup correlates all unexpired records (instructions and results)
// sharing a group id, ordered by pushed_at across both partitions.
func (s *Store) RecordsByGroup(ctx context.Context, groupID string, now time.Time) ([]Record, error) {
	ts := unixSeconds(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM task_ins WHERE group_id = ? AND pushed_at + ttl > ?
		UNION ALL
		SELECT `+recordColumns+` FROM task_res WHERE group_id = ? AND pushed_at + ttl > ?
		ORDER BY pushed_at ASC;
	`, groupID, ts, groupID, ts)
	if err != nil {
		return nil, fmt.Errorf("records by group %s: %w", groupID, err)
	}
	return collectRecords(rows)
}

// PurgeExpired deletes all task records whose TTL has lapsed. Visibility
// filters already hide expired rows at read time, so the sweep only
// reclaims space and can run concurrently with any other operation.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (instructions, results int64, err error) {
	ts := unixSeconds(now)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin purge tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM task_ins WHERE pushed_at + ttl <= ?;`, ts)
		if err != nil {
			return fmt.Errorf("purge task_ins: %w", err)
		}
		instructions, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM task_res WHERE pushed_at + ttl <= ?;`, ts)
		if err != nil {
			return fmt.Errorf("purge task_res: %w", err)
		}
		results, _ = res.RowsAffected()
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, fmt.Errorf("purge expired: %w", err)
	}
	if instructions > 0 || results > 0 {
		s.publish(bus.TopicTaskExpired, bus.TaskExpiredEvent{Instructions: instructions, Results: results})
	}
	return instructions, results, nil
}

// DeleteDeliveredPairs garbage-collects instruction/result pairs after the
// producer has pulled the results: delivered instructions referenced by a
// delivered result's ancestry, then those delivered results, in one
// transaction.
func (s *Store) DeleteDeliveredPairs(ctx context.Context, ancestorIDs []string) error {
	if len(ancestorIDs) == 0 {
		return nil
	}
	match, args := ancestryMatch(ancestorIDs)
	placeholders, idArgs := idPlaceholders(ancestorIDs)

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin gc tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		insQuery := `
			DELETE FROM task_ins
			WHERE delivered_at != '' AND id IN (` + placeholders + `)
			  AND EXISTS (
				SELECT 1 FROM task_res
				WHERE task_res.delivered_at != ''
				  AND instr(',' || task_res.ancestry || ',', ',' || task_ins.id || ',') > 0
			  );`
		if _, err := tx.ExecContext(ctx, insQuery, idArgs...); err != nil {
			return fmt.Errorf("gc task_ins: %w", err)
		}

		resQuery := `DELETE FROM task_res WHERE delivered_at != '' AND ` + match + `;`
		if _, err := tx.ExecContext(ctx, resQuery, args...); err != nil {
			return fmt.Errorf("gc task_res: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("delete delivered pairs: %w", err)
	}
	return nil
}

// FindInstruction looks up an instruction by id regardless of delivery or
// expiry state. Used to resolve a result's run and routing from its
// ancestry. Returns nil when absent.
func (s *Store) FindInstruction(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM task_ins WHERE id = ?;`, id)
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find instruction %s: %w", id, err)
	}
	return &rec, nil
}

// ancestryMatch builds a WHERE fragment matching rows whose comma-joined
// ancestry contains any of the given ids.
func ancestryMatch(ids []string) (string, []any) {
	clauses := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		clauses[i] = `instr(',' || ancestry || ',', ?) > 0`
		args[i] = "," + id + ","
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func idPlaceholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task id rows: %w", err)
	}
	return ids, nil
}
