package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-taskpost/internal/bus"
)

// UpsertPing refreshes a node's liveness window to now + pingInterval,
// creating the row on first contact. Last writer wins: pings are issued
// monotonically by the node itself, so a stale overwrite cannot move the
// window backward in practice.
func (s *Store) UpsertPing(ctx context.Context, nodeID int64, pingInterval time.Duration, now time.Time) error {
	onlineUntil := unixSeconds(now.Add(pingInterval))
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node (id, online_until, ping_interval)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				online_until = excluded.online_until,
				ping_interval = excluded.ping_interval;
		`, nodeID, onlineUntil, pingInterval.Seconds())
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert ping for node %d: %w", nodeID, err)
	}
	s.publish(bus.TopicNodePing, bus.NodeEvent{NodeID: nodeID, OnlineUntil: onlineUntil})
	return nil
}

// DeleteNode removes a node row. Deleting an unknown node is a no-op.
func (s *Store) DeleteNode(ctx context.Context, nodeID int64) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM node WHERE id = ?;`, nodeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete node %d: %w", nodeID, err)
	}
	s.publish(bus.TopicNodeDeleted, bus.NodeEvent{NodeID: nodeID})
	return nil
}

// NodeExists reports whether the node was ever registered, online or not.
func (s *Store) NodeExists(ctx context.Context, nodeID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM node WHERE id = ?;`, nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("node exists %d: %w", nodeID, err)
	}
	return true, nil
}

// IsOnline reports whether the node's liveness window covers now.
// Unknown nodes are offline. Liveness is derived from the stored
// timestamp, never stored as a flag.
func (s *Store) IsOnline(ctx context.Context, nodeID int64, now time.Time) (bool, error) {
	var onlineUntil float64
	err := s.db.QueryRowContext(ctx, `SELECT online_until FROM node WHERE id = ?;`, nodeID).Scan(&onlineUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is online %d: %w", nodeID, err)
	}
	return unixSeconds(now) < onlineUntil, nil
}

// OnlineNodes returns the ids of all nodes whose liveness window covers now.
// Served by the online_until index.
func (s *Store) OnlineNodes(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM node WHERE online_until > ? ORDER BY id ASC;
	`, unixSeconds(now))
	if err != nil {
		return nil, fmt.Errorf("online nodes: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("online node rows: %w", err)
	}
	return out, nil
}

// PruneNodes deletes node rows whose liveness window ended before the
// given horizon. Offline-ness is derived, so pruning is pure housekeeping;
// a long horizon keeps recently seen nodes resolvable for routing checks.
func (s *Store) PruneNodes(ctx context.Context, horizon time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM node WHERE online_until < ?;`, unixSeconds(horizon))
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune nodes: %w", err)
	}
	return pruned, nil
}
