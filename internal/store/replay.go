package store

import (
	"context"
	"fmt"

	"github.com/roach88/mibody/internal/ir"
)

// Terminal body states. Bodies in any other state are resumed on recovery.
const (
	stateCompleted  = "COMPLETED"
	stateTerminated = "TERMINATED"
)

// ReadActiveBodies returns every body that has not reached a terminal
// state, ordered by seq, then key. Used for crash recovery.
func (s *Store) ReadActiveBodies(ctx context.Context) ([]ir.StoredBody, error) {
	return s.queryBodies(ctx, `
		SELECT key, element_id, state, data, snapshot_hash, seq
		FROM bodies
		WHERE state NOT IN (?, ?)
		ORDER BY seq ASC, key COLLATE BINARY ASC
	`, stateCompleted, stateTerminated)
}

// ReadChildIndex returns the child instance entries of every active body,
// ordered by body key, then loop counter.
func (s *Store) ReadChildIndex(ctx context.Context) ([]ir.ChildIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.instance_key, c.body_key, c.loop_counter, c.seq
		FROM child_instances c
		JOIN bodies b ON b.key = c.body_key
		WHERE b.state NOT IN (?, ?)
		ORDER BY c.body_key COLLATE BINARY ASC, c.loop_counter ASC
	`, stateCompleted, stateTerminated)
	if err != nil {
		return nil, fmt.Errorf("query child index: %w", err)
	}
	defer rows.Close()

	entries := []ir.ChildIndexEntry{}
	for rows.Next() {
		var e ir.ChildIndexEntry
		if err := rows.Scan(&e.InstanceKey, &e.BodyKey, &e.LoopCounter, &e.Seq); err != nil {
			return nil, fmt.Errorf("scan child index: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child index: %w", err)
	}
	return entries, nil
}

// MaxSeq returns the highest seq recorded anywhere, so a restarted engine
// can resume its logical clock after it.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT MAX(seq) AS seq FROM commands
			UNION ALL SELECT MAX(seq) FROM records
			UNION ALL SELECT MAX(seq) FROM incidents
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}
