package store

import (
	"context"
	"fmt"

	"github.com/roach88/mibody/internal/ir"
)

// Step is everything one processed command produced.
type Step struct {
	Command  ir.Command
	Body     ir.StoredBody
	Children []ir.ChildIndexEntry
	Records  []ir.Record
}

// CommitStep atomically records a processed command with the resulting
// body snapshot, new child index entries and trace records.
//
// The command insert uses ON CONFLICT(id) DO NOTHING. If the command was
// already recorded, nothing else is written and inserted is false: the
// step was a re-delivery.
func (s *Store) CommitStep(ctx context.Context, step Step) (inserted bool, err error) {
	payload, err := marshalPayload(step.Command.Payload)
	if err != nil {
		return false, fmt.Errorf("commit step: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("commit step: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commands (id, body_key, kind, payload, seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		step.Command.ID,
		step.Command.BodyKey,
		string(step.Command.Kind),
		payload,
		step.Command.Seq,
	)
	if err != nil {
		return false, fmt.Errorf("commit step: insert command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("commit step: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bodies (key, element_id, state, data, snapshot_hash, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			snapshot_hash = excluded.snapshot_hash,
			seq = excluded.seq
	`,
		step.Body.Key,
		step.Body.ElementID,
		step.Body.State,
		step.Body.Data,
		step.Body.Hash,
		step.Body.Seq,
	)
	if err != nil {
		return false, fmt.Errorf("commit step: upsert body: %w", err)
	}

	for _, c := range step.Children {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO child_instances (instance_key, body_key, loop_counter, seq)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, c.InstanceKey, c.BodyKey, c.LoopCounter, c.Seq)
		if err != nil {
			return false, fmt.Errorf("commit step: insert child %s: %w", c.InstanceKey, err)
		}
	}

	for _, r := range step.Records {
		data, err := marshalPayload(r.Payload)
		if err != nil {
			return false, fmt.Errorf("commit step: record %s: %w", r.Kind, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO records (command_id, body_key, kind, payload, seq)
			VALUES (?, ?, ?, ?, ?)
		`, step.Command.ID, r.BodyKey, string(r.Kind), data, r.Seq)
		if err != nil {
			return false, fmt.Errorf("commit step: insert record %s: %w", r.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit step: commit: %w", err)
	}
	return true, nil
}

// WriteIncident appends an incident.
func (s *Store) WriteIncident(ctx context.Context, inc ir.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (body_key, command_id, code, message, seq)
		VALUES (?, ?, ?, ?, ?)
	`, inc.BodyKey, inc.CommandID, inc.Code, inc.Message, inc.Seq)
	if err != nil {
		return fmt.Errorf("write incident: %w", err)
	}
	return nil
}
