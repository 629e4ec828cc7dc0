package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/mibody/internal/ir"
)

// HasCommand reports whether a command with id was already recorded.
func (s *Store) HasCommand(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check command: %w", err)
	}
	return count > 0, nil
}

// ReadCommands returns the command log of a body.
// Results are ordered by seq ASC, id ASC COLLATE BINARY.
//
// Returns an empty slice (not nil) if the body has no commands.
func (s *Store) ReadCommands(ctx context.Context, bodyKey string) ([]ir.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body_key, kind, payload, seq
		FROM commands
		WHERE body_key = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, bodyKey)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	commands := []ir.Command{}
	for rows.Next() {
		var cmd ir.Command
		var kind, payload string
		if err := rows.Scan(&cmd.ID, &cmd.BodyKey, &kind, &payload, &cmd.Seq); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmd.Kind = ir.CommandKind(kind)
		if cmd.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("command %s: %w", cmd.ID, err)
		}
		commands = append(commands, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commands: %w", err)
	}
	return commands, nil
}

// ReadBody retrieves the latest snapshot of a body.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadBody(ctx context.Context, key string) (ir.StoredBody, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, element_id, state, data, snapshot_hash, seq
		FROM bodies
		WHERE key = ?
	`, key)
	return scanBody(row)
}

// ReadBodies returns every stored body ordered by seq, then key.
func (s *Store) ReadBodies(ctx context.Context) ([]ir.StoredBody, error) {
	return s.queryBodies(ctx, `
		SELECT key, element_id, state, data, snapshot_hash, seq
		FROM bodies
		ORDER BY seq ASC, key COLLATE BINARY ASC
	`)
}

func (s *Store) queryBodies(ctx context.Context, query string, args ...any) ([]ir.StoredBody, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bodies: %w", err)
	}
	defer rows.Close()

	bodies := []ir.StoredBody{}
	for rows.Next() {
		b, err := scanBody(rows)
		if err != nil {
			return nil, fmt.Errorf("scan body: %w", err)
		}
		bodies = append(bodies, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bodies: %w", err)
	}
	return bodies, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBody(row scanner) (ir.StoredBody, error) {
	var b ir.StoredBody
	if err := row.Scan(&b.Key, &b.ElementID, &b.State, &b.Data, &b.Hash, &b.Seq); err != nil {
		return ir.StoredBody{}, err
	}
	return b, nil
}

// ReadRecords returns the trace of a body, or of every body when bodyKey
// is empty. Ordered by seq ASC, id ASC.
func (s *Store) ReadRecords(ctx context.Context, bodyKey string) ([]ir.Record, error) {
	var rows *sql.Rows
	var err error
	if bodyKey == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT command_id, body_key, kind, payload, seq
			FROM records
			ORDER BY seq ASC, id ASC
		`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT command_id, body_key, kind, payload, seq
			FROM records
			WHERE body_key = ?
			ORDER BY seq ASC, id ASC
		`, bodyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []ir.Record{}
	for rows.Next() {
		var r ir.Record
		var kind, payload string
		if err := rows.Scan(&r.CommandID, &r.BodyKey, &kind, &payload, &r.Seq); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = ir.RecordKind(kind)
		if r.Payload, err = unmarshalPayload(payload); err != nil {
			return nil, fmt.Errorf("record %d: %w", r.Seq, err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ReadIncidents returns the incidents of a body, or all incidents when
// bodyKey is empty. Ordered by seq ASC, id ASC.
func (s *Store) ReadIncidents(ctx context.Context, bodyKey string) ([]ir.Incident, error) {
	query := `
		SELECT body_key, command_id, code, message, seq
		FROM incidents
		WHERE (? = '' OR body_key = ?)
		ORDER BY seq ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, bodyKey, bodyKey)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	incidents := []ir.Incident{}
	for rows.Next() {
		var inc ir.Incident
		if err := rows.Scan(&inc.BodyKey, &inc.CommandID, &inc.Code, &inc.Message, &inc.Seq); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return incidents, nil
}
