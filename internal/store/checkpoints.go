package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/diamondctl/internal/checkpoint"
)

var (
	_ checkpoint.Store         = (*Store)(nil)
	_ checkpoint.StatusCounter = (*Store)(nil)
)

// Save upserts cp. Uses ON CONFLICT(id) DO UPDATE so repeated saves of the
// same checkpoint replace the previous row.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	network, _, err := checkpoint.ParseID(cp.ID)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if network, err = checkpoint.NormalizeNetwork(network); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: encode: %w", cp.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO checkpoints
		(id, network, status, workflow_type, created_ms, updated_ms, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_ms = excluded.updated_ms,
			data = excluded.data
	`),
		cp.ID,
		network,
		string(cp.Status),
		string(cp.WorkflowType),
		cp.Timestamp().UnixMilli(),
		cp.LastUpdate.UnixMilli(),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.ID, err)
	}

	s.logger.Debug("checkpoint row written",
		slog.String("checkpoint_id", cp.ID),
		slog.String("dialect", s.dialect.String()),
	)
	return nil
}

// Load reads the checkpoint with the given ID.
func (s *Store) Load(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT data FROM checkpoints WHERE id = ?
	`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", id, err)
	}

	cp, err := decode(id, data)
	if err != nil {
		return nil, err
	}
	if cp.ID != id {
		return nil, fmt.Errorf("%w: row %s holds checkpoint %q", checkpoint.ErrCorrupt, id, cp.ID)
	}
	return cp, nil
}

// List returns the checkpoints of network ordered by creation time, newest
// first, with ID as tiebreaker.
func (s *Store) List(ctx context.Context, network string) ([]*checkpoint.Checkpoint, error) {
	n, err := checkpoint.NormalizeNetwork(network)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT id, data FROM checkpoints
		WHERE network = ?
		ORDER BY created_ms DESC, id DESC
	`), n)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", n, err)
	}
	defer rows.Close()

	out := []*checkpoint.Checkpoint{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("list checkpoints for %s: scan: %w", n, err)
		}
		cp, err := decode(id, data)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint",
				slog.String("checkpoint_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", n, err)
	}
	return out, nil
}

// Delete removes the checkpoint with the given ID. Missing rows are not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM checkpoints WHERE id = ?
	`), id)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns how many checkpoints of network are in each status.
func (s *Store) CountByStatus(ctx context.Context, network string) (map[checkpoint.Status]int, error) {
	n, err := checkpoint.NormalizeNetwork(network)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT status, COUNT(*) FROM checkpoints
		WHERE network = ?
		GROUP BY status
	`), n)
	if err != nil {
		return nil, fmt.Errorf("count checkpoints for %s: %w", n, err)
	}
	defer rows.Close()

	out := make(map[checkpoint.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("count checkpoints for %s: scan: %w", n, err)
		}
		out[checkpoint.Status(status)] = count
	}
	return out, rows.Err()
}

func decode(id, data string) (*checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("%w: row %s: %v", checkpoint.ErrCorrupt, id, err)
	}
	return &cp, nil
}
