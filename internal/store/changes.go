package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/stocktake/internal/model"
)

// Record appends change entries in one transaction. Entries whose ID is
// already stored are ignored, so a retried commit does not double count.
func (s *Store) Record(ctx context.Context, entries []model.ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record changes: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO change_log (id, item_id, location_id, delta, activity, reference, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("record changes: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("record changes: entry for item %s has no id", e.ItemID)
		}
		_, err := stmt.ExecContext(ctx,
			e.ID,
			e.ItemID,
			e.LocationID,
			e.Delta,
			string(e.Activity),
			e.Reference,
			e.At.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("record change %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record changes: %w", err)
	}
	return nil
}

// ListChanges returns recorded changes in insertion order. An empty
// reference lists everything; otherwise only rows whose reference equals
// ref or starts with ref + "#" (group-scoped commits) are returned.
func (s *Store) ListChanges(ctx context.Context, ref string) ([]model.ChangeEntry, error) {
	query := `
		SELECT id, item_id, location_id, delta, activity, reference, at
		FROM change_log`
	var args []any
	if ref != "" {
		query += ` WHERE reference = ? OR substr(reference, 1, ?) = ?`
		args = append(args, ref, len(ref)+1, ref+"#")
	}
	query += ` ORDER BY seq ASC, id ASC COLLATE BINARY`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var out []model.ChangeEntry
	for rows.Next() {
		var (
			e        model.ChangeEntry
			activity string
			at       string
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.LocationID, &e.Delta, &activity, &e.Reference, &at); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		e.Activity = model.Activity(activity)
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("change %s: parse time: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
