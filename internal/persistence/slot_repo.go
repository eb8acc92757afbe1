package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SlotUpdateRecord is one logged reception of a slot.
type SlotUpdateRecord struct {
	ID         int64
	SlotIndex  int
	Payload    []byte
	ReceivedAt time.Time
}

type SlotUpdateRepo struct {
	db *sql.DB
}

func NewSlotUpdateRepo(db *sql.DB) *SlotUpdateRepo {
	return &SlotUpdateRepo{db: db}
}

func (r *SlotUpdateRepo) Insert(ctx context.Context, u SlotUpdateRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO slot_updates(slot_index, size, payload, received_at)
		VALUES (?, ?, ?, ?)
	`, u.SlotIndex, len(u.Payload), u.Payload, toUnixMillis(u.ReceivedAt))
	if err != nil {
		return fmt.Errorf("insert slot update: %w", err)
	}
	return nil
}

// InsertBatch writes a run of records inside one transaction. The slot
// logger folds bursts of updates into these to keep up with the 20 ms frame
// cadence.
func (r *SlotUpdateRepo) InsertBatch(ctx context.Context, recs []SlotUpdateRecord) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin slot update batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slot_updates(slot_index, size, payload, received_at)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare slot update insert: %w", err)
	}
	defer stmt.Close()

	for _, u := range recs {
		if _, err := stmt.ExecContext(ctx, u.SlotIndex, len(u.Payload), u.Payload, toUnixMillis(u.ReceivedAt)); err != nil {
			return fmt.Errorf("insert slot update batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit slot update batch: %w", err)
	}
	return nil
}

// ListRecent returns the newest records first, at most limit of them.
func (r *SlotUpdateRepo) ListRecent(ctx context.Context, limit int) ([]SlotUpdateRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, slot_index, payload, received_at
		FROM slot_updates
		ORDER BY received_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list slot updates: %w", err)
	}
	defer rows.Close()

	var out []SlotUpdateRecord
	for rows.Next() {
		var (
			rec     SlotUpdateRecord
			receive int64
		)
		if err := rows.Scan(&rec.ID, &rec.SlotIndex, &rec.Payload, &receive); err != nil {
			return nil, fmt.Errorf("scan slot update: %w", err)
		}
		rec.ReceivedAt = fromUnixMillis(receive)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slot updates: %w", err)
	}
	return out, nil
}

// DeleteOlderThan removes records received before cutoff and reports how
// many went away.
func (r *SlotUpdateRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM slot_updates WHERE received_at < ?
	`, toUnixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old slot updates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted slot updates: %w", err)
	}
	return n, nil
}

func toUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
