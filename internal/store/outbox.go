package store

import (
	"context"
	"fmt"

	"github.com/glimte/stagerelay/contracts"
)

// InsertOutbox stores an envelope for publication
func (q *Queries) InsertOutbox(ctx context.Context, entry *OutboxEntry) error {
	now := q.timestamp()
	if _, err := q.exec(ctx,
		`INSERT INTO outbox (run_id, stage_index, payload, created_at) VALUES (?, ?, ?, ?)`,
		entry.RunID, entry.StageIndex, string(entry.Payload), now,
	); err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	entry.CreatedAt = fromTimestamp(now)
	return nil
}

// EnqueueAdvance writes the ADVANCE envelope for (runID, stage)
func (q *Queries) EnqueueAdvance(ctx context.Context, runID string, stage int, awaitedReplyID string) error {
	env, err := contracts.NewAdvance(contracts.RunRef{ID: runID, AwaitedReplyID: awaitedReplyID}, stage)
	if err != nil {
		return err
	}
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	return q.InsertOutbox(ctx, &OutboxEntry{RunID: runID, StageIndex: stage, Payload: payload})
}

// ListOutbox returns up to limit entries, oldest first. Inside a PostgreSQL
// transaction the rows are locked and rows locked by another publisher are
// skipped.
func (q *Queries) ListOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := `SELECT id, run_id, stage_index, payload, created_at FROM outbox ORDER BY id LIMIT ?`
	if q.inTx && q.dialect == DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := q.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e         OutboxEntry
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.StageIndex, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		e.Payload = []byte(payload)
		e.CreatedAt = fromTimestamp(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes a published entry
func (q *Queries) DeleteOutbox(ctx context.Context, id int64) error {
	if _, err := q.exec(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry %d: %w", id, err)
	}
	return nil
}
