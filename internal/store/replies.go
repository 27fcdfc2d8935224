package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const awaitedColumns = `id, run_id, stage_index, stage_record_id, external_message_id, participant, status, created_at, updated_at`

// InsertAwaitedReply creates the awaited reply of a waiting stage. A second
// insert for the same stage record is ignored and reports false.
func (q *Queries) InsertAwaitedReply(ctx context.Context, ar *AwaitedReply) (bool, error) {
	if ar.ID == "" {
		ar.ID = uuid.New().String()
	}
	if ar.Status == "" {
		ar.Status = ReplyCreated
	}
	now := q.timestamp()
	res, err := q.exec(ctx,
		`INSERT INTO awaited_replies (`+awaitedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_record_id) DO NOTHING`,
		ar.ID, ar.RunID, ar.StageIndex, ar.StageRecordID, nullIfEmpty(ar.ExternalMessageID),
		ar.Participant, string(ar.Status), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert awaited reply: %w", err)
	}
	ar.CreatedAt = fromTimestamp(now)
	ar.UpdatedAt = ar.CreatedAt
	return affected(res)
}

// GetAwaitedReply loads an awaited reply by id
func (q *Queries) GetAwaitedReply(ctx context.Context, id string) (*AwaitedReply, error) {
	row := q.queryRow(ctx, `SELECT `+awaitedColumns+` FROM awaited_replies WHERE id = ?`, id)
	ar, err := scanAwaitedReply(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAwaitedReplyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load awaited reply: %w", err)
	}
	return ar, nil
}

// GetAwaitedReplyByStageRecord loads the awaited reply of a waiting stage
func (q *Queries) GetAwaitedReplyByStageRecord(ctx context.Context, stageRecordID string) (*AwaitedReply, error) {
	row := q.queryRow(ctx, `SELECT `+awaitedColumns+` FROM awaited_replies WHERE stage_record_id = ?`, stageRecordID)
	ar, err := scanAwaitedReply(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAwaitedReplyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load awaited reply: %w", err)
	}
	return ar, nil
}

// FindAwaitedReply returns the most recent awaited reply of a participant,
// preferring open ones. When externalMessageID is set only replies with that
// correlation match.
func (q *Queries) FindAwaitedReply(ctx context.Context, participant, externalMessageID string) (*AwaitedReply, error) {
	query := `SELECT ` + awaitedColumns + ` FROM awaited_replies WHERE participant = ?`
	args := []any{participant}
	if externalMessageID != "" {
		query += ` AND external_message_id = ?`
		args = append(args, externalMessageID)
	}
	query += ` ORDER BY CASE WHEN status = ? THEN 1 ELSE 0 END, created_at DESC LIMIT 1`
	args = append(args, string(ReplySuccess))

	ar, err := scanAwaitedReply(q.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAwaitedReplyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find awaited reply: %w", err)
	}
	return ar, nil
}

// MarkAwaitedReplyPending moves a CREATED reply to PENDING, meaning a reply
// arrived and is being captured
func (q *Queries) MarkAwaitedReplyPending(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE awaited_replies SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(ReplyPending), q.timestamp(), id, string(ReplyCreated),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark awaited reply pending: %w", err)
	}
	return affected(res)
}

// ResolveAwaitedReply moves an open reply to SUCCESS. Only the first caller
// gets true; every later call is a no-op.
func (q *Queries) ResolveAwaitedReply(ctx context.Context, id string) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE awaited_replies SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(ReplySuccess), q.timestamp(), id, string(ReplyCreated), string(ReplyPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve awaited reply: %w", err)
	}
	return affected(res)
}

// InsertCapturedReply stores the reply snapshot. A second capture for the
// same awaited reply is ignored and reports false.
func (q *Queries) InsertCapturedReply(ctx context.Context, cr *CapturedReply) (bool, error) {
	if cr.ID == "" {
		cr.ID = uuid.New().String()
	}
	template, err := encodeMap(cr.Template)
	if err != nil {
		return false, fmt.Errorf("failed to encode reply template: %w", err)
	}
	now := q.timestamp()
	res, err := q.exec(ctx,
		`INSERT INTO captured_replies (id, awaited_reply_id, run_id, participant, template, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (awaited_reply_id) DO NOTHING`,
		cr.ID, cr.AwaitedReplyID, cr.RunID, cr.Participant, template, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert captured reply: %w", err)
	}
	cr.CreatedAt = fromTimestamp(now)
	return affected(res)
}

// GetCapturedReply loads the snapshot captured for an awaited reply
func (q *Queries) GetCapturedReply(ctx context.Context, awaitedReplyID string) (*CapturedReply, error) {
	var (
		cr        CapturedReply
		template  string
		createdAt int64
	)
	err := q.queryRow(ctx,
		`SELECT id, awaited_reply_id, run_id, participant, template, created_at
		FROM captured_replies WHERE awaited_reply_id = ?`, awaitedReplyID,
	).Scan(&cr.ID, &cr.AwaitedReplyID, &cr.RunID, &cr.Participant, &template, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCapturedReplyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load captured reply: %w", err)
	}
	if cr.Template, err = decodeMap(template); err != nil {
		return nil, fmt.Errorf("failed to decode reply template: %w", err)
	}
	cr.CreatedAt = fromTimestamp(createdAt)
	return &cr, nil
}

func scanAwaitedReply(row rowScanner) (*AwaitedReply, error) {
	var (
		ar                   AwaitedReply
		status               string
		externalID           sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&ar.ID, &ar.RunID, &ar.StageIndex, &ar.StageRecordID, &externalID,
		&ar.Participant, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ar.ExternalMessageID = nullString(externalID)
	ar.Status = ReplyStatus(status)
	ar.CreatedAt = fromTimestamp(createdAt)
	ar.UpdatedAt = fromTimestamp(updatedAt)
	return &ar, nil
}
