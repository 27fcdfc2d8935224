package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stageColumns = `id, run_id, stage_index, integration, status, external_message_id, participant, last_error, created_at, updated_at`

// BeginStage returns the record for (runID, index), creating it in PENDING
// when it does not exist yet. A redelivered ADVANCE gets the existing record
// back, with whatever status and correlation the first attempt left.
func (q *Queries) BeginStage(ctx context.Context, runID string, index int, integration string) (*StageRecord, bool, error) {
	now := q.timestamp()
	res, err := q.exec(ctx,
		`INSERT INTO stage_records (id, run_id, stage_index, integration, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, stage_index) DO NOTHING`,
		uuid.New().String(), runID, index, integration, string(StagePending), now, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert stage record: %w", err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}

	rec, err := q.GetStageRecord(ctx, runID, index)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// GetStageRecord loads the record of (runID, index)
func (q *Queries) GetStageRecord(ctx context.Context, runID string, index int) (*StageRecord, error) {
	row := q.queryRow(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE run_id = ? AND stage_index = ?`, runID, index)
	rec, err := scanStageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stage record: %w", err)
	}
	return rec, nil
}

// GetStageRecordByID loads a record by its id
func (q *Queries) GetStageRecordByID(ctx context.Context, id string) (*StageRecord, error) {
	row := q.queryRow(ctx, `SELECT `+stageColumns+` FROM stage_records WHERE id = ?`, id)
	rec, err := scanStageRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStageRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stage record: %w", err)
	}
	return rec, nil
}

// ListStageRecords returns the records of a run ordered by stage
func (q *Queries) ListStageRecords(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := q.query(ctx,
		`SELECT `+stageColumns+` FROM stage_records WHERE run_id = ? ORDER BY stage_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %w", err)
	}
	return collectStageRecords(rows)
}

// ListStaleStages returns records in one of statuses whose last update is
// older than before
func (q *Queries) ListStaleStages(ctx context.Context, statuses []StageStatus, before time.Time, limit int) ([]StageRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses)+2)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	args = append(args, before.UTC().UnixNano(), limit)

	rows, err := q.query(ctx,
		`SELECT `+stageColumns+` FROM stage_records
		WHERE status IN (`+placeholders+`) AND updated_at < ?
		ORDER BY updated_at LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale stages: %w", err)
	}
	return collectStageRecords(rows)
}

// TransitionStage moves a record from one status to another. It reports false
// when the record was not in the expected status, leaving it untouched.
func (q *Queries) TransitionStage(ctx context.Context, id string, from, to StageStatus, lastError string) (bool, error) {
	res, err := q.exec(ctx,
		`UPDATE stage_records SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), lastError, q.timestamp(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update stage status: %w", err)
	}
	return affected(res)
}

// SetStageCorrelation stores the provider message id and participant of a
// stage. An existing correlation is never overwritten.
func (q *Queries) SetStageCorrelation(ctx context.Context, id, externalMessageID, participant string) error {
	_, err := q.exec(ctx,
		`UPDATE stage_records
		SET external_message_id = COALESCE(external_message_id, ?),
			participant = COALESCE(participant, ?),
			updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(externalMessageID), nullIfEmpty(participant), q.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set stage correlation: %w", err)
	}
	return nil
}

func collectStageRecords(rows *sql.Rows) ([]StageRecord, error) {
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		rec, err := scanStageRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanStageRecord(row rowScanner) (*StageRecord, error) {
	var (
		rec                 StageRecord
		status              string
		externalID, partic  sql.NullString
		lastError           sql.NullString
		createdAt, updateAt int64
	)
	if err := row.Scan(&rec.ID, &rec.RunID, &rec.StageIndex, &rec.Integration, &status,
		&externalID, &partic, &lastError, &createdAt, &updateAt); err != nil {
		return nil, err
	}
	rec.Status = StageStatus(status)
	rec.ExternalMessageID = nullString(externalID)
	rec.Participant = nullString(partic)
	rec.LastError = nullString(lastError)
	rec.CreatedAt = fromTimestamp(createdAt)
	rec.UpdatedAt = fromTimestamp(updateAt)
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
