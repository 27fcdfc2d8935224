package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateWorkflow inserts a workflow and its steps. Step indices must be
// contiguous from zero.
func (q *Queries) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if len(wf.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidWorkflow)
	}
	for i, step := range wf.Steps {
		if step.Index != i {
			return fmt.Errorf("%w: step %d has index %d", ErrInvalidWorkflow, i, step.Index)
		}
		if step.Integration == "" {
			return fmt.Errorf("%w: step %d has no integration", ErrInvalidWorkflow, i)
		}
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	now := q.timestamp()
	if _, err := q.exec(ctx,
		`INSERT INTO workflows (id, name, created_at) VALUES (?, ?, ?)`,
		wf.ID, wf.Name, now,
	); err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		step.WorkflowID = wf.ID
		config, err := encodeMap(step.Config)
		if err != nil {
			return fmt.Errorf("failed to encode config of step %d: %w", i, err)
		}
		if _, err := q.exec(ctx,
			`INSERT INTO steps (workflow_id, stage_index, integration, config) VALUES (?, ?, ?, ?)`,
			wf.ID, step.Index, step.Integration, config,
		); err != nil {
			return fmt.Errorf("failed to insert step %d: %w", i, err)
		}
	}

	wf.CreatedAt = fromTimestamp(now)
	return nil
}

// GetStep loads the step at (workflowID, index)
func (q *Queries) GetStep(ctx context.Context, workflowID string, index int) (*Step, error) {
	row := q.queryRow(ctx,
		`SELECT workflow_id, stage_index, integration, config FROM steps WHERE workflow_id = ? AND stage_index = ?`,
		workflowID, index,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step: %w", err)
	}
	return step, nil
}

// CountSteps returns the number of steps in a workflow
func (q *Queries) CountSteps(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM steps WHERE workflow_id = ?`, workflowID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count steps: %w", err)
	}
	return n, nil
}

// ListSteps returns the steps of one workflow, or of every workflow when
// workflowID is empty, ordered by workflow and index.
func (q *Queries) ListSteps(ctx context.Context, workflowID string) ([]Step, error) {
	query := `SELECT workflow_id, stage_index, integration, config FROM steps`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, stage_index`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// InsertRun stores a new run in ACTIVE status
func (q *Queries) InsertRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = RunActive
	}
	meta, err := encodeMap(run.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode run meta: %w", err)
	}

	now := q.timestamp()
	if _, err := q.exec(ctx,
		`INSERT INTO runs (id, workflow_id, run_meta, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, meta, string(run.Status), now, now,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	run.CreatedAt = fromTimestamp(now)
	run.UpdatedAt = run.CreatedAt
	return nil
}

// GetRun loads a run by id
func (q *Queries) GetRun(ctx context.Context, id string) (*Run, error) {
	var (
		run       Run
		meta      string
		status    string
		createdAt int64
		updatedAt int64
	)
	err := q.queryRow(ctx,
		`SELECT id, workflow_id, run_meta, status, created_at, updated_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &meta, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	if run.Meta, err = decodeMap(meta); err != nil {
		return nil, fmt.Errorf("failed to decode run meta: %w", err)
	}
	run.Status = RunStatus(status)
	run.CreatedAt = fromTimestamp(createdAt)
	run.UpdatedAt = fromTimestamp(updatedAt)
	return &run, nil
}

// UpdateRunMeta replaces the run meta
func (q *Queries) UpdateRunMeta(ctx context.Context, id string, meta map[string]any) error {
	encoded, err := encodeMap(meta)
	if err != nil {
		return fmt.Errorf("failed to encode run meta: %w", err)
	}
	res, err := q.exec(ctx, `UPDATE runs SET run_meta = ?, updated_at = ? WHERE id = ?`, encoded, q.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update run meta: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrRunNotFound
	}
	return nil
}

// SetRunStatus updates the coarse run status
func (q *Queries) SetRunStatus(ctx context.Context, id string, status RunStatus) error {
	res, err := q.exec(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, string(status), q.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return err
	} else if !ok {
		return ErrRunNotFound
	}
	return nil
}

// StartRun inserts a run together with the outbox entry for its first stage
func (s *Store) StartRun(ctx context.Context, run *Run) error {
	return s.WithTx(ctx, func(q *Queries) error {
		if _, err := q.CountStepsOrFail(ctx, run.WorkflowID); err != nil {
			return err
		}
		if err := q.InsertRun(ctx, run); err != nil {
			return err
		}
		return q.EnqueueAdvance(ctx, run.ID, 0, "")
	})
}

// CountStepsOrFail is CountSteps returning ErrWorkflowNotFound for workflows
// without steps
func (q *Queries) CountStepsOrFail(ctx context.Context, workflowID string) (int, error) {
	n, err := q.CountSteps(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrWorkflowNotFound
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (*Step, error) {
	var (
		step   Step
		config string
	)
	if err := row.Scan(&step.WorkflowID, &step.Index, &step.Integration, &config); err != nil {
		return nil, err
	}
	m, err := decodeMap(config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode step config: %w", err)
	}
	step.Config = m
	return &step, nil
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
