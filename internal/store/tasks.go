package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/seraph/internal/agent"
)

const taskColumns = `id, type, sector, priority, description, status, assigned_agent_ids, created_at, updated_at`

// CreateTask inserts a new task in pending state. An existing row with the
// same ID is left untouched and ErrTaskExists is returned.
func (s *Store) CreateTask(ctx context.Context, t *agent.Task) error {
	if t == nil || t.ID == "" {
		return &agent.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = agent.TaskPending
	}
	ids := t.AssignedAgentIDs
	if ids == nil {
		ids = []string{}
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, type, sector, priority, description, status, assigned_agent_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Type, t.Sector, string(t.Priority), t.Description, string(t.Status), ids, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return &agent.PersistenceError{Op: "create task", ID: t.ID, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return agent.ErrTaskExists
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// AssignTask flips a pending task to assigned and inserts its assignment rows
// in one transaction. The conditional update makes the first writer win.
func (s *Store) AssignTask(ctx context.Context, taskID string, assignments []*agent.Assignment) error {
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.AgentID)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE tasks SET status = 'assigned', assigned_agent_ids = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'pending'`, taskID, ids)
		if err != nil {
			return &agent.PersistenceError{Op: "assign task", ID: taskID, Err: err}
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task %s: %w", taskID, err)
			}
			if !exists {
				return agent.ErrTaskNotFound
			}
			return agent.ErrAlreadyAssigned
		}

		now := time.Now()
		batch := &pgx.Batch{}
		for _, a := range assignments {
			at := a.AssignedAt
			if at.IsZero() {
				at = now
			}
			batch.Queue(`
				INSERT INTO assignments (id, task_id, agent_id, confidence, specialization_match, reasoning, manual, status, assigned_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'assigned', $8)`,
				a.ID, taskID, a.AgentID, a.Confidence, string(a.SpecializationMatch), a.Reasoning, a.Manual, at)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return &agent.PersistenceError{Op: "insert assignments", ID: taskID, Err: err}
		}
		return nil
	})
}

// TransitionTask moves a task from one of the allowed statuses to the target
// status and mirrors the change on its active assignments.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from []agent.TaskStatus, to agent.TaskStatus) (*agent.Task, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	var out *agent.Task
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE tasks SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = ANY($2)
			RETURNING `+taskColumns, taskID, allowed, string(to))
		t, err := scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
				return fmt.Errorf("check task %s: %w", taskID, err)
			}
			if !exists {
				return agent.ErrTaskNotFound
			}
			return agent.ErrInvalidTransition
		}
		if err != nil {
			return &agent.PersistenceError{Op: "transition task", ID: taskID, Err: err}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE assignments SET status = $2
			WHERE task_id = $1 AND status IN ('assigned', 'in_progress')`, taskID, string(to)); err != nil {
			return &agent.PersistenceError{Op: "transition assignments", ID: taskID, Err: err}
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAssignments returns every assignment row recorded for a task.
func (s *Store) ListAssignments(ctx context.Context, taskID string) ([]*agent.Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, task_id, agent_id, confidence, specialization_match, reasoning, manual, status, assigned_at
		FROM assignments WHERE task_id = $1 ORDER BY assigned_at, agent_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []*agent.Assignment
	for rows.Next() {
		var a agent.Assignment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.Confidence, &a.SpecializationMatch,
			&a.Reasoning, &a.Manual, &a.Status, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (*agent.Task, error) {
	var t agent.Task
	if err := row.Scan(&t.ID, &t.Type, &t.Sector, &t.Priority, &t.Description, &t.Status,
		&t.AssignedAgentIDs, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
