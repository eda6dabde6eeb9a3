package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/seraph/internal/agent"
)

const agentColumns = `id, name, sector, status, tier, COALESCE(parent_seraphim_id, ''),
	specialization_scores, success_rate, total_tasks_completed, learning_velocity, last_updated_at`

// SaveAgent upserts an agent into the database.
func (s *Store) SaveAgent(ctx context.Context, a *agent.Agent) error {
	if a == nil || a.ID == "" {
		return &agent.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	updated := a.LastUpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	scores := a.SpecializationScores
	if scores == nil {
		scores = map[string]float64{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, sector, status, tier, parent_seraphim_id,
		                    specialization_scores, success_rate, total_tasks_completed, learning_velocity, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			sector = EXCLUDED.sector,
			status = EXCLUDED.status,
			tier = EXCLUDED.tier,
			parent_seraphim_id = EXCLUDED.parent_seraphim_id,
			specialization_scores = EXCLUDED.specialization_scores,
			success_rate = EXCLUDED.success_rate,
			total_tasks_completed = EXCLUDED.total_tasks_completed,
			learning_velocity = EXCLUDED.learning_velocity,
			last_updated_at = EXCLUDED.last_updated_at`,
		a.ID, a.Name, a.Sector, string(a.Status), string(a.Tier), a.ParentSeraphimID,
		scores, a.SuccessRate, a.TotalTasksCompleted, a.LearningVelocity, updated,
	)
	if err != nil {
		return &agent.PersistenceError{Op: "save agent", ID: a.ID, Err: err}
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns the agents matching f.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]*agent.Agent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Sector != "" {
		where = append(where, "lower(sector) = lower("+arg(f.Sector)+")")
	}
	if f.Tier != "" {
		where = append(where, "tier = "+arg(string(f.Tier)))
	}
	if f.ParentID != "" {
		where = append(where, "parent_seraphim_id = "+arg(f.ParentID))
	}
	if f.TaskType != "" {
		where = append(where, "COALESCE((specialization_scores->>"+arg(f.TaskType)+")::float8, 0) > 0")
	}

	q := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	switch f.OrderBy {
	case OrderByLastUpdatedAsc:
		q += " ORDER BY last_updated_at ASC, id ASC"
	default:
		q += " ORDER BY id ASC"
	}
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return collectAgents(rows)
}

// ScanAgents pages through all agents in id order (keyset pagination).
func (s *Store) ScanAgents(ctx context.Context, afterID string, pageSize int) ([]*agent.Agent, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE id > $1 ORDER BY id LIMIT $2`, afterID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("scan agents after %q: %w", afterID, err)
	}
	return collectAgents(rows)
}

// UpdateAgents applies a set of partial updates in one round trip.
// Updates naming unknown agents are reported through a *BatchError.
func (s *Store) UpdateAgents(ctx context.Context, updates []AgentUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, u := range updates {
		var lastUpdated *time.Time
		if !u.LastUpdatedAt.IsZero() {
			t := u.LastUpdatedAt
			lastUpdated = &t
		}
		deltas := u.ScoreDeltas
		if deltas == nil {
			deltas = map[string]float64{}
		}
		// deltas are merged per key against the row's current scores
		batch.Queue(`
			UPDATE agents SET
				learning_velocity = COALESCE($2, learning_velocity),
				specialization_scores = specialization_scores || COALESCE((
					SELECT jsonb_object_agg(d.key,
						LEAST(1, GREATEST(0, (specialization_scores->>d.key)::float8 + d.value::float8)))
					FROM jsonb_each_text($3::jsonb) AS d
					WHERE specialization_scores ? d.key), '{}'::jsonb),
				status = COALESCE(NULLIF($4, ''), status),
				tier = COALESCE(NULLIF($5, ''), tier),
				parent_seraphim_id = CASE WHEN $6::boolean THEN NULLIF($7, '') ELSE parent_seraphim_id END,
				last_updated_at = COALESCE($8, last_updated_at)
			WHERE id = $1`,
			u.ID, u.LearningVelocity, deltas,
			string(u.Status), string(u.Tier), u.ParentSeraphimID != nil, deref(u.ParentSeraphimID), lastUpdated,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	failed := make(map[string]error)
	for _, u := range updates {
		tag, err := br.Exec()
		switch {
		case err != nil:
			failed[u.ID] = &agent.PersistenceError{Op: "update agent", ID: u.ID, Err: err}
		case tag.RowsAffected() == 0:
			failed[u.ID] = agent.ErrAgentNotFound
		}
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

// ApplyOutcome folds a task outcome into the agent row in a single statement:
// the score moves toward the outcome by Alpha, the success rate is re-averaged
// and the completed count is incremented in place.
func (s *Store) ApplyOutcome(ctx context.Context, o TaskOutcome) (*agent.Agent, error) {
	at := o.At
	if at.IsZero() {
		at = time.Now()
	}
	row := s.db.QueryRow(ctx, `
		UPDATE agents SET
			specialization_scores = specialization_scores || jsonb_build_object($2::text,
				LEAST(1, GREATEST(0, COALESCE((specialization_scores->>$2::text)::float8, 0)
					+ $3::float8 * ($4::float8 - COALESCE((specialization_scores->>$2::text)::float8, 0))))),
			success_rate = LEAST(1, GREATEST(0,
				(success_rate * total_tasks_completed + $4::float8) / (total_tasks_completed + 1))),
			total_tasks_completed = total_tasks_completed + 1,
			last_updated_at = $5
		WHERE id = $1
		RETURNING `+agentColumns,
		o.AgentID, o.TaskType, o.Alpha, o.target(), at)
	a, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, agent.ErrAgentNotFound
	}
	if err != nil {
		return nil, &agent.PersistenceError{Op: "apply outcome", ID: o.AgentID, Err: err}
	}
	return a, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanAgent(row pgx.Row) (*agent.Agent, error) {
	var a agent.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Sector, &a.Status, &a.Tier, &a.ParentSeraphimID,
		&a.SpecializationScores, &a.SuccessRate, &a.TotalTasksCompleted, &a.LearningVelocity, &a.LastUpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.SpecializationScores == nil {
		a.SpecializationScores = map[string]float64{}
	}
	return &a, nil
}

func collectAgents(rows pgx.Rows) ([]*agent.Agent, error) {
	defer rows.Close()
	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
