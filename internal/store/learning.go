package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/seraph/internal/agent"
)

// InsertLearningEvents bulk-loads a cycle's events with COPY.
func (s *Store) InsertLearningEvents(ctx context.Context, events []*LearningEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now()
	_, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"learning_events"},
		[]string{"id", "cycle_id", "agent_id", "mode", "intensity", "knowledge_gained",
			"specialization_boost", "relationships_discovered", "memory_consolidated", "created_at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			created := e.CreatedAt
			if created.IsZero() {
				created = now
			}
			return []any{e.ID, e.CycleID, e.AgentID, e.Mode, e.Intensity, e.KnowledgeGained,
				e.SpecializationBoost, e.RelationshipsDiscovered, e.MemoryConsolidated, created}, nil
		}),
	)
	if err != nil {
		return &agent.PersistenceError{Op: "insert learning events", ID: events[0].CycleID, Err: err}
	}
	return nil
}

// PutDomainRule upserts a domain routing rule.
func (s *Store) PutDomainRule(ctx context.Context, rule DomainRule) error {
	if rule.Domain == "" && rule.TaskType == "" {
		return &agent.ValidationError{Field: "domain", Reason: "domain or task_type is required"}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO domain_rules (domain, task_type, seraphim_id) VALUES ($1, $2, $3)
		ON CONFLICT (domain, task_type) DO UPDATE SET seraphim_id = EXCLUDED.seraphim_id`,
		strings.ToLower(rule.Domain), strings.ToLower(rule.TaskType), rule.SeraphimID)
	if err != nil {
		return &agent.PersistenceError{Op: "put domain rule", ID: rule.Domain, Err: err}
	}
	return nil
}

// ResolveDomain returns the seraphim for the most specific matching rule, or
// "" when none matches.
func (s *Store) ResolveDomain(ctx context.Context, domain, taskType string) (string, error) {
	domain, taskType = strings.ToLower(domain), strings.ToLower(taskType)
	var candidates [][2]string
	if domain != "" {
		if taskType != "" {
			candidates = append(candidates, [2]string{domain, taskType})
		}
		candidates = append(candidates, [2]string{domain, ""})
	} else if taskType != "" {
		candidates = append(candidates, [2]string{"", taskType})
	}

	for _, c := range candidates {
		var id string
		err := s.db.QueryRow(ctx, `SELECT seraphim_id FROM domain_rules WHERE domain = $1 AND task_type = $2`,
			c[0], c[1]).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", &agent.PersistenceError{Op: "resolve domain", ID: domain, Err: err}
		}
		return id, nil
	}
	return "", nil
}
