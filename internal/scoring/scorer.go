// Package scoring ranks agents by specialization and folds task outcomes back
// into their scores.
package scoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/store"
)

// OutcomeAlpha is the weight of a single outcome in the moving score update.
const OutcomeAlpha = 0.1

// Scorer ranks agents for a task type.
type Scorer struct {
	repo   store.Repository
	logger *zap.Logger
}

// New creates a Scorer over the agent repository.
func New(repo store.Repository, logger *zap.Logger) *Scorer {
	return &Scorer{repo: repo, logger: logger}
}

// RankAgents returns up to limit candidates for taskType. With a sector every
// agent of that sector is a candidate; without one only agents holding a
// positive score for taskType are. Agents in error status are never ranked.
// An empty result is not an error.
func (s *Scorer) RankAgents(ctx context.Context, taskType, sector string, limit int) ([]*agent.Agent, error) {
	f := store.AgentFilter{
		Statuses: []agent.Status{agent.StatusIdle, agent.StatusActive, agent.StatusProcessing, agent.StatusDormant},
		Sector:   sector,
	}
	if sector == "" {
		f.TaskType = taskType
	}
	candidates, err := s.repo.ListAgents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("rank agents for %s: %w", taskType, err)
	}
	return Rank(candidates, taskType, limit), nil
}

// Rank orders agents by score for taskType (desc), success rate (desc), completed
// tasks (asc) and finally ID, then truncates to limit. limit <= 0 keeps all.
// The input slice is not modified.
func Rank(agents []*agent.Agent, taskType string, limit int) []*agent.Agent {
	out := make([]*agent.Agent, len(agents))
	copy(out, agents)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if sa, sb := a.Score(taskType), b.Score(taskType); sa != sb {
			return sa > sb
		}
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.TotalTasksCompleted != b.TotalTasksCompleted {
			return a.TotalTasksCompleted < b.TotalTasksCompleted
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecordOutcome moves the agent's taskType score toward 1 on success or 0 on
// failure, updates its running success rate and bumps its completed count.
// The repository applies all three against the stored row, so outcomes that
// finish together and concurrent learning cycles do not lose each other's writes.
func (s *Scorer) RecordOutcome(ctx context.Context, agentID, taskType string, success bool) error {
	a, err := s.repo.ApplyOutcome(ctx, store.TaskOutcome{
		AgentID:  agentID,
		TaskType: taskType,
		Success:  success,
		Alpha:    OutcomeAlpha,
		At:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", agentID, err)
	}

	s.logger.Debug("outcome recorded",
		zap.String("agent", agentID),
		zap.String("task_type", taskType),
		zap.Bool("success", success),
		zap.Float64("score", a.Score(taskType)),
		zap.Float64("success_rate", a.SuccessRate),
		zap.Int("completed", a.TotalTasksCompleted))
	return nil
}
