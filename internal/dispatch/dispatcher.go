// Package dispatch routes work through the seraphim/worker hierarchy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/scoring"
	"github.com/nidhogg/seraph/internal/store"
)

// DefaultCap is the maximum number of workers returned per route.
const DefaultCap = 5

// Route is the result of RouteThroughHierarchy. An empty SeraphimID means no
// hierarchy is defined for the request.
type Route struct {
	SeraphimID string         `json:"seraphim_id,omitempty"`
	WorkerIDs  []string       `json:"worker_ids"`
	Workers    []*agent.Agent `json:"-"` // ranked, parallel to WorkerIDs
}

// Dispatcher resolves coordinating seraphim and selects their workers.
type Dispatcher struct {
	repo       store.Repository
	maxWorkers int
	logger     *zap.Logger
}

// New creates a Dispatcher. maxWorkers <= 0 uses DefaultCap.
func New(repo store.Repository, maxWorkers int, logger *zap.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = DefaultCap
	}
	return &Dispatcher{repo: repo, maxWorkers: maxWorkers, logger: logger}
}

// RouteThroughHierarchy resolves the seraphim for taskType/domain and returns up to
// the configured cap of its own workers ranked for taskType.
func (d *Dispatcher) RouteThroughHierarchy(ctx context.Context, taskType, domain string) (Route, error) {
	route := Route{WorkerIDs: []string{}}

	seraphimID, err := d.repo.ResolveDomain(ctx, domain, taskType)
	if err != nil {
		return route, fmt.Errorf("resolve domain %q: %w", domain, err)
	}
	if seraphimID == "" {
		d.logger.Debug("no hierarchy for request",
			zap.String("task_type", taskType), zap.String("domain", domain))
		return route, nil
	}

	seraphim, err := d.repo.GetAgent(ctx, seraphimID)
	if errors.Is(err, agent.ErrAgentNotFound) {
		d.logger.Warn("domain rule points at missing agent",
			zap.String("domain", domain), zap.String("seraphim", seraphimID))
		return route, nil
	}
	if err != nil {
		return route, fmt.Errorf("load seraphim %s: %w", seraphimID, err)
	}
	if seraphim.Tier != agent.TierSeraphim {
		d.logger.Warn("domain rule points at non-seraphim agent",
			zap.String("domain", domain), zap.String("agent", seraphimID), zap.String("tier", string(seraphim.Tier)))
		return route, nil
	}
	route.SeraphimID = seraphim.ID

	workers, err := d.repo.ListAgents(ctx, store.AgentFilter{
		Tier:     agent.TierWorker,
		ParentID: seraphim.ID,
	})
	if err != nil {
		return route, fmt.Errorf("list workers of %s: %w", seraphim.ID, err)
	}

	eligible := workers[:0]
	for _, w := range workers {
		if w.Status != agent.StatusError && w.ParentSeraphimID == seraphim.ID {
			eligible = append(eligible, w)
		}
	}
	for _, w := range scoring.Rank(eligible, taskType, d.maxWorkers) {
		route.WorkerIDs = append(route.WorkerIDs, w.ID)
		route.Workers = append(route.Workers, w)
	}
	return route, nil
}

// AttachWorker places workerID under seraphimID.
func (d *Dispatcher) AttachWorker(ctx context.Context, workerID, seraphimID string) error {
	if workerID == seraphimID {
		return &agent.ValidationError{Field: "parent_seraphim_id", Reason: "agent cannot parent itself"}
	}
	parent, err := d.repo.GetAgent(ctx, seraphimID)
	if err != nil {
		return fmt.Errorf("load seraphim %s: %w", seraphimID, err)
	}
	if parent.Tier != agent.TierSeraphim {
		return &agent.ValidationError{Field: "parent_seraphim_id", Reason: seraphimID + " is not a seraphim"}
	}
	worker, err := d.repo.GetAgent(ctx, workerID)
	if err != nil {
		return fmt.Errorf("load worker %s: %w", workerID, err)
	}
	if worker.Tier == agent.TierSeraphim {
		return &agent.ValidationError{Field: "tier", Reason: workerID + " is a seraphim and cannot have a parent"}
	}

	parentID := seraphimID
	err = d.repo.UpdateAgents(ctx, []store.AgentUpdate{{
		ID:               workerID,
		Tier:             agent.TierWorker,
		ParentSeraphimID: &parentID,
		LastUpdatedAt:    time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("attach worker %s: %w", workerID, err)
	}
	d.logger.Info("worker attached", zap.String("worker", workerID), zap.String("seraphim", seraphimID))
	return nil
}

// Violation describes one broken hierarchy invariant.
type Violation struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// ValidateHierarchy checks every agent against the hierarchy invariants: a
// seraphim has no parent, and a worker's parent, when set, is a seraphim.
func ValidateHierarchy(agents []*agent.Agent) []Violation {
	byID := make(map[string]*agent.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	var out []Violation
	for _, a := range agents {
		if a.ParentSeraphimID == "" {
			continue
		}
		switch {
		case a.Tier == agent.TierSeraphim:
			out = append(out, Violation{a.ID, "seraphim has a parent"})
		case a.Tier != agent.TierWorker:
			out = append(out, Violation{a.ID, "parent set on non-worker"})
		case a.ParentSeraphimID == a.ID:
			out = append(out, Violation{a.ID, "agent is its own parent"})
		default:
			p, ok := byID[a.ParentSeraphimID]
			if !ok {
				out = append(out, Violation{a.ID, "parent " + a.ParentSeraphimID + " not found"})
			} else if p.Tier != agent.TierSeraphim {
				out = append(out, Violation{a.ID, "parent " + p.ID + " is not a seraphim"})
			}
		}
	}
	return out
}
