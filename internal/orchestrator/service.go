// Package orchestrator composes routing, hierarchy, learning and memory into
// the service the HTTP layer and background triggers talk to.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/dispatch"
	"github.com/nidhogg/seraph/internal/graph"
	"github.com/nidhogg/seraph/internal/learning"
	"github.com/nidhogg/seraph/internal/memory"
	"github.com/nidhogg/seraph/internal/metrics"
	"github.com/nidhogg/seraph/internal/notify"
	"github.com/nidhogg/seraph/internal/router"
	"github.com/nidhogg/seraph/internal/scoring"
	"github.com/nidhogg/seraph/internal/store"
)

const scanPage = 200

// Backends are the storage and delivery implementations a Service runs on.
// Sink, Notes, Generator and Metrics may be nil.
type Backends struct {
	Repo      store.Repository
	Memories  memory.Store
	Edges     graph.EdgeStore
	Sink      notify.Sink
	Notes     *notify.Recorder
	Generator router.Generator
	Metrics   *metrics.Metrics
}

// Options tune the composed components.
type Options struct {
	Routing      router.Config
	HierarchyCap int
	Learning     learning.Config
	Graph        graph.BuilderConfig
}

// DefaultOptions returns the standard tuning of every component.
func DefaultOptions() Options {
	return Options{
		Routing:      router.DefaultConfig(),
		HierarchyCap: dispatch.DefaultCap,
		Learning:     learning.DefaultConfig(),
		Graph:        graph.DefaultBuilderConfig(),
	}
}

// Service is the orchestration facade.
type Service struct {
	repo       store.Repository
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	scheduler  *learning.Scheduler
	memories   memory.Store
	edges      graph.EdgeStore
	notes      *notify.Recorder
	logger     *zap.Logger
}

// New wires the scorer, router, dispatcher, graph builder and learning
// scheduler over b.
func New(b Backends, o Options, logger *zap.Logger) (*Service, error) {
	sink := b.Sink
	if b.Notes != nil {
		if sink == nil {
			sink = b.Notes
		} else {
			sink = notify.Fanout{b.Notes, sink}
		}
	}

	scorer := scoring.New(b.Repo, logger.Named("scoring"))
	dispatcher := dispatch.New(b.Repo, o.HierarchyCap, logger.Named("dispatch"))
	builder := graph.NewBuilder(b.Edges, o.Graph, logger.Named("graph"))
	sched, err := learning.NewScheduler(b.Repo, b.Memories, builder, sink, b.Metrics, o.Learning, logger.Named("learning"))
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:       b.Repo,
		router:     router.New(b.Repo, scorer, dispatcher, b.Memories, b.Generator, sink, b.Metrics, o.Routing, logger.Named("router")),
		dispatcher: dispatcher,
		scheduler:  sched,
		memories:   b.Memories,
		edges:      b.Edges,
		notes:      b.Notes,
		logger:     logger,
	}, nil
}

// Scheduler returns the learning scheduler, for triggers.
func (s *Service) Scheduler() *learning.Scheduler { return s.scheduler }

// RouteTask auto-assigns t to its best-fit agents.
func (s *Service) RouteTask(ctx context.Context, t *agent.Task) (*agent.AssignmentResult, error) {
	return s.router.AutoAssign(ctx, t)
}

// ManualAssign assigns taskID to the given agents.
func (s *Service) ManualAssign(ctx context.Context, taskID string, agentIDs []string) (*agent.AssignmentResult, error) {
	return s.router.ManualAssign(ctx, taskID, agentIDs)
}

// UpdateTaskStatus moves a task along its lifecycle.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, to agent.TaskStatus) (*agent.Task, error) {
	return s.router.UpdateStatus(ctx, taskID, to)
}

// GetTask returns a task with its assignment rows.
func (s *Service) GetTask(ctx context.Context, taskID string) (*agent.Task, []*agent.Assignment, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.repo.ListAssignments(ctx, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("list assignments: %w", err)
	}
	return t, rows, nil
}

// RouteThroughHierarchy resolves the coordinating seraphim and its workers.
func (s *Service) RouteThroughHierarchy(ctx context.Context, taskType, domain string) (dispatch.Route, error) {
	return s.dispatcher.RouteThroughHierarchy(ctx, taskType, domain)
}

// PutDomainRule maps a domain and optional task type to a seraphim.
func (s *Service) PutDomainRule(ctx context.Context, rule store.DomainRule) error {
	rule.Domain = strings.TrimSpace(rule.Domain)
	rule.TaskType = strings.TrimSpace(rule.TaskType)
	if rule.SeraphimID == "" {
		return &agent.ValidationError{Field: "seraphim_id", Reason: "must not be empty"}
	}
	target, err := s.repo.GetAgent(ctx, rule.SeraphimID)
	if err != nil {
		return err
	}
	if target.Tier != agent.TierSeraphim {
		return &agent.ValidationError{Field: "seraphim_id", Reason: rule.SeraphimID + " is not a seraphim"}
	}
	return s.repo.PutDomainRule(ctx, rule)
}

// HierarchyViolations scans every agent and reports broken hierarchy links.
func (s *Service) HierarchyViolations(ctx context.Context) ([]dispatch.Violation, error) {
	var all []*agent.Agent
	after := ""
	for {
		page, err := s.repo.ScanAgents(ctx, after, scanPage)
		if err != nil {
			return nil, fmt.Errorf("scan agents: %w", err)
		}
		all = append(all, page...)
		if len(page) < scanPage {
			break
		}
		after = page[len(page)-1].ID
	}
	return dispatch.ValidateHierarchy(all), nil
}

// RunLearningCycle runs one learning cycle synchronously.
func (s *Service) RunLearningCycle(ctx context.Context, req learning.Request) (*learning.Summary, error) {
	if req.Trigger == "" {
		req.Trigger = "api"
	}
	return s.scheduler.RunCycle(ctx, req)
}

// GetAgentMemory returns an agent's memories, most important first.
func (s *Service) GetAgentMemory(ctx context.Context, agentID string, limit int) ([]*memory.Memory, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.memories.Retrieve(ctx, agentID, limit)
}

// GetRelationships returns the synergy edges touching an agent, strongest first.
func (s *Service) GetRelationships(ctx context.Context, agentID string) ([]*graph.Relationship, error) {
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return s.edges.ForAgent(ctx, agentID)
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// ListAgents returns agents matching f.
func (s *Service) ListAgents(ctx context.Context, f store.AgentFilter) ([]*agent.Agent, error) {
	return s.repo.ListAgents(ctx, f)
}

// RegisterAgent validates and stores a new or replaced agent. A worker with a
// parent is attached through the dispatcher so the parent's tier is checked.
func (s *Service) RegisterAgent(ctx context.Context, a *agent.Agent) (*agent.Agent, error) {
	if err := validateAgent(a); err != nil {
		return nil, err
	}
	c := a.Clone()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = agent.StatusIdle
	}
	if c.Tier == "" {
		c.Tier = agent.TierUnassigned
	}
	parent := c.ParentSeraphimID
	c.ParentSeraphimID = ""
	if parent != "" {
		p, err := s.repo.GetAgent(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", parent, err)
		}
		if p.Tier != agent.TierSeraphim {
			return nil, &agent.ValidationError{Field: "parent_seraphim_id", Reason: parent + " is not a seraphim"}
		}
		c.Tier = agent.TierUnassigned
	}
	c.LastUpdatedAt = time.Now()

	if err := s.repo.SaveAgent(ctx, c); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	if parent != "" {
		if err := s.dispatcher.AttachWorker(ctx, c.ID, parent); err != nil {
			return nil, err
		}
	}
	s.logger.Info("agent registered", zap.String("agent", c.ID), zap.String("tier", string(c.Tier)))
	return s.repo.GetAgent(ctx, c.ID)
}

// Notifications returns recent notifications, newest last.
func (s *Service) Notifications(limit int) []notify.Notification {
	if s.notes == nil {
		return []notify.Notification{}
	}
	return s.notes.History(limit)
}

func validateAgent(a *agent.Agent) error {
	if a == nil {
		return &agent.ValidationError{Field: "agent", Reason: "is required"}
	}
	if a.Status != "" && !a.Status.Valid() {
		return &agent.ValidationError{Field: "status", Reason: "unknown value " + string(a.Status)}
	}
	switch a.Tier {
	case "", agent.TierUnassigned, agent.TierWorker:
	case agent.TierSeraphim:
		if a.ParentSeraphimID != "" {
			return &agent.ValidationError{Field: "parent_seraphim_id", Reason: "a seraphim cannot have a parent"}
		}
	default:
		return &agent.ValidationError{Field: "tier", Reason: "unknown value " + string(a.Tier)}
	}
	if a.TotalTasksCompleted < 0 {
		return &agent.ValidationError{Field: "total_tasks_completed", Reason: "must not be negative"}
	}
	for name, v := range map[string]float64{"success_rate": a.SuccessRate, "learning_velocity": a.LearningVelocity} {
		if v < 0 || v > 1 {
			return &agent.ValidationError{Field: name, Reason: "must be in [0,1]"}
		}
	}
	for k, v := range a.SpecializationScores {
		if strings.TrimSpace(k) == "" || v < 0 || v > 1 {
			return &agent.ValidationError{Field: "specialization_scores", Reason: fmt.Sprintf("invalid entry %q=%v", k, v)}
		}
	}
	return nil
}
