// Package router assigns tasks to agents and tracks them through their lifecycle.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/dispatch"
	"github.com/nidhogg/seraph/internal/memory"
	"github.com/nidhogg/seraph/internal/metrics"
	"github.com/nidhogg/seraph/internal/notify"
	"github.com/nidhogg/seraph/internal/provider"
	"github.com/nidhogg/seraph/internal/scoring"
	"github.com/nidhogg/seraph/internal/store"
)

// Generator produces free text from role-tagged messages.
type Generator interface {
	Generate(ctx context.Context, messages []provider.Message) (string, error)
}

// Config tunes routing.
type Config struct {
	MaxAgents            int
	ReasoningTimeout     time.Duration
	AssignmentImportance float64
	ManualImportance     float64
	SuccessImportance    float64
	FailureImportance    float64
}

// DefaultConfig returns the standard routing tuning.
func DefaultConfig() Config {
	return Config{
		MaxAgents:            3,
		ReasoningTimeout:     10 * time.Second,
		AssignmentImportance: 0.2,
		ManualImportance:     0.3,
		SuccessImportance:    0.6,
		FailureImportance:    0.5,
	}
}

// Router is the entry point for task assignment.
type Router struct {
	repo       store.Repository
	scorer     *scoring.Scorer
	dispatcher *dispatch.Dispatcher
	memories   memory.Store
	gen        Generator
	sink       notify.Sink
	metrics    *metrics.Metrics
	cfg        Config
	logger     *zap.Logger
}

// New creates a task Router. dispatcher, gen, sink and m may be nil; without a
// dispatcher every task is ranked across the flat agent pool.
func New(repo store.Repository, scorer *scoring.Scorer, dispatcher *dispatch.Dispatcher, memories memory.Store,
	gen Generator, sink notify.Sink, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Router {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultConfig().MaxAgents
	}
	return &Router{
		repo:       repo,
		scorer:     scorer,
		dispatcher: dispatcher,
		memories:   memories,
		gen:        gen,
		sink:       sink,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
	}
}

// AutoAssign scores candidates for t and assigns the top ones. When a domain
// rule names a seraphim for the task's sector and type, candidates are that
// seraphim's workers; otherwise the whole agent pool is ranked. A task without
// an ID, or with an ID not yet stored, is created first. Validation failures
// are returned as errors; no-candidate and already-assigned are reported in
// the result.
func (r *Router) AutoAssign(ctx context.Context, t *agent.Task) (*agent.AssignmentResult, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	task, err := r.ensureTask(ctx, t)
	if err != nil {
		return nil, err
	}
	res := &agent.AssignmentResult{TaskID: task.ID, Assignments: []*agent.Assignment{}}

	if task.Status != agent.TaskPending {
		return r.finish("auto", res, agent.OutcomeAlreadyAssigned, "task "+task.ID+" is already "+string(task.Status)), nil
	}

	candidates, seraphimID, err := r.candidates(ctx, task)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return r.finish("auto", res, agent.OutcomeNoCandidate, "no suitable agent for task type "+task.Type), nil
	}
	res.SeraphimID = seraphimID

	reasons := r.reasoning(ctx, task, candidates, seraphimID)
	now := time.Now()
	assignments := make([]*agent.Assignment, len(candidates))
	for i, a := range candidates {
		assignments[i] = newAssignment(task, a, reasons[i], false, now)
	}

	if err := r.repo.AssignTask(ctx, task.ID, assignments); err != nil {
		if errors.Is(err, agent.ErrAlreadyAssigned) {
			return r.finish("auto", res, agent.OutcomeAlreadyAssigned, "task "+task.ID+" was assigned concurrently"), nil
		}
		return nil, fmt.Errorf("assign task %s: %w", task.ID, err)
	}

	for _, as := range assignments {
		r.remember(ctx, &memory.Memory{
			AgentID:    as.AgentID,
			Type:       memory.TypeInteraction,
			Content:    fmt.Sprintf("Assigned to %s task %s: %s", task.Type, task.ID, as.Reasoning),
			Importance: r.cfg.AssignmentImportance,
			Context: map[string]any{
				"kind":        "assignment",
				"task_id":     task.ID,
				"task_type":   task.Type,
				"confidence":  as.Confidence,
				"match":       string(as.SpecializationMatch),
				"seraphim_id": seraphimID,
			},
		})
	}
	res.Assignments = assignments
	r.announce(task, assignments)
	return r.finish("auto", res, agent.OutcomeAssigned, fmt.Sprintf("assigned %d agent(s)", len(assignments))), nil
}

// ManualAssign assigns the named agents without scoring or reasoning generation.
func (r *Router) ManualAssign(ctx context.Context, taskID string, agentIDs []string) (*agent.AssignmentResult, error) {
	ids := dedupe(agentIDs)
	if len(ids) == 0 {
		return nil, &agent.ValidationError{Field: "agent_ids", Reason: "at least one agent is required"}
	}
	if len(ids) > r.cfg.MaxAgents {
		return nil, &agent.ValidationError{Field: "agent_ids", Reason: fmt.Sprintf("at most %d agents may be assigned", r.cfg.MaxAgents)}
	}

	task, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	res := &agent.AssignmentResult{TaskID: task.ID, Assignments: []*agent.Assignment{}}
	if task.Status != agent.TaskPending {
		return r.finish("manual", res, agent.OutcomeAlreadyAssigned, "task "+task.ID+" is already "+string(task.Status)), nil
	}

	now := time.Now()
	assignments := make([]*agent.Assignment, 0, len(ids))
	for _, id := range ids {
		a, err := r.repo.GetAgent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
		assignments = append(assignments, newAssignment(task, a, "manual assignment", true, now))
	}

	if err := r.repo.AssignTask(ctx, task.ID, assignments); err != nil {
		if errors.Is(err, agent.ErrAlreadyAssigned) {
			return r.finish("manual", res, agent.OutcomeAlreadyAssigned, "task "+task.ID+" was assigned concurrently"), nil
		}
		return nil, fmt.Errorf("assign task %s: %w", task.ID, err)
	}

	for _, as := range assignments {
		r.remember(ctx, &memory.Memory{
			AgentID:    as.AgentID,
			Type:       memory.TypeInteraction,
			Content:    fmt.Sprintf("Manually assigned to %s task %s", task.Type, task.ID),
			Importance: r.cfg.ManualImportance,
			Context: map[string]any{
				"kind":      "manual_assignment",
				"task_id":   task.ID,
				"task_type": task.Type,
			},
		})
	}
	res.Assignments = assignments
	r.announce(task, assignments)
	return r.finish("manual", res, agent.OutcomeAssigned, fmt.Sprintf("manually assigned %d agent(s)", len(assignments))), nil
}

var transitions = map[agent.TaskStatus][]agent.TaskStatus{
	agent.TaskInProgress: {agent.TaskAssigned},
	agent.TaskCompleted:  {agent.TaskInProgress},
	agent.TaskFailed:     {agent.TaskInProgress},
	agent.TaskCancelled:  {agent.TaskAssigned, agent.TaskInProgress},
}

// UpdateStatus moves a task along its lifecycle. Completion and failure feed
// the outcome back into every assigned agent's scores and memory.
func (r *Router) UpdateStatus(ctx context.Context, taskID string, to agent.TaskStatus) (*agent.Task, error) {
	from, ok := transitions[to]
	if !ok {
		return nil, fmt.Errorf("to %q: %w", to, agent.ErrInvalidTransition)
	}
	task, err := r.repo.TransitionTask(ctx, taskID, from, to)
	if err != nil {
		return nil, err
	}

	if to == agent.TaskCompleted || to == agent.TaskFailed {
		success := to == agent.TaskCompleted
		importance := r.cfg.FailureImportance
		if success {
			importance = r.cfg.SuccessImportance
		}
		for _, id := range task.AssignedAgentIDs {
			if err := r.scorer.RecordOutcome(ctx, id, task.Type, success); err != nil {
				r.logger.Warn("record outcome failed",
					zap.String("task", task.ID), zap.String("agent", id), zap.Error(err))
			}
			r.remember(ctx, &memory.Memory{
				AgentID:    id,
				Type:       memory.TypeOutcome,
				Content:    fmt.Sprintf("%s task %s %s", task.Type, task.ID, to),
				Importance: importance,
				Context: map[string]any{
					"task_id":   task.ID,
					"task_type": task.Type,
					"success":   success,
				},
			})
		}
	}

	r.logger.Info("task status updated", zap.String("task", task.ID), zap.String("status", string(to)))
	return task, nil
}

// candidates returns the ranked agents for task and the seraphim whose workers
// they are, if any.
func (r *Router) candidates(ctx context.Context, task *agent.Task) ([]*agent.Agent, string, error) {
	if r.dispatcher != nil {
		route, err := r.dispatcher.RouteThroughHierarchy(ctx, task.Type, task.Sector)
		if err != nil {
			return nil, "", err
		}
		if len(route.Workers) > 0 {
			workers := route.Workers
			if len(workers) > r.cfg.MaxAgents {
				workers = workers[:r.cfg.MaxAgents]
			}
			return workers, route.SeraphimID, nil
		}
	}
	ranked, err := r.scorer.RankAgents(ctx, task.Type, task.Sector, r.cfg.MaxAgents)
	return ranked, "", err
}

func (r *Router) ensureTask(ctx context.Context, t *agent.Task) (*agent.Task, error) {
	if t.ID != "" {
		existing, err := r.repo.GetTask(ctx, t.ID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, agent.ErrTaskNotFound) {
			return nil, err
		}
	}

	task := t.Clone()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Priority == "" {
		task.Priority = agent.PriorityMedium
	}
	task.Status = agent.TaskPending
	task.AssignedAgentIDs = nil
	err := r.repo.CreateTask(ctx, task)
	if errors.Is(err, agent.ErrTaskExists) {
		// lost a create race; the stored row decides whether we may still assign
		return r.repo.GetTask(ctx, task.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// reasoning asks the generator for a one-line justification per candidate and
// falls back to a templated reason on any failure.
func (r *Router) reasoning(ctx context.Context, task *agent.Task, candidates []*agent.Agent, seraphimID string) []string {
	out := make([]string, len(candidates))
	var genCtx context.Context
	var cancel context.CancelFunc
	if r.gen != nil {
		genCtx, cancel = context.WithTimeout(ctx, r.cfg.ReasoningTimeout)
		defer cancel()
	}

	for i, a := range candidates {
		out[i] = fallbackReason(task, a, seraphimID)
		if r.gen == nil || genCtx.Err() != nil {
			continue
		}
		text, err := r.gen.Generate(genCtx, reasoningPrompt(task, a))
		if err != nil {
			r.logger.Warn("reasoning generation failed, using template",
				zap.String("task", task.ID), zap.String("agent", a.ID),
				zap.String("kind", string(provider.KindOf(err))), zap.Error(err))
			continue
		}
		if text != "" {
			out[i] = text
		}
	}
	return out
}

func reasoningPrompt(task *agent.Task, a *agent.Agent) []provider.Message {
	return []provider.Message{
		{Role: "system", Content: "You explain task routing decisions in one short sentence."},
		{Role: "user", Content: fmt.Sprintf(
			"Task type: %s\nDescription: %s\nCandidate %s works in sector %s with specialization %.2f for this type and success rate %.2f.\nWhy is this agent a good fit?",
			task.Type, task.Description, a.ID, a.Sector, a.Score(task.Type), a.SuccessRate)},
	}
}

func fallbackReason(task *agent.Task, a *agent.Agent, seraphimID string) string {
	sector := task.Sector
	if sector == "" {
		sector = a.Sector
	}
	reason := "selected for specialization match in " + sector
	if seraphimID != "" {
		reason += " under seraphim " + seraphimID
	}
	return reason
}

func newAssignment(task *agent.Task, a *agent.Agent, reasoning string, manual bool, at time.Time) *agent.Assignment {
	score := a.Score(task.Type)
	return &agent.Assignment{
		ID:                  uuid.New().String(),
		TaskID:              task.ID,
		AgentID:             a.ID,
		Confidence:          Confidence(score, a.SuccessRate),
		SpecializationMatch: agent.MatchFor(score),
		Reasoning:           reasoning,
		Manual:              manual,
		Status:              agent.TaskAssigned,
		AssignedAt:          at,
	}
}

// Confidence blends specialization and track record.
func Confidence(score, successRate float64) float64 {
	return agent.Clamp01(0.7*score + 0.3*successRate)
}

func (r *Router) remember(ctx context.Context, m *memory.Memory) {
	if r.memories == nil {
		return
	}
	if err := r.memories.Append(ctx, m); err != nil {
		r.logger.Warn("memory append failed", zap.String("agent", m.AgentID), zap.Error(err))
	}
}

func (r *Router) announce(task *agent.Task, assignments []*agent.Assignment) {
	ids := make([]string, len(assignments))
	for i, as := range assignments {
		ids[i] = as.AgentID
	}
	n := notify.Notification{
		Kind:     "assignment",
		Title:    "Task assigned",
		Message:  fmt.Sprintf("%s task %s assigned to %s", task.Type, task.ID, strings.Join(ids, ", ")),
		Priority: notify.PriorityNormal,
	}
	if len(ids) > 0 {
		n.SourceAgentID = ids[0]
	}
	if task.Priority == agent.PriorityCritical || task.Priority == agent.PriorityHigh {
		n.Priority = notify.PriorityHigh
	}
	notify.Send(r.sink, n, r.logger)
}

func (r *Router) finish(mode string, res *agent.AssignmentResult, outcome agent.Outcome, msg string) *agent.AssignmentResult {
	res.Success = outcome == agent.OutcomeAssigned
	res.Outcome = outcome
	res.Message = msg
	r.metrics.Assignment(mode, string(outcome))
	r.logger.Info("assignment finished",
		zap.String("mode", mode),
		zap.String("task", res.TaskID),
		zap.String("outcome", string(outcome)),
		zap.Int("agents", len(res.Assignments)))
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
