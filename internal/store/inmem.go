package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/seraph/internal/agent"
)

// InMemory keeps all records in process memory. Used when PostgreSQL is
// unavailable and in tests.
type InMemory struct {
	mu          sync.RWMutex
	agents      map[string]*agent.Agent
	tasks       map[string]*agent.Task
	assignments map[string][]*agent.Assignment // taskID -> rows
	events      []*LearningEvent
	rules       map[string]string // ruleKey -> seraphimID
}

// NewInMemory creates an empty in-memory repository.
func NewInMemory() *InMemory {
	return &InMemory{
		agents:      make(map[string]*agent.Agent),
		tasks:       make(map[string]*agent.Task),
		assignments: make(map[string][]*agent.Assignment),
		rules:       make(map[string]string),
	}
}

func (m *InMemory) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	return a.Clone(), nil
}

func (m *InMemory) SaveAgent(_ context.Context, a *agent.Agent) error {
	if a == nil || a.ID == "" {
		return &agent.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := a.Clone()
	if c.LastUpdatedAt.IsZero() {
		c.LastUpdatedAt = time.Now()
	}
	m.agents[c.ID] = c
	return nil
}

func (m *InMemory) ListAgents(_ context.Context, f AgentFilter) ([]*agent.Agent, error) {
	m.mu.RLock()
	out := make([]*agent.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if f.matches(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	switch f.OrderBy {
	case OrderByLastUpdatedAsc:
		sort.Slice(out, func(i, j int) bool {
			if !out[i].LastUpdatedAt.Equal(out[j].LastUpdatedAt) {
				return out[i].LastUpdatedAt.Before(out[j].LastUpdatedAt)
			}
			return out[i].ID < out[j].ID
		})
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *InMemory) UpdateAgents(_ context.Context, updates []AgentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := make(map[string]error)
	for _, u := range updates {
		a, ok := m.agents[u.ID]
		if !ok {
			failed[u.ID] = agent.ErrAgentNotFound
			continue
		}
		applyUpdate(a, u)
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed}
	}
	return nil
}

func applyUpdate(a *agent.Agent, u AgentUpdate) {
	if u.LearningVelocity != nil {
		a.LearningVelocity = *u.LearningVelocity
	}
	for k, d := range u.ScoreDeltas {
		if v, ok := a.SpecializationScores[k]; ok {
			a.SpecializationScores[k] = agent.Clamp01(v + d)
		}
	}
	if u.Status != "" {
		a.Status = u.Status
	}
	if u.Tier != "" {
		a.Tier = u.Tier
	}
	if u.ParentSeraphimID != nil {
		a.ParentSeraphimID = *u.ParentSeraphimID
	}
	if !u.LastUpdatedAt.IsZero() {
		a.LastUpdatedAt = u.LastUpdatedAt
	}
}

// ApplyOutcome updates score, success rate and completed count under the
// repository lock.
func (m *InMemory) ApplyOutcome(_ context.Context, o TaskOutcome) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[o.AgentID]
	if !ok {
		return nil, agent.ErrAgentNotFound
	}
	target := o.target()
	if a.SpecializationScores == nil {
		a.SpecializationScores = make(map[string]float64)
	}
	cur := a.SpecializationScores[o.TaskType]
	a.SpecializationScores[o.TaskType] = agent.Clamp01(cur + o.Alpha*(target-cur))
	a.SuccessRate = agent.Clamp01((a.SuccessRate*float64(a.TotalTasksCompleted) + target) / float64(a.TotalTasksCompleted+1))
	a.TotalTasksCompleted++
	if !o.At.IsZero() {
		a.LastUpdatedAt = o.At
	}
	return a.Clone(), nil
}

func (m *InMemory) ScanAgents(_ context.Context, afterID string, pageSize int) ([]*agent.Agent, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > pageSize {
		ids = ids[:pageSize]
	}
	out := make([]*agent.Agent, len(ids))
	for i, id := range ids {
		out[i] = m.agents[id].Clone()
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *InMemory) CreateTask(_ context.Context, t *agent.Task) error {
	if t == nil || t.ID == "" {
		return &agent.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return agent.ErrTaskExists
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = agent.TaskPending
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *InMemory) GetTask(_ context.Context, id string) (*agent.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, agent.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// AssignTask moves a pending task to assigned and records its assignment rows
// under one lock, so concurrent callers see exactly one winner.
func (m *InMemory) AssignTask(_ context.Context, taskID string, assignments []*agent.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return agent.ErrTaskNotFound
	}
	if t.Status != agent.TaskPending {
		return agent.ErrAlreadyAssigned
	}
	now := time.Now()
	ids := make([]string, 0, len(assignments))
	rows := make([]*agent.Assignment, 0, len(assignments))
	for _, a := range assignments {
		c := *a
		c.Status = agent.TaskAssigned
		if c.AssignedAt.IsZero() {
			c.AssignedAt = now
		}
		rows = append(rows, &c)
		ids = append(ids, a.AgentID)
	}
	t.Status = agent.TaskAssigned
	t.AssignedAgentIDs = ids
	t.UpdatedAt = now
	m.assignments[taskID] = append(m.assignments[taskID], rows...)
	return nil
}

func (m *InMemory) TransitionTask(_ context.Context, taskID string, from []agent.TaskStatus, to agent.TaskStatus) (*agent.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, agent.ErrTaskNotFound
	}
	allowed := false
	for _, s := range from {
		if t.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, agent.ErrInvalidTransition
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	for _, a := range m.assignments[taskID] {
		if a.Status.Active() {
			a.Status = to
		}
	}
	return t.Clone(), nil
}

func (m *InMemory) ListAssignments(_ context.Context, taskID string) ([]*agent.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.assignments[taskID]
	out := make([]*agent.Assignment, len(rows))
	for i, a := range rows {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (m *InMemory) InsertLearningEvents(_ context.Context, events []*LearningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		c := *e
		m.events = append(m.events, &c)
	}
	return nil
}

// LearningEvents returns a copy of every recorded learning event.
func (m *InMemory) LearningEvents() []*LearningEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*LearningEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *InMemory) PutDomainRule(_ context.Context, rule DomainRule) error {
	if rule.Domain == "" && rule.TaskType == "" {
		return &agent.ValidationError{Field: "domain", Reason: "domain or task_type is required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[ruleKey(rule.Domain, rule.TaskType)] = rule.SeraphimID
	return nil
}

// ResolveDomain prefers an exact domain+type rule, then the domain-wide rule,
// then a type-only rule.
func (m *InMemory) ResolveDomain(_ context.Context, domain, taskType string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range resolutionKeys(domain, taskType) {
		if id, ok := m.rules[k]; ok {
			return id, nil
		}
	}
	return "", nil
}

func ruleKey(domain, taskType string) string {
	return strings.ToLower(domain) + "\x00" + strings.ToLower(taskType)
}

func resolutionKeys(domain, taskType string) []string {
	var keys []string
	if domain != "" {
		if taskType != "" {
			keys = append(keys, ruleKey(domain, taskType))
		}
		keys = append(keys, ruleKey(domain, ""))
		return keys
	}
	if taskType != "" {
		keys = append(keys, ruleKey("", taskType))
	}
	return keys
}
