package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/seraph/internal/agent"
)

// AgentOrder selects the ordering of ListAgents results.
type AgentOrder string

const (
	OrderByID             AgentOrder = "id"
	OrderByLastUpdatedAsc AgentOrder = "last_updated_asc"
)

// AgentFilter narrows ListAgents. Zero values mean "no constraint".
type AgentFilter struct {
	Statuses []agent.Status
	Sector   string
	Tier     agent.Tier
	ParentID string
	TaskType string // only agents with a positive score for this type
	OrderBy  AgentOrder
	Limit    int
}

func (f AgentFilter) matches(a *agent.Agent) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Sector != "" && !strings.EqualFold(a.Sector, f.Sector) {
		return false
	}
	if f.Tier != "" && a.Tier != f.Tier {
		return false
	}
	if f.ParentID != "" && a.ParentSeraphimID != f.ParentID {
		return false
	}
	if f.TaskType != "" && a.Score(f.TaskType) <= 0 {
		return false
	}
	return true
}

// AgentUpdate is one row of a batched agent write. Nil fields are left untouched.
// ScoreDeltas are added to the stored scores of keys the agent already holds,
// clamped to [0,1], so concurrent writers never overwrite each other's scores.
type AgentUpdate struct {
	ID               string
	LearningVelocity *float64
	ScoreDeltas      map[string]float64
	Status           agent.Status
	Tier             agent.Tier
	ParentSeraphimID *string
	LastUpdatedAt    time.Time
}

// TaskOutcome is one finished task folded into an agent's record.
type TaskOutcome struct {
	AgentID  string
	TaskType string
	Success  bool
	Alpha    float64 // weight of this outcome in the score's moving average
	At       time.Time
}

func (o TaskOutcome) target() float64 {
	if o.Success {
		return 1
	}
	return 0
}

// LearningEvent records what one agent did during one learning cycle.
type LearningEvent struct {
	ID                      string    `json:"id"`
	CycleID                 string    `json:"cycle_id"`
	AgentID                 string    `json:"agent_id"`
	Mode                    string    `json:"mode"`
	Intensity               float64   `json:"intensity"`
	KnowledgeGained         float64   `json:"knowledge_gained"`
	SpecializationBoost     float64   `json:"specialization_boost"`
	RelationshipsDiscovered int       `json:"relationships_discovered"`
	MemoryConsolidated      bool      `json:"memory_consolidated"`
	CreatedAt               time.Time `json:"created_at"`
}

// DomainRule maps a domain (and optionally a task type) to its coordinating seraphim.
type DomainRule struct {
	Domain     string `json:"domain"`
	TaskType   string `json:"task_type,omitempty"`
	SeraphimID string `json:"seraphim_id"`
}

// BatchError lists the records of a batch write that failed individually.
type BatchError struct {
	Failed map[string]error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch write: %d record(s) failed", len(e.Failed))
}

// Repository is typed access to agent, task, assignment, learning event and domain rule records.
type Repository interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	SaveAgent(ctx context.Context, a *agent.Agent) error
	ListAgents(ctx context.Context, f AgentFilter) ([]*agent.Agent, error)
	UpdateAgents(ctx context.Context, updates []AgentUpdate) error
	ScanAgents(ctx context.Context, afterID string, pageSize int) ([]*agent.Agent, error)
	ApplyOutcome(ctx context.Context, o TaskOutcome) (*agent.Agent, error)

	CreateTask(ctx context.Context, t *agent.Task) error
	GetTask(ctx context.Context, id string) (*agent.Task, error)
	AssignTask(ctx context.Context, taskID string, assignments []*agent.Assignment) error
	TransitionTask(ctx context.Context, taskID string, from []agent.TaskStatus, to agent.TaskStatus) (*agent.Task, error)
	ListAssignments(ctx context.Context, taskID string) ([]*agent.Assignment, error)

	InsertLearningEvents(ctx context.Context, events []*LearningEvent) error

	PutDomainRule(ctx context.Context, rule DomainRule) error
	ResolveDomain(ctx context.Context, domain, taskType string) (string, error)
}
