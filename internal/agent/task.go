package agent

import (
	"strings"
	"time"
)

// Priority of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Active reports whether the status holds an active assignment set.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskInProgress
}

// Task is a unit of work submitted for routing.
type Task struct {
	ID               string     `json:"id"`
	Type             string     `json:"type"`
	Sector           string     `json:"sector,omitempty"`
	Priority         Priority   `json:"priority"`
	Description      string     `json:"description"`
	Status           TaskStatus `json:"status"`
	AssignedAgentIDs []string   `json:"assigned_agent_ids"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Validate checks the fields routing depends on.
func (t *Task) Validate() error {
	if t == nil {
		return &ValidationError{Field: "task", Reason: "is required"}
	}
	if strings.TrimSpace(t.Type) == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.Description) == "" {
		return &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	switch t.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return &ValidationError{Field: "priority", Reason: "unknown value " + string(t.Priority)}
	}
	return nil
}

// Clone returns a copy with its own ID slice.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.AssignedAgentIDs = append([]string(nil), t.AssignedAgentIDs...)
	return &c
}

// Match grades how well an agent's specialization fits a task.
type Match string

const (
	MatchHigh   Match = "high"
	MatchMedium Match = "medium"
	MatchLow    Match = "low"
	MatchNone   Match = "none"
)

// MatchFor grades a specialization score.
func MatchFor(score float64) Match {
	switch {
	case score >= 0.7:
		return MatchHigh
	case score >= 0.4:
		return MatchMedium
	case score > 0:
		return MatchLow
	}
	return MatchNone
}

// Assignment links a task to one selected agent.
type Assignment struct {
	ID                  string     `json:"id"`
	TaskID              string     `json:"task_id"`
	AgentID             string     `json:"agent_id"`
	Confidence          float64    `json:"confidence"`
	SpecializationMatch Match      `json:"specialization_match"`
	Reasoning           string     `json:"reasoning"`
	Manual              bool       `json:"manual"`
	Status              TaskStatus `json:"status"`
	AssignedAt          time.Time  `json:"assigned_at"`
}

// Outcome distinguishes the ways an assignment request can end.
type Outcome string

const (
	OutcomeAssigned        Outcome = "assigned"
	OutcomeNoCandidate     Outcome = "no_candidate"
	OutcomeAlreadyAssigned Outcome = "already_assigned"
)

// AssignmentResult is returned by both automatic and manual assignment.
type AssignmentResult struct {
	Success     bool          `json:"success"`
	Outcome     Outcome       `json:"outcome"`
	Message     string        `json:"message"`
	TaskID      string        `json:"task_id"`
	SeraphimID  string        `json:"seraphim_id,omitempty"` // set when candidates came from a hierarchy route
	Assignments []*Assignment `json:"assignments"`
}
