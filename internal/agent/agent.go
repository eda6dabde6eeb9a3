package agent

import (
	"time"
)

// Status represents an agent's current state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusDormant    Status = "dormant"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusActive, StatusProcessing, StatusDormant, StatusError:
		return true
	}
	return false
}

// Tier is an agent's position in the coordination hierarchy.
type Tier string

const (
	TierSeraphim   Tier = "seraphim"
	TierWorker     Tier = "worker"
	TierUnassigned Tier = "unassigned"
)

// Agent is a member of the routing pool.
type Agent struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name,omitempty"`
	Sector               string             `json:"sector"`
	Status               Status             `json:"status"`
	Tier                 Tier               `json:"tier"`
	ParentSeraphimID     string             `json:"parent_seraphim_id,omitempty"`
	SpecializationScores map[string]float64 `json:"specialization_scores"`
	SuccessRate          float64            `json:"success_rate"`
	TotalTasksCompleted  int                `json:"total_tasks_completed"`
	LearningVelocity     float64            `json:"learning_velocity"`
	LastUpdatedAt        time.Time          `json:"last_updated_at"`
}

// Score returns the specialization score for a task type (0 when absent).
func (a *Agent) Score(taskType string) float64 {
	if a == nil || a.SpecializationScores == nil {
		return 0
	}
	return a.SpecializationScores[taskType]
}

// SpecializationCount is the number of task types the agent has a score for.
func (a *Agent) SpecializationCount() int {
	if a == nil {
		return 0
	}
	return len(a.SpecializationScores)
}

// Clone returns a deep copy so callers can mutate without sharing maps.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.SpecializationScores != nil {
		c.SpecializationScores = make(map[string]float64, len(a.SpecializationScores))
		for k, v := range a.SpecializationScores {
			c.SpecializationScores[k] = v
		}
	}
	return &c
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
