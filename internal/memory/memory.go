package memory

import (
	"context"
	"strings"
	"time"

	"github.com/nidhogg/seraph/internal/agent"
)

// Type classifies a memory record.
type Type string

const (
	TypeInteraction Type = "interaction"
	TypeOutcome     Type = "outcome"
	TypeLearning    Type = "learning"
	TypePreference  Type = "preference"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	switch t {
	case TypeInteraction, TypeOutcome, TypeLearning, TypePreference:
		return true
	}
	return false
}

// Memory is a single per-agent record.
type Memory struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Type       Type           `json:"type"`
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	Context    map[string]any `json:"context,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store appends, consolidates and retrieves agent memories.
type Store interface {
	// Append persists m, assigning ID and CreatedAt when empty. Importance is clamped to [0,1].
	// Records without an agent or with an unknown type are rejected with a ValidationError.
	Append(ctx context.Context, m *Memory) error
	// Consolidate raises the importance of the agent's records inside the
	// consolidation band to the band target and reports how many changed.
	Consolidate(ctx context.Context, agentID string) (int, error)
	// Retrieve returns up to limit records ordered by importance then recency, both descending.
	Retrieve(ctx context.Context, agentID string, limit int) ([]*Memory, error)
}

// Band controls consolidation.
type Band struct {
	Floor  float64 // inclusive lower bound of the band
	Ceil   float64 // exclusive upper bound of the band
	Target float64 // importance assigned to records inside the band
}

// DefaultBand returns the [0.7, 0.9) -> 0.9 band.
func DefaultBand() Band {
	return Band{Floor: 0.7, Ceil: 0.9, Target: 0.9}
}

// Contains reports whether importance v falls inside the band.
func (b Band) Contains(v float64) bool {
	return v >= b.Floor && v < b.Ceil
}

// ClampImportance bounds v to [0,1].
func ClampImportance(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

const defaultRetrieveLimit = 20

func validate(m *Memory) error {
	if m == nil {
		return &agent.ValidationError{Field: "memory", Reason: "is required"}
	}
	if strings.TrimSpace(m.AgentID) == "" {
		return &agent.ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}
	if !m.Type.Valid() {
		return &agent.ValidationError{Field: "type", Reason: "unknown memory type " + string(m.Type)}
	}
	return nil
}
