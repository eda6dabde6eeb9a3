package graph

import (
	"context"
	"errors"
	"time"
)

// RelationType categorizes a synergy edge by what drove its score.
type RelationType string

const (
	// RelationPeer edges are dominated by shared specializations.
	RelationPeer RelationType = "peer"
	// RelationComplementary edges are dominated by non-overlapping specializations.
	RelationComplementary RelationType = "complementary"
	// RelationExploratory edges involve an agent with no specializations yet.
	RelationExploratory RelationType = "exploratory"
)

// Relationship is an undirected edge between two agents. AgentA < AgentB always holds
// for stored rows.
type Relationship struct {
	AgentA       string         `json:"agent_a"`
	AgentB       string         `json:"agent_b"`
	Type         RelationType   `json:"type"`
	Synergy      float64        `json:"synergy"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Observations int            `json:"observations"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ErrSelfRelationship is returned when both ends of an edge are the same agent.
var ErrSelfRelationship = errors.New("relationship endpoints must differ")

// Canonical orders a pair of agent IDs lexicographically.
func Canonical(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Other returns the endpoint opposite agentID.
func (r *Relationship) Other(agentID string) string {
	if r.AgentA == agentID {
		return r.AgentB
	}
	return r.AgentA
}

// EdgeStore persists relationships keyed by their canonical pair.
type EdgeStore interface {
	// Upsert writes r under its canonical pair. An existing row has its synergy and
	// type replaced, metadata merged and observation count incremented.
	Upsert(ctx context.Context, r Relationship) error
	// ForAgent lists every edge touching agentID, strongest first.
	ForAgent(ctx context.Context, agentID string) ([]*Relationship, error)
}

func clampSynergy(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
