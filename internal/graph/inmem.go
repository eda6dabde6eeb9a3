package graph

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory is an EdgeStore backed by a map keyed on the canonical pair.
type InMemory struct {
	mu    sync.RWMutex
	edges map[[2]string]*Relationship
}

// NewInMemory creates an empty edge store.
func NewInMemory() *InMemory {
	return &InMemory{edges: make(map[[2]string]*Relationship)}
}

func (m *InMemory) Upsert(_ context.Context, r Relationship) error {
	if r.AgentA == r.AgentB {
		return ErrSelfRelationship
	}
	a, b := Canonical(r.AgentA, r.AgentB)
	key := [2]string{a, b}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.edges[key]
	if !ok {
		cur = &Relationship{AgentA: a, AgentB: b, Metadata: map[string]any{}}
		m.edges[key] = cur
	}
	cur.Type = r.Type
	cur.Synergy = clampSynergy(r.Synergy)
	for k, v := range r.Metadata {
		cur.Metadata[k] = v
	}
	cur.Observations++
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *InMemory) ForAgent(_ context.Context, agentID string) ([]*Relationship, error) {
	m.mu.RLock()
	var out []*Relationship
	for key, r := range m.edges {
		if key[0] == agentID || key[1] == agentID {
			out = append(out, cloneRelationship(r))
		}
	}
	m.mu.RUnlock()
	sortEdges(out)
	return out, nil
}

// Len reports the number of stored edges.
func (m *InMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.edges)
}

func sortEdges(edges []*Relationship) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Synergy != edges[j].Synergy {
			return edges[i].Synergy > edges[j].Synergy
		}
		if edges[i].AgentA != edges[j].AgentA {
			return edges[i].AgentA < edges[j].AgentA
		}
		return edges[i].AgentB < edges[j].AgentB
	})
}

func cloneRelationship(r *Relationship) *Relationship {
	c := *r
	c.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
