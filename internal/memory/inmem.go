package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InMemoryStore keeps memories in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	band    Band
	byAgent map[string][]*Memory
	logger  *zap.Logger
}

// NewInMemoryStore creates an empty store using the given consolidation band.
func NewInMemoryStore(band Band, logger *zap.Logger) *InMemoryStore {
	return &InMemoryStore{band: band, byAgent: make(map[string][]*Memory), logger: logger}
}

func (s *InMemoryStore) Append(_ context.Context, m *Memory) error {
	if err := validate(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Importance = ClampImportance(m.Importance)

	c := cloneMemory(m)
	s.mu.Lock()
	s.byAgent[m.AgentID] = append(s.byAgent[m.AgentID], c)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) Consolidate(_ context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byAgent[agentID] {
		if s.band.Contains(m.Importance) {
			m.Importance = ClampImportance(s.band.Target)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("memories consolidated", zap.String("agent", agentID), zap.Int("updated", n))
	}
	return n, nil
}

func (s *InMemoryStore) Retrieve(_ context.Context, agentID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	s.mu.RLock()
	out := make([]*Memory, 0, len(s.byAgent[agentID]))
	for _, m := range s.byAgent[agentID] {
		out = append(out, cloneMemory(m))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneMemory(m *Memory) *Memory {
	c := *m
	if m.Context != nil {
		c.Context = make(map[string]any, len(m.Context))
		for k, v := range m.Context {
			c.Context[k] = v
		}
	}
	return &c
}
