package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Neo4jStore keeps memories as (:Memory) nodes.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	band   Band
	logger *zap.Logger
}

// NewNeo4jStore creates a Neo4j memory store on its own driver.
func NewNeo4jStore(uri, user, password string, band Band, logger *zap.Logger) (*Neo4jStore, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4jStore{driver: driver, band: band, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Driver returns the underlying Neo4j driver for shared use.
func (s *Neo4jStore) Driver() neo4j.DriverWithContext {
	return s.driver
}

// Ping verifies the Neo4j connection.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the constraints and indexes memory queries rely on.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, q := range []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		`CREATE INDEX memory_agent IF NOT EXISTS FOR (m:Memory) ON (m.agent_id)`,
	} {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return fmt.Errorf("ensure memory schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) Append(ctx context.Context, m *Memory) error {
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

	ctxJSON := "{}"
	if len(m.Context) > 0 {
		b, err := json.Marshal(m.Context)
		if err != nil {
			return fmt.Errorf("encode memory context: %w", err)
		}
		ctxJSON = string(b)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE (m:Memory {
			id: $id, agent_id: $agentId, type: $type,
			content: $content,
			importance: CASE WHEN $importance > 1.0 THEN 1.0 WHEN $importance < 0.0 THEN 0.0 ELSE $importance END,
			context: $context, created_at: $createdAt
		})`,
		map[string]interface{}{
			"id":         m.ID,
			"agentId":    m.AgentID,
			"type":       string(m.Type),
			"content":    m.Content,
			"importance": m.Importance,
			"context":    ctxJSON,
			"createdAt":  m.CreatedAt.UTC(),
		})
	if err != nil {
		return fmt.Errorf("append memory for %s: %w", m.AgentID, err)
	}
	return nil
}

func (s *Neo4jStore) Consolidate(ctx context.Context, agentID string) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {agent_id: $agentId})
		 WHERE m.importance >= $floor AND m.importance < $ceil
		 SET m.importance = CASE WHEN $target > 1.0 THEN 1.0 ELSE $target END
		 RETURN count(m) AS updated`,
		map[string]interface{}{
			"agentId": agentID,
			"floor":   s.band.Floor,
			"ceil":    s.band.Ceil,
			"target":  s.band.Target,
		})
	if err != nil {
		return 0, fmt.Errorf("consolidate memories for %s: %w", agentID, err)
	}

	var updated int
	if result.Next(ctx) {
		if v, ok := result.Record().Get("updated"); ok {
			updated = int(v.(int64))
		}
	}

	s.logger.Debug("memories consolidated",
		zap.String("agent", agentID),
		zap.Int("updated", updated))

	return updated, nil
}

func (s *Neo4jStore) Retrieve(ctx context.Context, agentID string, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = defaultRetrieveLimit
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {agent_id: $agentId})
		 RETURN m.id AS id, m.type AS type, m.content AS content,
		        m.importance AS importance, m.context AS context, m.created_at AS created_at
		 ORDER BY m.importance DESC, m.created_at DESC LIMIT $limit`,
		map[string]interface{}{"agentId": agentID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("retrieve memories for %s: %w", agentID, err)
	}

	var memories []*Memory
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := rec.Get("id")
		typ, _ := rec.Get("type")
		content, _ := rec.Get("content")
		importance, _ := rec.Get("importance")
		rawCtx, _ := rec.Get("context")
		created, _ := rec.Get("created_at")

		m := &Memory{
			ID:         id.(string),
			AgentID:    agentID,
			Content:    content.(string),
			Importance: importance.(float64),
		}
		if t, ok := typ.(string); ok {
			m.Type = Type(t)
		}
		if t, ok := created.(time.Time); ok {
			m.CreatedAt = t
		}
		if raw, ok := rawCtx.(string); ok && raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &m.Context); err != nil {
				s.logger.Warn("bad memory context", zap.String("memory", m.ID), zap.Error(err))
			}
		}
		memories = append(memories, m)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("retrieve memories for %s: %w", agentID, err)
	}
	return memories, nil
}
