package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// reserved edge properties; everything else on the edge is metadata
var reservedProps = map[string]bool{
	"type": true, "synergy": true, "observations": true, "created_at": true, "updated_at": true,
}

// Neo4jEdgeStore keeps relationships as (:Agent)-[:SYNERGY]->(:Agent) edges directed
// from the lower to the higher agent ID.
type Neo4jEdgeStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jEdgeStore creates an edge store on a shared driver.
func NewNeo4jEdgeStore(driver neo4j.DriverWithContext, logger *zap.Logger) *Neo4jEdgeStore {
	return &Neo4jEdgeStore{driver: driver, logger: logger}
}

// EnsureSchema creates the uniqueness constraint MERGE relies on.
func (g *Neo4jEdgeStore) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("ensure graph schema: %w", err)
	}
	return nil
}

func (g *Neo4jEdgeStore) Upsert(ctx context.Context, r Relationship) error {
	if r.AgentA == r.AgentB {
		return ErrSelfRelationship
	}
	a, b := Canonical(r.AgentA, r.AgentB)

	meta := make(map[string]interface{}, len(r.Metadata))
	for k, v := range r.Metadata {
		if !reservedProps[k] {
			meta[k] = v
		}
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (a:Agent {id: $a})
		 MERGE (b:Agent {id: $b})
		 MERGE (a)-[r:SYNERGY]->(b)
		 ON CREATE SET r.observations = 0, r.created_at = datetime()
		 SET r += $meta,
		     r.type = $type,
		     r.synergy = CASE WHEN $synergy > 1.0 THEN 1.0 WHEN $synergy < 0.0 THEN 0.0 ELSE $synergy END,
		     r.observations = r.observations + 1,
		     r.updated_at = datetime()`,
		map[string]interface{}{
			"a":       a,
			"b":       b,
			"type":    string(r.Type),
			"synergy": r.Synergy,
			"meta":    meta,
		})
	if err != nil {
		return fmt.Errorf("upsert relationship %s-%s: %w", a, b, err)
	}
	return nil
}

func (g *Neo4jEdgeStore) ForAgent(ctx context.Context, agentID string) ([]*Relationship, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (a:Agent)-[r:SYNERGY]->(b:Agent)
		 WHERE a.id = $agentId OR b.id = $agentId
		 RETURN a.id AS a, b.id AS b, properties(r) AS props
		 ORDER BY r.synergy DESC, a.id, b.id`,
		map[string]interface{}{"agentId": agentID})
	if err != nil {
		return nil, fmt.Errorf("get relationships for %s: %w", agentID, err)
	}

	var edges []*Relationship
	for result.Next(ctx) {
		rec := result.Record()
		aID, _ := rec.Get("a")
		bID, _ := rec.Get("b")
		rawProps, _ := rec.Get("props")
		props, _ := rawProps.(map[string]interface{})

		rel := &Relationship{
			AgentA:   aID.(string),
			AgentB:   bID.(string),
			Metadata: map[string]any{},
		}
		if v, ok := props["type"].(string); ok {
			rel.Type = RelationType(v)
		}
		if v, ok := props["synergy"].(float64); ok {
			rel.Synergy = v
		}
		if v, ok := props["observations"].(int64); ok {
			rel.Observations = int(v)
		}
		if v, ok := props["updated_at"].(time.Time); ok {
			rel.UpdatedAt = v
		}
		for k, v := range props {
			if !reservedProps[k] {
				rel.Metadata[k] = v
			}
		}
		edges = append(edges, rel)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("get relationships for %s: %w", agentID, err)
	}
	return edges, nil
}
