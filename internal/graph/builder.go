package graph

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
)

// Rand is the source of bounded jitter.
type Rand interface {
	Float64() float64
}

// BuilderConfig tunes the synergy formula and pair scan.
type BuilderConfig struct {
	Window        int     // agents after each one in its sector group to compare against
	Threshold     float64 // edges are written only when synergy exceeds this
	ColdBase      float64 // synergy base when either agent has no specializations
	ColdJitter    float64
	OverlapWeight float64
	UniqueWeight  float64
	JitterFloor   float64 // minimum jitter for specialized pairs
	Jitter        float64 // maximum jitter for specialized pairs
}

// DefaultBuilderConfig returns the standard tuning.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Window:        2,
		Threshold:     0.3,
		ColdBase:      0.3,
		ColdJitter:    0.2,
		OverlapWeight: 0.4,
		UniqueWeight:  0.4,
		JitterFloor:   0.1,
		Jitter:        0.2,
	}
}

// BuildResult summarizes one Build call.
type BuildResult struct {
	Compared int               `json:"compared"`
	Upserted int               `json:"upserted"`
	Edges    []Relationship    `json:"edges,omitempty"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// Builder derives synergy edges from a batch of agents.
type Builder struct {
	edges  EdgeStore
	cfg    BuilderConfig
	logger *zap.Logger
}

// NewBuilder creates a relationship graph builder.
func NewBuilder(edges EdgeStore, cfg BuilderConfig, logger *zap.Logger) *Builder {
	return &Builder{edges: edges, cfg: cfg, logger: logger}
}

// Synergy scores a pair of agents and classifies the edge.
func (c BuilderConfig) Synergy(x, y *agent.Agent, rng Rand) (float64, RelationType) {
	nx, ny := x.SpecializationCount(), y.SpecializationCount()
	if nx == 0 || ny == 0 {
		return clampSynergy(c.ColdBase + rng.Float64()*c.ColdJitter), RelationExploratory
	}

	overlap := 0
	for k := range x.SpecializationScores {
		if _, ok := y.SpecializationScores[k]; ok {
			overlap++
		}
	}
	overlapRatio := float64(overlap) / float64(max(nx, ny))
	uniqueRatio := float64(nx+ny-2*overlap) / float64(nx+ny)

	jitter := c.JitterFloor + rng.Float64()*(c.Jitter-c.JitterFloor)
	score := c.OverlapWeight*overlapRatio + c.UniqueWeight*uniqueRatio + jitter
	typ := RelationComplementary
	if overlapRatio >= uniqueRatio {
		typ = RelationPeer
	}
	return clampSynergy(score), typ
}

// Build groups agents by sector, compares each agent with the next Window agents
// of its group and upserts every edge whose synergy exceeds the threshold.
// Individual upsert failures are recorded and do not stop the scan.
func (b *Builder) Build(ctx context.Context, agents []*agent.Agent, rng Rand) BuildResult {
	groups := make(map[string][]*agent.Agent)
	for _, a := range agents {
		key := strings.ToLower(a.Sector)
		groups[key] = append(groups[key], a)
	}
	sectors := make([]string, 0, len(groups))
	for s := range groups {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	res := BuildResult{}
	for _, sector := range sectors {
		group := groups[sector]
		for i, x := range group {
			for j := i + 1; j < len(group) && j <= i+b.cfg.Window; j++ {
				y := group[j]
				if x.ID == y.ID {
					continue
				}
				res.Compared++
				synergy, typ := b.cfg.Synergy(x, y, rng)
				if synergy <= b.cfg.Threshold {
					continue
				}

				a, c := Canonical(x.ID, y.ID)
				rel := Relationship{
					AgentA:  a,
					AgentB:  c,
					Type:    typ,
					Synergy: synergy,
					Metadata: map[string]any{
						"sector": group[0].Sector,
					},
				}
				if err := b.edges.Upsert(ctx, rel); err != nil {
					if res.Failed == nil {
						res.Failed = make(map[string]string)
					}
					res.Failed[a+"|"+c] = err.Error()
					b.logger.Warn("relationship upsert failed",
						zap.String("agent_a", a), zap.String("agent_b", c), zap.Error(err))
					continue
				}
				res.Upserted++
				res.Edges = append(res.Edges, rel)
			}
		}
	}

	b.logger.Debug("relationship graph built",
		zap.Int("agents", len(agents)),
		zap.Int("compared", res.Compared),
		zap.Int("upserted", res.Upserted))
	return res
}
