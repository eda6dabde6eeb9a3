package learning

import (
	"fmt"

	"github.com/nidhogg/seraph/internal/agent"
)

// EffectProfile parameterizes the effect of one mode. Gains are multiplied by
// the cycle intensity; spreads scale a uniform draw in [0,1).
type EffectProfile struct {
	KnowledgeBase     float64
	KnowledgeSpread   float64
	BoostBase         float64
	BoostSpread       float64
	MaxRelationships  int
	ConsolidateChance float64 // 1 always consolidates, 0 never
}

// Effects holds the profile of every concrete mode.
type Effects struct {
	KnowledgeSynthesis    EffectProfile
	SkillPractice         EffectProfile
	RelationshipDiscovery EffectProfile
	DomainExploration     EffectProfile
	MemoryConsolidation   EffectProfile
	PatternRecognition    EffectProfile
}

// For returns the profile of m.
func (e Effects) For(m Mode) EffectProfile {
	switch m {
	case ModeKnowledgeSynthesis:
		return e.KnowledgeSynthesis
	case ModeSkillPractice:
		return e.SkillPractice
	case ModeRelationshipDiscovery:
		return e.RelationshipDiscovery
	case ModeDomainExploration:
		return e.DomainExploration
	case ModeMemoryConsolidation:
		return e.MemoryConsolidation
	case ModePatternRecognition:
		return e.PatternRecognition
	}
	return EffectProfile{}
}

// BaseIntensity is the per-status starting intensity.
type BaseIntensity struct {
	Idle       float64
	Active     float64
	Processing float64
	Dormant    float64
}

// For returns the base intensity for s. Agents in error never learn.
func (b BaseIntensity) For(s agent.Status) float64 {
	switch s {
	case agent.StatusIdle:
		return b.Idle
	case agent.StatusActive:
		return b.Active
	case agent.StatusProcessing:
		return b.Processing
	case agent.StatusDormant:
		return b.Dormant
	case agent.StatusError:
		return 0
	}
	return 0
}

// Config is the tuning of a Scheduler. It is a value type; every scheduler
// holds its own copy.
type Config struct {
	BatchSize    int
	MaxBatchSize int
	Workers      int
	Seed         uint64 // 0 draws a fresh seed per cycle

	Base             BaseIntensity
	VelocityFloor    float64
	VelocityNudge    float64 // fraction of intensity added to velocity
	KnowledgeMemory  float64 // knowledge gain above which a learning memory is written
	HighImpact       float64 // knowledge gain at or above which a notification is sent
	SparseWeights    ModeWeights
	RichWeights      ModeWeights
	RichThreshold    int // specialization count at which RichWeights apply
	Effects          Effects
	WakeDormant      bool // dormant agents return to idle after learning
	SelectableStatus []agent.Status
}

// DefaultConfig returns the standard learning tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		MaxBatchSize: 500,
		Workers:      8,
		Base: BaseIntensity{
			Idle:       0.3,
			Active:     0.2,
			Processing: 0.2,
			Dormant:    0.5,
		},
		VelocityFloor:   0.1,
		VelocityNudge:   0.1,
		KnowledgeMemory: 0.3,
		HighImpact:      0.8,
		SparseWeights: ModeWeights{
			SkillPractice:      0.4,
			DomainExploration:  0.3,
			KnowledgeSynthesis: 0.3,
		},
		RichWeights: ModeWeights{
			PatternRecognition:    0.25,
			KnowledgeSynthesis:    0.2,
			RelationshipDiscovery: 0.2,
			MemoryConsolidation:   0.2,
			SkillPractice:         0.15,
		},
		RichThreshold: 3,
		Effects: Effects{
			KnowledgeSynthesis:    EffectProfile{KnowledgeBase: 0.8, KnowledgeSpread: 0.4, BoostSpread: 0.1, ConsolidateChance: 0.3},
			SkillPractice:         EffectProfile{KnowledgeBase: 0.4, KnowledgeSpread: 0.2, BoostBase: 0.2, BoostSpread: 0.1},
			RelationshipDiscovery: EffectProfile{KnowledgeBase: 0.3, KnowledgeSpread: 0.3, MaxRelationships: 3},
			DomainExploration:     EffectProfile{KnowledgeBase: 1.0, KnowledgeSpread: 0.5, BoostSpread: 0.05},
			MemoryConsolidation:   EffectProfile{KnowledgeSpread: 0.3, ConsolidateChance: 1},
			PatternRecognition:    EffectProfile{KnowledgeBase: 0.6, KnowledgeSpread: 0.4, BoostSpread: 0.15, MaxRelationships: 1, ConsolidateChance: 0.5},
		},
		WakeDormant:      true,
		SelectableStatus: []agent.Status{agent.StatusIdle, agent.StatusActive, agent.StatusDormant},
	}
}

// Validate checks the tuning for values the scheduler cannot work with.
func (c Config) Validate() error {
	if c.BatchSize <= 0 || c.MaxBatchSize < c.BatchSize {
		return fmt.Errorf("learning: batch size %d outside (0, %d]", c.BatchSize, c.MaxBatchSize)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("learning: workers must be positive, got %d", c.Workers)
	}
	if c.VelocityFloor < 0 || c.VelocityFloor > 1 {
		return fmt.Errorf("learning: velocity floor %v outside [0,1]", c.VelocityFloor)
	}
	if c.RichThreshold < 1 {
		return fmt.Errorf("learning: rich threshold must be at least 1")
	}
	return nil
}
