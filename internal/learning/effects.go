package learning

import (
	"math"

	"github.com/nidhogg/seraph/internal/agent"
)

// Rand is the seedable source of bounded randomness used by a cycle.
type Rand interface {
	Float64() float64
}

// Effect is what one mode produced for one agent.
type Effect struct {
	KnowledgeGained         float64
	SpecializationBoost     float64
	RelationshipsDiscovered int
	MemoryConsolidated      bool
}

// ChooseMode picks the learning mode for an agent with n specializations.
func (c Config) ChooseMode(n int, rng Rand) Mode {
	switch {
	case n == 0:
		return ModeDomainExploration
	case n < c.RichThreshold:
		return c.SparseWeights.Draw(rng.Float64())
	default:
		return c.RichWeights.Draw(rng.Float64())
	}
}

// Intensity is base(status) × velocity × multiplier, with velocity raised to
// the configured floor and the result clamped to [0,1].
func (c Config) Intensity(status agent.Status, velocity, multiplier float64) float64 {
	v := math.Max(velocity, c.VelocityFloor)
	return agent.Clamp01(c.Base.For(status) * v * multiplier)
}

// Apply computes the effect of mode m at the given intensity. It always draws
// four values from rng so results for a fixed seed do not depend on the mode.
func (c Config) Apply(m Mode, intensity float64, rng Rand) Effect {
	p := c.Effects.For(m)
	rk, rb, rr, rc := rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()

	e := Effect{
		KnowledgeGained:     agent.Clamp01(intensity * (p.KnowledgeBase + p.KnowledgeSpread*rk)),
		SpecializationBoost: agent.Clamp01(intensity * (p.BoostBase + p.BoostSpread*rb)),
	}
	if p.MaxRelationships > 0 {
		e.RelationshipsDiscovered = min(int(rr*float64(p.MaxRelationships+1)), p.MaxRelationships)
	}
	switch {
	case p.ConsolidateChance >= 1:
		e.MemoryConsolidated = true
	case p.ConsolidateChance > 0:
		e.MemoryConsolidated = rc < p.ConsolidateChance
	}
	return e
}

// Boost raises every existing specialization by delta, capped at 1. Task types
// the agent has no score for are left alone.
func Boost(scores map[string]float64, delta float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	for k, v := range scores {
		out[k] = agent.Clamp01(v + delta)
	}
	return out
}

// NudgeVelocity moves velocity up by a fraction of intensity.
func (c Config) NudgeVelocity(velocity, intensity float64) float64 {
	return agent.Clamp01(velocity + c.VelocityNudge*intensity)
}
