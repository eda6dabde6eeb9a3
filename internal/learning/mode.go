// Package learning runs the recurring batch job that advances agents' scores
// and velocity while they are not busy with tasks.
package learning

import (
	"fmt"
	"strings"
)

// Mode is one way an agent can spend a learning cycle.
type Mode string

const (
	ModeKnowledgeSynthesis    Mode = "knowledge_synthesis"
	ModeSkillPractice         Mode = "skill_practice"
	ModeRelationshipDiscovery Mode = "relationship_discovery"
	ModeDomainExploration     Mode = "domain_exploration"
	ModeMemoryConsolidation   Mode = "memory_consolidation"
	ModePatternRecognition    Mode = "pattern_recognition"

	// ModeAuto lets the scheduler pick a mode per agent.
	ModeAuto Mode = "auto"
)

// Modes lists every concrete learning mode in draw order.
var Modes = [...]Mode{
	ModeKnowledgeSynthesis,
	ModeSkillPractice,
	ModeRelationshipDiscovery,
	ModeDomainExploration,
	ModeMemoryConsolidation,
	ModePatternRecognition,
}

// Valid reports whether m is a concrete learning mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeKnowledgeSynthesis, ModeSkillPractice, ModeRelationshipDiscovery,
		ModeDomainExploration, ModeMemoryConsolidation, ModePatternRecognition:
		return true
	}
	return false
}

// ParseMode accepts a concrete mode or "auto". The empty string means auto.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" || m == ModeAuto {
		return ModeAuto, nil
	}
	if !m.Valid() {
		return "", fmt.Errorf("unknown learning mode %q", s)
	}
	return m, nil
}

// ModeWeights holds one draw weight per concrete mode.
type ModeWeights struct {
	KnowledgeSynthesis    float64
	SkillPractice         float64
	RelationshipDiscovery float64
	DomainExploration     float64
	MemoryConsolidation   float64
	PatternRecognition    float64
}

// Get returns the weight of m.
func (w ModeWeights) Get(m Mode) float64 {
	switch m {
	case ModeKnowledgeSynthesis:
		return w.KnowledgeSynthesis
	case ModeSkillPractice:
		return w.SkillPractice
	case ModeRelationshipDiscovery:
		return w.RelationshipDiscovery
	case ModeDomainExploration:
		return w.DomainExploration
	case ModeMemoryConsolidation:
		return w.MemoryConsolidation
	case ModePatternRecognition:
		return w.PatternRecognition
	}
	return 0
}

// Draw picks a mode with probability proportional to its weight. r must be in [0,1).
func (w ModeWeights) Draw(r float64) Mode {
	total := 0.0
	for _, m := range Modes {
		total += w.Get(m)
	}
	if total <= 0 {
		return ModeDomainExploration
	}
	x := r * total
	var last Mode
	for _, m := range Modes {
		wt := w.Get(m)
		if wt <= 0 {
			continue
		}
		last = m
		if x < wt {
			return m
		}
		x -= wt
	}
	return last
}
