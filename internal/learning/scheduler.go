package learning

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/graph"
	"github.com/nidhogg/seraph/internal/memory"
	"github.com/nidhogg/seraph/internal/metrics"
	"github.com/nidhogg/seraph/internal/notify"
	"github.com/nidhogg/seraph/internal/store"
)

// graphStream separates the relationship builder's random stream from the
// per-agent streams of the same seed.
const graphStream = 0x5e7a9

// Request describes one learning cycle. A nil Multiplier means 1; an explicit
// 0 runs the cycle at zero intensity.
type Request struct {
	BatchSize  int      `json:"batch_size"`
	Mode       Mode     `json:"mode"`
	Sector     string   `json:"sector,omitempty"`
	Multiplier *float64 `json:"intensity_multiplier,omitempty"`
	Seed       uint64   `json:"seed,omitempty"`
	Trigger    string   `json:"-"`
}

// multiplier returns the effective intensity multiplier.
func (r Request) multiplier() float64 {
	if r.Multiplier == nil {
		return 1
	}
	return *r.Multiplier
}

// AgentResult is the outcome of one agent's learning step.
type AgentResult struct {
	AgentID                 string  `json:"agent_id"`
	Mode                    Mode    `json:"mode"`
	Intensity               float64 `json:"intensity"`
	KnowledgeGained         float64 `json:"knowledge_gained"`
	SpecializationBoost     float64 `json:"specialization_boost"`
	RelationshipsDiscovered int     `json:"relationships_discovered"`
	MemoryConsolidated      bool    `json:"memory_consolidated"`
	MemoriesRescored        int     `json:"memories_rescored,omitempty"`
	LearningVelocity        float64 `json:"learning_velocity"`
	Error                   string  `json:"error,omitempty"`
}

// Failed reports whether any write for this agent failed.
func (r *AgentResult) Failed() bool { return r.Error != "" }

func (r *AgentResult) fail(err error) {
	if r.Error == "" {
		r.Error = err.Error()
		return
	}
	r.Error += "; " + err.Error()
}

// Summary aggregates one cycle. Success is true whenever the batch could be
// selected; individual agent failures are reported in Results.
type Summary struct {
	Success                  bool           `json:"success"`
	CycleID                  string         `json:"cycle_id"`
	Mode                     Mode           `json:"mode"`
	Sector                   string         `json:"sector,omitempty"`
	Seed                     uint64         `json:"seed"`
	AgentsProcessed          int            `json:"agents_processed"`
	AgentsFailed             int            `json:"agents_failed"`
	TotalKnowledge           float64        `json:"total_knowledge"`
	TotalSpecializationBoost float64        `json:"total_specialization_boost"`
	TotalRelationships       int            `json:"total_relationships"`
	RelationshipsUpserted    int            `json:"relationships_upserted"`
	MemoriesWritten          int            `json:"memories_written"`
	ModeCounts               map[Mode]int   `json:"mode_counts"`
	Results                  []*AgentResult `json:"results"`
	StartedAt                time.Time      `json:"started_at"`
	Duration                 time.Duration  `json:"duration_ns"`
}

// Scheduler runs learning cycles.
type Scheduler struct {
	repo     store.Repository
	memories memory.Store
	builder  *graph.Builder
	sink     notify.Sink
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewScheduler creates a learning scheduler. memories, builder, sink and m may be nil.
func NewScheduler(repo store.Repository, memories memory.Store, builder *graph.Builder,
	sink notify.Sink, m *metrics.Metrics, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{
		repo:     repo,
		memories: memories,
		builder:  builder,
		sink:     sink,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Config returns the scheduler's tuning.
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) normalize(req Request) (Request, error) {
	if req.BatchSize == 0 {
		req.BatchSize = s.cfg.BatchSize
	}
	if req.BatchSize < 0 || req.BatchSize > s.cfg.MaxBatchSize {
		return req, &agent.ValidationError{Field: "batch_size", Reason: fmt.Sprintf("must be in 1..%d", s.cfg.MaxBatchSize)}
	}
	if req.Mode == "" {
		req.Mode = ModeAuto
	}
	if req.Mode != ModeAuto && !req.Mode.Valid() {
		return req, &agent.ValidationError{Field: "mode", Reason: "unknown learning mode " + string(req.Mode)}
	}
	if req.multiplier() < 0 {
		return req, &agent.ValidationError{Field: "intensity_multiplier", Reason: "must not be negative"}
	}
	if req.Seed == 0 {
		req.Seed = s.cfg.Seed
	}
	if req.Seed == 0 {
		req.Seed = rand.Uint64()
	}
	if req.Trigger == "" {
		req.Trigger = "manual"
	}
	return req, nil
}

type step struct {
	result *AgentResult
	update store.AgentUpdate
	after  *agent.Agent
}

// RunCycle selects the stalest batch of agents and advances each of them.
// It returns an error only for invalid requests or when the batch cannot be
// selected; every later failure is recorded on the affected agent's result.
// Once the batch is selected the cycle no longer observes ctx cancellation
// and always runs to completion.
func (s *Scheduler) RunCycle(ctx context.Context, req Request) (*Summary, error) {
	req, err := s.normalize(req)
	if err != nil {
		return nil, err
	}
	started := s.now()

	batch, err := s.repo.ListAgents(ctx, store.AgentFilter{
		Statuses: s.cfg.SelectableStatus,
		Sector:   req.Sector,
		OrderBy:  store.OrderByLastUpdatedAsc,
		Limit:    req.BatchSize,
	})
	if err != nil {
		s.logger.Error("learning batch selection failed", zap.Error(err))
		return nil, fmt.Errorf("select learning batch: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	sum := &Summary{
		Success:    true,
		CycleID:    uuid.New().String(),
		Mode:       req.Mode,
		Sector:     req.Sector,
		Seed:       req.Seed,
		ModeCounts: make(map[Mode]int),
		Results:    make([]*AgentResult, len(batch)),
		StartedAt:  started,
	}

	steps := make([]step, len(batch))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, a := range batch {
		g.Go(func() error {
			steps[i] = s.learn(ctx, a, req, started)
			return nil
		})
	}
	_ = g.Wait()

	s.persist(ctx, sum.CycleID, steps, started)
	s.recordMemories(ctx, steps, sum)

	if s.builder != nil && len(steps) > 0 {
		processed := make([]*agent.Agent, 0, len(steps))
		for _, st := range steps {
			if !st.result.Failed() {
				processed = append(processed, st.after)
			}
		}
		built := s.builder.Build(ctx, processed, rand.New(rand.NewPCG(req.Seed, graphStream)))
		sum.RelationshipsUpserted = built.Upserted
		s.metrics.RelationshipsUpserted(built.Upserted)
	}

	for i, st := range steps {
		r := st.result
		sum.Results[i] = r
		sum.AgentsProcessed++
		sum.ModeCounts[r.Mode]++
		sum.TotalKnowledge += r.KnowledgeGained
		sum.TotalSpecializationBoost += r.SpecializationBoost
		sum.TotalRelationships += r.RelationshipsDiscovered
		if r.Failed() {
			sum.AgentsFailed++
		}
		s.metrics.AgentResult(string(r.Mode), !r.Failed())
	}
	sum.Duration = s.now().Sub(started)
	s.metrics.Cycle(req.Trigger, sum.Duration)

	s.logger.Info("learning cycle completed",
		zap.String("cycle", sum.CycleID),
		zap.String("trigger", req.Trigger),
		zap.String("mode", string(req.Mode)),
		zap.Int("agents", sum.AgentsProcessed),
		zap.Int("failed", sum.AgentsFailed),
		zap.Float64("knowledge", sum.TotalKnowledge),
		zap.Int("relationships", sum.RelationshipsUpserted),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// learn computes one agent's step. Only memory consolidation touches storage here.
func (s *Scheduler) learn(ctx context.Context, a *agent.Agent, req Request, now time.Time) step {
	rng := rand.New(rand.NewPCG(req.Seed, agentStream(a.ID)))

	mode := req.Mode
	if mode == ModeAuto {
		mode = s.cfg.ChooseMode(a.SpecializationCount(), rng)
	}
	intensity := s.cfg.Intensity(a.Status, a.LearningVelocity, req.multiplier())
	eff := s.cfg.Apply(mode, intensity, rng)

	after := a.Clone()
	after.SpecializationScores = Boost(a.SpecializationScores, eff.SpecializationBoost)
	after.LearningVelocity = s.cfg.NudgeVelocity(a.LearningVelocity, intensity)
	after.LastUpdatedAt = now
	if s.cfg.WakeDormant && a.Status == agent.StatusDormant {
		after.Status = agent.StatusIdle
	}

	res := &AgentResult{
		AgentID:                 a.ID,
		Mode:                    mode,
		Intensity:               intensity,
		KnowledgeGained:         eff.KnowledgeGained,
		SpecializationBoost:     eff.SpecializationBoost,
		RelationshipsDiscovered: eff.RelationshipsDiscovered,
		MemoryConsolidated:      eff.MemoryConsolidated,
		LearningVelocity:        after.LearningVelocity,
	}

	if eff.MemoryConsolidated && s.memories != nil {
		n, err := s.memories.Consolidate(ctx, a.ID)
		if err != nil {
			res.fail(fmt.Errorf("consolidate memories: %w", err))
			s.logger.Warn("memory consolidation failed", zap.String("agent", a.ID), zap.Error(err))
		}
		res.MemoriesRescored = n
	}

	velocity := after.LearningVelocity
	upd := store.AgentUpdate{
		ID:               a.ID,
		LearningVelocity: &velocity,
		LastUpdatedAt:    now,
	}
	if eff.SpecializationBoost > 0 && a.SpecializationCount() > 0 {
		upd.ScoreDeltas = make(map[string]float64, a.SpecializationCount())
		for k := range a.SpecializationScores {
			upd.ScoreDeltas[k] = eff.SpecializationBoost
		}
	}
	if after.Status != a.Status {
		upd.Status = after.Status
	}

	s.logger.Debug("agent learned",
		zap.String("agent", a.ID),
		zap.String("mode", string(mode)),
		zap.Float64("intensity", intensity),
		zap.Float64("knowledge", eff.KnowledgeGained))
	return step{result: res, update: upd, after: after}
}

// persist writes the batched agent update and the learning events.
func (s *Scheduler) persist(ctx context.Context, cycleID string, steps []step, now time.Time) {
	if len(steps) == 0 {
		return
	}
	updates := make([]store.AgentUpdate, len(steps))
	events := make([]*store.LearningEvent, len(steps))
	for i, st := range steps {
		updates[i] = st.update
		r := st.result
		events[i] = &store.LearningEvent{
			ID:                      uuid.New().String(),
			CycleID:                 cycleID,
			AgentID:                 r.AgentID,
			Mode:                    string(r.Mode),
			Intensity:               r.Intensity,
			KnowledgeGained:         r.KnowledgeGained,
			SpecializationBoost:     r.SpecializationBoost,
			RelationshipsDiscovered: r.RelationshipsDiscovered,
			MemoryConsolidated:      r.MemoryConsolidated,
			CreatedAt:               now,
		}
	}

	if err := s.repo.UpdateAgents(ctx, updates); err != nil {
		var batchErr *store.BatchError
		if errors.As(err, &batchErr) {
			for _, st := range steps {
				if itemErr, ok := batchErr.Failed[st.result.AgentID]; ok {
					st.result.fail(&agent.PersistenceError{Op: "update agent", ID: st.result.AgentID, Err: itemErr})
				}
			}
			s.logger.Warn("some agent updates failed", zap.String("cycle", cycleID), zap.Int("failed", len(batchErr.Failed)))
		} else {
			for _, st := range steps {
				st.result.fail(&agent.PersistenceError{Op: "update agent", ID: st.result.AgentID, Err: err})
			}
			s.logger.Error("agent batch update failed", zap.String("cycle", cycleID), zap.Error(err))
		}
	}

	if err := s.repo.InsertLearningEvents(ctx, events); err != nil {
		for _, st := range steps {
			st.result.fail(&agent.PersistenceError{Op: "insert learning event", ID: st.result.AgentID, Err: err})
		}
		s.logger.Error("learning event insert failed", zap.String("cycle", cycleID), zap.Error(err))
	}
}

// recordMemories writes a learning memory for every agent whose knowledge gain
// passed the threshold and notifies on high-impact gains.
func (s *Scheduler) recordMemories(ctx context.Context, steps []step, sum *Summary) {
	for _, st := range steps {
		r := st.result
		if r.KnowledgeGained >= s.cfg.HighImpact {
			notify.Send(s.sink, notify.Notification{
				Kind:          "learning",
				Title:         "High-impact learning",
				Message:       fmt.Sprintf("Agent %s gained %.2f knowledge through %s", r.AgentID, r.KnowledgeGained, r.Mode),
				Priority:      notify.PriorityHigh,
				SourceAgentID: r.AgentID,
			}, s.logger)
		}
		if s.memories == nil || r.KnowledgeGained <= s.cfg.KnowledgeMemory {
			continue
		}
		err := s.memories.Append(ctx, &memory.Memory{
			AgentID:    r.AgentID,
			Type:       memory.TypeLearning,
			Content:    fmt.Sprintf("Learned through %s: knowledge +%.2f, specialization +%.2f", r.Mode, r.KnowledgeGained, r.SpecializationBoost),
			Importance: r.KnowledgeGained,
			Context: map[string]any{
				"cycle_id":  sum.CycleID,
				"mode":      string(r.Mode),
				"intensity": r.Intensity,
			},
		})
		if err != nil {
			r.fail(&agent.PersistenceError{Op: "append memory", ID: r.AgentID, Err: err})
			s.logger.Warn("learning memory append failed", zap.String("agent", r.AgentID), zap.Error(err))
			continue
		}
		sum.MemoriesWritten++
	}
}

func agentStream(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}
