//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("seraph_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}
	s, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresAgentRoundTrip(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()

	seedAgents(t, s,
		&agent.Agent{ID: "s1", Sector: "FINANCE", Status: agent.StatusActive, Tier: agent.TierSeraphim},
		&agent.Agent{ID: "w1", Sector: "FINANCE", Status: agent.StatusIdle, Tier: agent.TierWorker, ParentSeraphimID: "s1",
			SpecializationScores: map[string]float64{"financial_analysis": 0.8}},
	)

	got, err := s.GetAgent(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParentSeraphimID != "s1" || got.Score("financial_analysis") != 0.8 {
		t.Errorf("unexpected agent: %+v", got)
	}

	workers, err := s.ListAgents(ctx, AgentFilter{Tier: agent.TierWorker, ParentID: "s1", Sector: "finance"})
	if err != nil || len(workers) != 1 {
		t.Fatalf("list workers: %v %v", ids(workers), err)
	}

	v := 0.35
	err = s.UpdateAgents(ctx, []AgentUpdate{{ID: "w1", LearningVelocity: &v}, {ID: "ghost", LearningVelocity: &v}})
	var be *BatchError
	if !errors.As(err, &be) || len(be.Failed) != 1 {
		t.Fatalf("expected one failed update, got %v", err)
	}
	got, _ = s.GetAgent(ctx, "w1")
	if got.LearningVelocity != 0.35 || got.ParentSeraphimID != "s1" {
		t.Errorf("after update: %+v", got)
	}

	if _, err := s.GetAgent(ctx, "ghost"); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestPostgresAssignTaskSingleWinner(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		seedAgents(t, s, &agent.Agent{ID: fmt.Sprintf("a%d", i), Status: agent.StatusIdle})
	}
	if err := s.CreateTask(ctx, &agent.Task{ID: "t1", Type: "x", Description: "d", Priority: agent.PriorityHigh}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AssignTask(ctx, "t1", []*agent.Assignment{{
				ID: fmt.Sprintf("as%d", i), TaskID: "t1", AgentID: fmt.Sprintf("a%d", i),
				Confidence: 0.5, SpecializationMatch: agent.MatchLow,
			}})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, agent.ErrAlreadyAssigned) {
				t.Errorf("unexpected: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("winners = %d", winners)
	}

	rows, err := s.ListAssignments(ctx, "t1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("assignments: %d %v", len(rows), err)
	}

	task, err := s.TransitionTask(ctx, "t1", []agent.TaskStatus{agent.TaskAssigned}, agent.TaskInProgress)
	if err != nil || task.Status != agent.TaskInProgress {
		t.Fatalf("transition: %+v %v", task, err)
	}
	if _, err := s.TransitionTask(ctx, "t1", []agent.TaskStatus{agent.TaskAssigned}, agent.TaskInProgress); !errors.Is(err, agent.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestPostgresDomainRulesAndEvents(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	seedAgents(t, s, &agent.Agent{ID: "s-fin", Tier: agent.TierSeraphim})

	if err := s.PutDomainRule(ctx, DomainRule{Domain: "Finance", SeraphimID: "s-fin"}); err != nil {
		t.Fatalf("put rule: %v", err)
	}
	got, err := s.ResolveDomain(ctx, "FINANCE", "audit")
	if err != nil || got != "s-fin" {
		t.Errorf("resolve = %q, %v", got, err)
	}
	got, _ = s.ResolveDomain(ctx, "no-such-domain", "")
	if got != "" {
		t.Errorf("unknown domain resolved to %q", got)
	}

	err = s.InsertLearningEvents(ctx, []*LearningEvent{
		{ID: "e1", CycleID: "c1", AgentID: "s-fin", Mode: "domain_exploration", Intensity: 0.5, KnowledgeGained: 0.2},
		{ID: "e2", CycleID: "c1", AgentID: "s-fin", Mode: "memory_consolidation", Intensity: 0.5, MemoryConsolidated: true},
	})
	if err != nil {
		t.Fatalf("insert events: %v", err)
	}
}

func TestPostgresCreateTaskIsInsertIfAbsent(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	if err := s.CreateTask(ctx, &agent.Task{ID: "t1", Type: "x", Description: "d"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateTask(ctx, &agent.Task{ID: "t1", Type: "x", Description: "again"})
	if !errors.Is(err, agent.ErrTaskExists) {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}
	task, _ := s.GetTask(ctx, "t1")
	if task.Description != "d" {
		t.Errorf("existing task overwritten: %+v", task)
	}
}

func TestPostgresScoreWritesMerge(t *testing.T) {
	s := startPostgres(t)
	ctx := context.Background()
	seedAgents(t, s, &agent.Agent{ID: "a1", Status: agent.StatusIdle,
		SpecializationScores: map[string]float64{"audit": 0.5, "tax": 0.95}})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyOutcome(ctx, TaskOutcome{AgentID: "a1", TaskType: "audit", Success: true, Alpha: 0.1}); err != nil {
				t.Errorf("apply outcome: %v", err)
			}
		}()
	}
	wg.Wait()

	err := s.UpdateAgents(ctx, []AgentUpdate{{ID: "a1", ScoreDeltas: map[string]float64{"tax": 0.1, "forecast": 0.1}}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	a, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.TotalTasksCompleted != 10 || a.SuccessRate != 1 {
		t.Errorf("total=%d rate=%v", a.TotalTasksCompleted, a.SuccessRate)
	}
	if a.Score("tax") != 1 || a.Score("audit") <= 0.5 {
		t.Errorf("scores %v", a.SpecializationScores)
	}
	if _, ok := a.SpecializationScores["forecast"]; ok {
		t.Errorf("delta created a new task type: %v", a.SpecializationScores)
	}
}
