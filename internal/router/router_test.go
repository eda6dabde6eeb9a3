package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/agent"
	"github.com/nidhogg/seraph/internal/dispatch"
	"github.com/nidhogg/seraph/internal/memory"
	"github.com/nidhogg/seraph/internal/notify"
	"github.com/nidhogg/seraph/internal/provider"
	"github.com/nidhogg/seraph/internal/scoring"
	"github.com/nidhogg/seraph/internal/store"
)

type stubGen struct {
	text string
	err  error
	mu   sync.Mutex
	n    int
}

func (g *stubGen) Generate(context.Context, []provider.Message) (string, error) {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
	return g.text, g.err
}

type fixture struct {
	router   *Router
	repo     *store.InMemory
	memories *memory.InMemoryStore
	notes    *notify.Recorder
}

func newFixture(t *testing.T, gen Generator, agents ...*agent.Agent) *fixture {
	t.Helper()
	logger := zap.NewNop()
	repo := store.NewInMemory()
	for _, a := range agents {
		if err := repo.SaveAgent(context.Background(), a); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	mem := memory.NewInMemoryStore(memory.DefaultBand(), logger)
	rec := notify.NewRecorder(10)
	r := New(repo, scoring.New(repo, logger), dispatch.New(repo, 0, logger), mem, gen, rec, nil, DefaultConfig(), logger)
	return &fixture{router: r, repo: repo, memories: mem, notes: rec}
}

func financeAgents() []*agent.Agent {
	return []*agent.Agent{
		{ID: "X", Sector: "FINANCE", Status: agent.StatusIdle, SpecializationScores: map[string]float64{"audit": 0.8}, SuccessRate: 0.9},
		{ID: "Y", Sector: "FINANCE", Status: agent.StatusIdle, SpecializationScores: map[string]float64{"audit": 0.5}, SuccessRate: 0.95},
		{ID: "Z", Sector: "FINANCE", Status: agent.StatusActive, SpecializationScores: map[string]float64{"audit": 0.1}},
		{ID: "W", Sector: "FINANCE", Status: agent.StatusIdle, SpecializationScores: map[string]float64{"audit": 0.05}},
	}
}

func TestAutoAssignTopCandidates(t *testing.T) {
	f := newFixture(t, &stubGen{text: "strong audit record"}, financeAgents()...)
	ctx := context.Background()

	res, err := f.router.AutoAssign(ctx, &agent.Task{Type: "audit", Sector: "FINANCE", Description: "Q3 audit", Priority: agent.PriorityHigh})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if !res.Success || res.Outcome != agent.OutcomeAssigned || len(res.Assignments) != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Assignments[0].AgentID != "X" || res.Assignments[1].AgentID != "Y" {
		t.Errorf("order = %s,%s", res.Assignments[0].AgentID, res.Assignments[1].AgentID)
	}
	first := res.Assignments[0]
	if first.SpecializationMatch != agent.MatchHigh || first.Reasoning != "strong audit record" {
		t.Errorf("first assignment %+v", first)
	}
	if want := 0.7*0.8 + 0.3*0.9; first.Confidence < want-1e-9 || first.Confidence > want+1e-9 {
		t.Errorf("confidence = %v, want %v", first.Confidence, want)
	}

	task, _ := f.repo.GetTask(ctx, res.TaskID)
	if task.Status != agent.TaskAssigned || fmt.Sprint(task.AssignedAgentIDs) != "[X Y Z]" {
		t.Errorf("task after assign %+v", task)
	}
	mems, _ := f.memories.Retrieve(ctx, "X", 10)
	if len(mems) != 1 || mems[0].Importance != 0.2 || mems[0].Context["task_id"] != res.TaskID {
		t.Errorf("assignment memory %+v", mems)
	}
}

func TestAutoAssignFallbackReasoning(t *testing.T) {
	gen := &stubGen{err: &provider.Failure{Kind: provider.KindRateLimited, Provider: "p"}}
	f := newFixture(t, gen, financeAgents()...)

	res, err := f.router.AutoAssign(context.Background(), &agent.Task{Type: "audit", Sector: "FINANCE", Description: "d"})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if !res.Success {
		t.Fatalf("generator failure must not fail routing: %+v", res)
	}
	for _, as := range res.Assignments {
		if as.Reasoning != "selected for specialization match in FINANCE" {
			t.Errorf("reasoning = %q", as.Reasoning)
		}
	}
}

func TestAutoAssignNoCandidate(t *testing.T) {
	f := newFixture(t, nil, &agent.Agent{ID: "a", Sector: "OPS", Status: agent.StatusIdle})
	res, err := f.router.AutoAssign(context.Background(), &agent.Task{Type: "audit", Description: "d"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Outcome != agent.OutcomeNoCandidate || len(res.Assignments) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestAutoAssignValidation(t *testing.T) {
	f := newFixture(t, nil)
	for _, task := range []*agent.Task{
		{Description: "no type"},
		{Type: "audit"},
		{Type: "audit", Description: "d", Priority: "urgent"},
	} {
		if _, err := f.router.AutoAssign(context.Background(), task); !agent.IsValidation(err) {
			t.Errorf("task %+v: expected validation error, got %v", task, err)
		}
	}
}

func TestConcurrentAutoAssignSingleActiveSet(t *testing.T) {
	f := newFixture(t, nil, financeAgents()...)
	ctx := context.Background()
	task := &agent.Task{ID: "t-race", Type: "audit", Sector: "FINANCE", Description: "race"}
	if err := f.repo.CreateTask(ctx, task.Clone()); err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 12
	results := make([]*agent.AssignmentResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.AutoAssign(ctx, task.Clone())
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	won := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		switch res.Outcome {
		case agent.OutcomeAssigned:
			won++
		case agent.OutcomeAlreadyAssigned:
		default:
			t.Errorf("unexpected outcome %s", res.Outcome)
		}
	}
	if won != 1 {
		t.Fatalf("%d callers won the assignment", won)
	}
	rows, _ := f.repo.ListAssignments(ctx, "t-race")
	active := 0
	for _, row := range rows {
		if row.Status.Active() {
			active++
		}
	}
	if active != 3 {
		t.Errorf("active assignment rows = %d, want 3", active)
	}
}

// staleReadRepo reports the first misses GetTask calls as not found, the view
// two callers racing to create the same task both start from.
type staleReadRepo struct {
	*store.InMemory
	mu     sync.Mutex
	misses int
}

func (s *staleReadRepo) GetTask(ctx context.Context, id string) (*agent.Task, error) {
	s.mu.Lock()
	miss := s.misses > 0
	if miss {
		s.misses--
	}
	s.mu.Unlock()
	if miss {
		return nil, agent.ErrTaskNotFound
	}
	return s.InMemory.GetTask(ctx, id)
}

func activeRows(t *testing.T, repo store.Repository, taskID string) int {
	t.Helper()
	rows, err := repo.ListAssignments(context.Background(), taskID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	n := 0
	for _, row := range rows {
		if row.Status.Active() {
			n++
		}
	}
	return n
}

func TestAutoAssignCreateRace(t *testing.T) {
	logger := zap.NewNop()
	repo := &staleReadRepo{InMemory: store.NewInMemory(), misses: 2}
	for _, a := range financeAgents() {
		_ = repo.SaveAgent(context.Background(), a)
	}
	r := New(repo, scoring.New(repo, logger), nil, nil, nil, nil, nil, DefaultConfig(), logger)
	ctx := context.Background()
	task := &agent.Task{ID: "t-new", Type: "audit", Sector: "FINANCE", Description: "fresh"}

	first, err := r.AutoAssign(ctx, task.Clone())
	if err != nil || first.Outcome != agent.OutcomeAssigned {
		t.Fatalf("first caller: %+v %v", first, err)
	}
	second, err := r.AutoAssign(ctx, task.Clone())
	if err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if second.Outcome != agent.OutcomeAlreadyAssigned {
		t.Errorf("second caller outcome = %s, want already_assigned", second.Outcome)
	}
	if n := activeRows(t, repo, "t-new"); n != 3 {
		t.Errorf("active assignment rows = %d, want 3", n)
	}
	stored, _ := repo.GetTask(ctx, "t-new")
	if stored.Status != agent.TaskAssigned {
		t.Errorf("task reset to %s", stored.Status)
	}
}

func TestConcurrentAutoAssignUncreatedTask(t *testing.T) {
	f := newFixture(t, nil, financeAgents()...)
	task := &agent.Task{ID: "t-fresh", Type: "audit", Sector: "FINANCE", Description: "fresh"}

	const callers = 12
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.router.AutoAssign(context.Background(), task.Clone())
			if err != nil {
				t.Errorf("auto assign: %v", err)
				return
			}
			if res.Outcome == agent.OutcomeAssigned {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d callers won the assignment", won)
	}
	if n := activeRows(t, f.repo, "t-fresh"); n != 3 {
		t.Errorf("active assignment rows = %d, want 3", n)
	}
}

func hierarchyAgents() []*agent.Agent {
	return []*agent.Agent{
		{ID: "S1", Sector: "FINANCE", Status: agent.StatusActive, Tier: agent.TierSeraphim},
		{ID: "W1", Sector: "FINANCE", Status: agent.StatusIdle, Tier: agent.TierWorker, ParentSeraphimID: "S1",
			SpecializationScores: map[string]float64{"audit": 0.3}},
		{ID: "W2", Sector: "FINANCE", Status: agent.StatusIdle, Tier: agent.TierWorker, ParentSeraphimID: "S1",
			SpecializationScores: map[string]float64{"audit": 0.6}},
		{ID: "X", Sector: "FINANCE", Status: agent.StatusIdle, Tier: agent.TierWorker,
			SpecializationScores: map[string]float64{"audit": 0.9}},
	}
}

func TestAutoAssignThroughHierarchy(t *testing.T) {
	f := newFixture(t, nil, hierarchyAgents()...)
	ctx := context.Background()
	if err := f.repo.PutDomainRule(ctx, store.DomainRule{Domain: "FINANCE", SeraphimID: "S1"}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	res, err := f.router.AutoAssign(ctx, &agent.Task{Type: "audit", Sector: "FINANCE", Description: "d"})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if !res.Success || res.SeraphimID != "S1" || len(res.Assignments) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Assignments[0].AgentID != "W2" || res.Assignments[1].AgentID != "W1" {
		t.Errorf("order = %s,%s", res.Assignments[0].AgentID, res.Assignments[1].AgentID)
	}
	if got := res.Assignments[0].Reasoning; got != "selected for specialization match in FINANCE under seraphim S1" {
		t.Errorf("reasoning = %q", got)
	}
	mems, _ := f.memories.Retrieve(ctx, "W2", 1)
	if len(mems) != 1 || mems[0].Context["seraphim_id"] != "S1" {
		t.Errorf("assignment memory %+v", mems)
	}
}

func TestAutoAssignWithoutRuleRanksFlatPool(t *testing.T) {
	f := newFixture(t, nil, hierarchyAgents()...)
	ctx := context.Background()
	if err := f.repo.PutDomainRule(ctx, store.DomainRule{Domain: "DATA", SeraphimID: "S1"}); err != nil {
		t.Fatalf("rule: %v", err)
	}

	res, err := f.router.AutoAssign(ctx, &agent.Task{Type: "audit", Sector: "FINANCE", Description: "d"})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if res.SeraphimID != "" || len(res.Assignments) != 3 || res.Assignments[0].AgentID != "X" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := res.Assignments[0].Reasoning; got != "selected for specialization match in FINANCE" {
		t.Errorf("reasoning = %q", got)
	}
}

func TestManualAssign(t *testing.T) {
	f := newFixture(t, nil, financeAgents()...)
	ctx := context.Background()
	_ = f.repo.CreateTask(ctx, &agent.Task{ID: "t1", Type: "audit", Description: "d"})

	if _, err := f.router.ManualAssign(ctx, "t1", nil); !agent.IsValidation(err) {
		t.Errorf("empty agent list: %v", err)
	}
	if _, err := f.router.ManualAssign(ctx, "t1", []string{"ghost"}); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Errorf("unknown agent: %v", err)
	}
	if _, err := f.router.ManualAssign(ctx, "nope", []string{"X"}); !errors.Is(err, agent.ErrTaskNotFound) {
		t.Errorf("unknown task: %v", err)
	}

	res, err := f.router.ManualAssign(ctx, "t1", []string{"W", "W", "Y"})
	if err != nil {
		t.Fatalf("manual assign: %v", err)
	}
	if !res.Success || len(res.Assignments) != 2 || !res.Assignments[0].Manual {
		t.Fatalf("unexpected result %+v", res)
	}
	mems, _ := f.memories.Retrieve(ctx, "W", 5)
	if len(mems) != 1 || mems[0].Context["kind"] != "manual_assignment" {
		t.Errorf("manual memory %+v", mems)
	}

	again, err := f.router.ManualAssign(ctx, "t1", []string{"X"})
	if err != nil || again.Outcome != agent.OutcomeAlreadyAssigned {
		t.Errorf("second manual assign: %+v %v", again, err)
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	f := newFixture(t, nil, financeAgents()...)
	ctx := context.Background()
	_ = f.repo.CreateTask(ctx, &agent.Task{ID: "t1", Type: "audit", Description: "d"})
	if _, err := f.router.ManualAssign(ctx, "t1", []string{"Y"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := f.router.UpdateStatus(ctx, "t1", agent.TaskCompleted); !errors.Is(err, agent.ErrInvalidTransition) {
		t.Errorf("assigned -> completed should fail: %v", err)
	}
	if _, err := f.router.UpdateStatus(ctx, "t1", agent.TaskPending); !errors.Is(err, agent.ErrInvalidTransition) {
		t.Errorf("-> pending should fail: %v", err)
	}
	if _, err := f.router.UpdateStatus(ctx, "t1", agent.TaskInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	task, err := f.router.UpdateStatus(ctx, "t1", agent.TaskCompleted)
	if err != nil || task.Status != agent.TaskCompleted {
		t.Fatalf("complete: %+v %v", task, err)
	}

	y, _ := f.repo.GetAgent(ctx, "Y")
	if y.TotalTasksCompleted != 1 || y.Score("audit") <= 0.5 {
		t.Errorf("outcome not recorded: %+v", y)
	}
	mems, _ := f.memories.Retrieve(ctx, "Y", 1)
	if mems[0].Type != memory.TypeOutcome || mems[0].Importance != 0.6 {
		t.Errorf("outcome memory %+v", mems[0])
	}

	if _, err := f.router.UpdateStatus(ctx, "t1", agent.TaskCancelled); !errors.Is(err, agent.ErrInvalidTransition) {
		t.Errorf("completed -> cancelled should fail: %v", err)
	}
}

func TestAssignmentNotification(t *testing.T) {
	f := newFixture(t, nil, financeAgents()...)
	_, _ = f.router.AutoAssign(context.Background(), &agent.Task{Type: "audit", Sector: "FINANCE", Description: "d", Priority: agent.PriorityCritical})

	// delivery is asynchronous
	for i := 0; i < 100 && len(f.notes.History(0)) == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	h := f.notes.History(0)
	if len(h) != 1 || h[0].Title != "Task assigned" || h[0].Priority != notify.PriorityHigh {
		t.Errorf("notifications %+v", h)
	}
}
