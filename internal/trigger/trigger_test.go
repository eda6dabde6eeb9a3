package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/learning"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []learning.Request
	release chan struct{}
}

func (f *fakeRunner) RunCycle(_ context.Context, req learning.Request) (*learning.Summary, error) {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return &learning.Summary{Success: true, CycleID: "c", Mode: req.Mode}, nil
}

func (f *fakeRunner) requests() []learning.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]learning.Request(nil), f.reqs...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGuardRejectsOverlappingCycles(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	g := NewGuard(runner, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := g.Fire(context.Background(), learning.Request{Trigger: "first"})
		done <- err
	}()
	eventually(t, g.Running)

	if _, err := g.Fire(context.Background(), learning.Request{Trigger: "second"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping fire: got %v, want ErrBusy", err)
	}
	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if g.Running() {
		t.Error("guard still marked running")
	}
	if reqs := runner.requests(); len(reqs) != 1 || reqs[0].Trigger != "first" {
		t.Errorf("runner saw %+v", reqs)
	}
}

func TestClockTicksListeners(t *testing.T) {
	c := NewClock(5*time.Millisecond, zap.NewNop())
	var n atomic.Int64
	c.AddListener(ListenerFunc(func(context.Context, time.Time) { n.Add(1) }))

	c.Start(context.Background())
	eventually(t, func() bool { return n.Load() >= 3 })
	c.Stop()

	after := c.Ticks()
	time.Sleep(20 * time.Millisecond)
	if c.Ticks() != after {
		t.Error("clock kept ticking after Stop")
	}
	if n.Load() != after {
		t.Errorf("listener calls %d != ticks %d", n.Load(), after)
	}
}

func TestCycleOnTickUsesClockTrigger(t *testing.T) {
	runner := &fakeRunner{}
	g := NewGuard(runner, zap.NewNop())
	l := CycleOnTick(g, learning.Request{BatchSize: 7, Mode: learning.ModeAuto}, zap.NewNop())

	l.OnTick(context.Background(), time.Now())
	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].Trigger != "clock" || reqs[0].BatchSize != 7 {
		t.Errorf("requests %+v", reqs)
	}
}

func newStreamTrigger(t *testing.T, runner Runner) (*StreamTrigger, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := NewStreamTrigger(rdb, "", NewGuard(runner, zap.NewNop()), zap.NewNop())
	st.startID = "0"
	st.block = 50 * time.Millisecond
	return st, rdb
}

func TestStreamTriggerRunsQueuedRequests(t *testing.T) {
	runner := &fakeRunner{}
	st, rdb := newStreamTrigger(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: DefaultStream, Values: map[string]interface{}{"data": "{not json"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if _, err := st.Enqueue(ctx, learning.Request{BatchSize: 5, Mode: learning.ModeSkillPractice, Sector: "DATA", Multiplier: ptr(1.5)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- st.Run(ctx) }()

	eventually(t, func() bool { return len(runner.requests()) == 1 })
	req := runner.requests()[0]
	if req.Trigger != "stream" || req.BatchSize != 5 || req.Mode != learning.ModeSkillPractice || req.Sector != "DATA" || req.Multiplier == nil || *req.Multiplier != 1.5 {
		t.Errorf("request %+v", req)
	}

	if _, err := st.Enqueue(ctx, learning.Request{BatchSize: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	eventually(t, func() bool { return len(runner.requests()) == 2 })

	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream trigger did not stop")
	}
}

func ptr(v float64) *float64 { return &v }
