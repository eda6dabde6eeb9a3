package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

type failing struct{}

func (failing) Notify(context.Context, Notification) error { return errors.New("boom") }

type waitSink struct {
	mu   sync.Mutex
	got  []Notification
	done chan struct{}
}

func (w *waitSink) Notify(_ context.Context, n Notification) error {
	w.mu.Lock()
	w.got = append(w.got, n)
	w.mu.Unlock()
	close(w.done)
	return nil
}

func TestRedisStreamAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	sink := NewRedisStream(rdb, "", zap.NewNop())
	n := Notification{Kind: "learning", Title: "Breakthrough", Message: "agent a1 gained 0.85", Priority: PriorityHigh, SourceAgentID: "a1", CreatedAt: time.Now()}
	if err := sink.Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}

	msgs, err := rdb.XRange(context.Background(), DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	v := msgs[0].Values
	if v["title"] != "Breakthrough" || v["priority"] != "high" || v["source_agent_id"] != "a1" {
		t.Errorf("unexpected values %v", v)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	rec := NewRecorder(10)
	err := Fanout{failing{}, rec}.Notify(context.Background(), Notification{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(rec.History(0)) != 1 {
		t.Errorf("healthy sink skipped after failure")
	}
}

func TestSendIsFireAndForget(t *testing.T) {
	w := &waitSink{done: make(chan struct{})}
	Send(w, Notification{Title: "Task assigned"}, zap.NewNop())

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("notification never delivered")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.got[0].Priority != PriorityNormal || w.got[0].CreatedAt.IsZero() {
		t.Errorf("defaults not applied: %+v", w.got[0])
	}

	// failures are swallowed
	Send(failing{}, Notification{Title: "x"}, zap.NewNop())
	Send(nil, Notification{Title: "x"}, zap.NewNop())
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	rec := NewRecorder(2)
	for _, title := range []string{"a", "b", "c"} {
		_ = rec.Notify(context.Background(), Notification{Title: title})
	}
	h := rec.History(0)
	if len(h) != 2 || h[0].Title != "b" || h[1].Title != "c" {
		t.Errorf("history = %+v", h)
	}
}

func TestSlackPostsToChannel(t *testing.T) {
	var gotChannel, gotText string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotChannel = r.FormValue("channel")
		gotText = r.FormValue("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000100"}`))
	}))
	defer ts.Close()

	s := NewSlack("xoxb-test", "C1", zap.NewNop(), slack.OptionAPIURL(ts.URL+"/"))
	err := s.Notify(context.Background(), Notification{Title: "Task assigned", Message: "t1 -> a1", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotChannel != "C1" || !strings.Contains(gotText, "Task assigned") {
		t.Errorf("channel=%q text=%q", gotChannel, gotText)
	}
}
