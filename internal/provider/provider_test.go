package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
}

func newOpenAIServer(t *testing.T, handler http.HandlerFunc) (*Router, *int32) {
	t.Helper()
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)

	router := NewRouter(fastPolicy(), zap.NewNop())
	router.Register(NewOpenAIProvider(ProviderConfig{ID: "test", Name: "Test", Endpoint: ts.URL, APIKey: "k"}, zap.NewNop()))
	return router, &calls
}

func TestGenerateSuccess(t *testing.T) {
	router, calls := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		w.Write([]byte(`{"id":"1","model":"m","choices":[{"message":{"role":"assistant","content":"  strong audit history  "},"finish_reason":"stop"}]}`))
	})

	got, err := router.Generate(context.Background(), []Message{{Role: "user", Content: "why?"}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "strong audit history" || *calls != 1 {
		t.Errorf("got %q after %d calls", got, *calls)
	}
}

func TestGenerateRetryPolicy(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantKind  FailureKind
		wantCalls int32
	}{
		{"server error retried", http.StatusBadGateway, "upstream down", KindUnavailable, 2},
		{"rate limit fails fast", http.StatusTooManyRequests, `{"error":"slow down"}`, KindRateLimited, 1},
		{"quota fails fast", http.StatusTooManyRequests, `{"error":{"type":"insufficient_quota"}}`, KindQuotaExceeded, 1},
		{"bad request fails fast", http.StatusBadRequest, "bad", KindBadRequest, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			router, calls := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			})
			var observed string
			router.OnResult(func(_, result string) { observed = result })

			_, err := router.Generate(context.Background(), []Message{{Role: "user", Content: "x"}})
			if KindOf(err) != c.wantKind {
				t.Errorf("kind = %q, want %q (err %v)", KindOf(err), c.wantKind, err)
			}
			if *calls != c.wantCalls {
				t.Errorf("calls = %d, want %d", *calls, c.wantCalls)
			}
			if observed != string(c.wantKind) {
				t.Errorf("observed %q", observed)
			}
		})
	}
}

func TestGenerateRecoversOnSecondAttempt(t *testing.T) {
	var n int32
	router, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	got, err := router.Generate(context.Background(), nil)
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestGenerateHonorsCancellation(t *testing.T) {
	router, _ := newOpenAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	router.policy = RetryPolicy{MaxAttempts: 2, InitialDelay: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := router.Generate(ctx, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestGenerateWithoutProvider(t *testing.T) {
	_, err := NewRouter(DefaultRetryPolicy(), zap.NewNop()).Generate(context.Background(), nil)
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected ErrNoProvider, got %v", err)
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	p := NewOpenAIProvider(ProviderConfig{ID: "dead", Endpoint: "http://127.0.0.1:1"}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{})
	if KindOf(err) != KindUnavailable {
		t.Errorf("kind = %q, want unavailable", KindOf(err))
	}
}

func TestAnthropicChat(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "k" {
			t.Errorf("unexpected request %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"m1","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer ts.Close()

	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Endpoint: ts.URL, APIKey: "k"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.TotalTokens != 5 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]FailureKind{
		http.StatusInternalServerError: KindUnavailable,
		529:                            KindUnavailable,
		http.StatusPaymentRequired:     KindQuotaExceeded,
		http.StatusUnauthorized:        KindBadRequest,
	}
	for status, want := range cases {
		if got := classifyStatus(status, ""); got != want {
			t.Errorf("classifyStatus(%d) = %s, want %s", status, got, want)
		}
	}
}
