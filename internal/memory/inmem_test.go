package memory

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/nidhogg/seraph/internal/agent"
)

func TestRetrieveOrdersByImportanceThenRecency(t *testing.T) {
	s := NewInMemoryStore(DefaultBand(), zap.NewNop())
	ctx := context.Background()
	base := time.Now()

	for _, m := range []*Memory{
		{ID: "old-high", AgentID: "a", Type: TypeInteraction, Importance: 0.8, CreatedAt: base.Add(-2 * time.Hour)},
		{ID: "new-high", AgentID: "a", Type: TypeInteraction, Importance: 0.8, CreatedAt: base},
		{ID: "low", AgentID: "a", Type: TypeOutcome, Importance: 0.2, CreatedAt: base.Add(time.Hour)},
		{ID: "other", AgentID: "b", Type: TypeLearning, Importance: 1},
	} {
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.Retrieve(ctx, "a", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want := []string{"new-high", "old-high", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d memories, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, id)
		}
	}

	limited, _ := s.Retrieve(ctx, "a", 1)
	if len(limited) != 1 || limited[0].ID != "new-high" {
		t.Errorf("limit not applied: %v", limited)
	}
}

func TestAppendAssignsIDAndClamps(t *testing.T) {
	s := NewInMemoryStore(DefaultBand(), zap.NewNop())
	m := &Memory{AgentID: "a", Type: TypeLearning, Importance: 1.7, Context: map[string]any{"cycle": "c1"}}
	if err := s.Append(context.Background(), m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Errorf("id/created_at not assigned: %+v", m)
	}
	if m.Importance != 1 {
		t.Errorf("importance = %v, want 1", m.Importance)
	}

	m.Context["cycle"] = "mutated"
	got, _ := s.Retrieve(context.Background(), "a", 1)
	if got[0].Context["cycle"] != "c1" {
		t.Errorf("stored context shares caller map")
	}
}

func TestConsolidateBand(t *testing.T) {
	s := NewInMemoryStore(DefaultBand(), zap.NewNop())
	ctx := context.Background()
	for _, imp := range []float64{0.69, 0.7, 0.85, 0.9, 0.95} {
		_ = s.Append(ctx, &Memory{AgentID: "a", Type: TypeLearning, Importance: imp})
	}

	n, err := s.Consolidate(ctx, "a")
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d records, want 2", n)
	}

	got, _ := s.Retrieve(ctx, "a", 10)
	counts := map[float64]int{}
	for _, m := range got {
		counts[m.Importance]++
	}
	if counts[0.9] != 3 || counts[0.69] != 1 || counts[0.95] != 1 {
		t.Errorf("unexpected importances: %v", counts)
	}
}

func TestImportanceBoundedAndConsolidateIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewInMemoryStore(DefaultBand(), zap.NewNop())
		ctx := context.Background()
		imps := rapid.SliceOfN(rapid.Float64Range(-1, 2), 1, 30).Draw(t, "importances")
		for _, imp := range imps {
			_ = s.Append(ctx, &Memory{AgentID: "a", Type: TypeLearning, Importance: imp})
		}

		_, _ = s.Consolidate(ctx, "a")
		once, _ := s.Retrieve(ctx, "a", len(imps))
		n, _ := s.Consolidate(ctx, "a")
		twice, _ := s.Retrieve(ctx, "a", len(imps))

		if n != 0 {
			t.Fatalf("second consolidate changed %d records", n)
		}
		for i := range once {
			if once[i].Importance < 0 || once[i].Importance > 1 {
				t.Fatalf("importance out of range: %v", once[i].Importance)
			}
			if once[i].ID != twice[i].ID || once[i].Importance != twice[i].Importance {
				t.Fatalf("consolidate not idempotent at %d: %+v vs %+v", i, once[i], twice[i])
			}
		}
	})
}

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeInteraction, TypeOutcome, TypeLearning, TypePreference} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if Type("dream").Valid() {
		t.Error("unknown type reported valid")
	}
}

func TestAppendRejectsInvalidRecords(t *testing.T) {
	s := NewInMemoryStore(DefaultBand(), zap.NewNop())
	ctx := context.Background()
	for _, m := range []*Memory{
		{AgentID: "a", Type: "dream", Importance: 0.5},
		{AgentID: "a", Importance: 0.5},
		{Type: TypeLearning, Importance: 0.5},
	} {
		if err := s.Append(ctx, m); !agent.IsValidation(err) {
			t.Errorf("append %+v: expected validation error, got %v", m, err)
		}
	}
	if got, _ := s.Retrieve(ctx, "a", 10); len(got) != 0 {
		t.Errorf("rejected records stored: %+v", got)
	}
}
