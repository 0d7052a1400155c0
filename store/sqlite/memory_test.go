package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "cortex.db"), "agent:test:cortex")
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	m := NewMemoryStore(s.DB())
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("memory init: %v", err)
	}
	return m
}

func TestHotFactRanking(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()

	a, _ := m.InsertHotFact(ctx, "fact a")
	b, _ := m.InsertHotFact(ctx, "fact b")
	_ = a

	// Touch b twice so it outranks a.
	m.TouchFact(ctx, b)
	m.TouchFact(ctx, b)

	facts, err := m.TopFacts(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 2 || facts[0].Text != "fact b" {
		t.Errorf("top facts = %+v, want fact b first", facts)
	}
	if facts[0].HitCount != 2 {
		t.Errorf("hit count = %d", facts[0].HitCount)
	}
}

func TestMatchHotFacts(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()
	m.InsertHotFact(ctx, "the wifi password is hunter2")
	m.InsertHotFact(ctx, "the cat is named Miso")

	facts, err := m.MatchHotFacts(ctx, "wifi", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].Text != "the wifi password is hunter2" {
		t.Errorf("match = %+v", facts)
	}
	facts, _ = m.MatchHotFacts(ctx, "no such thing", 10)
	if len(facts) != 0 {
		t.Errorf("match = %+v, want none", facts)
	}
}

func TestStaleFacts(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()
	stale, _ := m.InsertHotFact(ctx, "stale")
	popular, _ := m.InsertHotFact(ctx, "popular but old")
	m.InsertHotFact(ctx, "fresh")

	// Age two facts past the cutoff; give one of them a high hit count.
	if _, err := m.db.Exec(`UPDATE hot_facts SET last_accessed_at = last_accessed_at - 2592000 WHERE id IN (?, ?)`, stale, popular); err != nil {
		t.Fatal(err)
	}
	m.db.Exec(`UPDATE hot_facts SET hit_count = 50 WHERE id = ?`, popular)

	facts, err := m.StaleFacts(ctx, 14, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 1 || facts[0].ID != stale {
		t.Errorf("stale = %+v, want only the unpopular old fact", facts)
	}
}

func TestColdFactRoundTrip(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()

	emb := []float32{0.1, 0.2, 0.3}
	rowID, err := m.InsertColdFact(ctx, "archived fact", 12345, emb)
	if err != nil {
		t.Fatal(err)
	}
	cf, err := m.GetColdFact(ctx, rowID)
	if err != nil || cf == nil {
		t.Fatalf("get = %+v, %v", cf, err)
	}
	if cf.Text != "archived fact" || cf.CreatedAt != 12345 || cf.ArchivedAt == 0 {
		t.Errorf("cold fact = %+v", cf)
	}
	if len(cf.Embedding) != 3 || math.Abs(float64(cf.Embedding[1]-0.2)) > 1e-6 {
		t.Errorf("embedding = %v", cf.Embedding)
	}

	if err := m.DeleteColdFact(ctx, rowID); err != nil {
		t.Fatal(err)
	}
	if cf, _ := m.GetColdFact(ctx, rowID); cf != nil {
		t.Errorf("cold fact survived deletion: %+v", cf)
	}
	var vectors int
	m.db.QueryRow(`SELECT COUNT(*) FROM cold_vectors`).Scan(&vectors)
	if vectors != 0 {
		t.Errorf("orphaned vectors = %d", vectors)
	}
}

func TestSearchColdOrdersByDistance(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()

	m.InsertColdFact(ctx, "east", 0, []float32{1, 0})
	m.InsertColdFact(ctx, "north", 0, []float32{0, 1})
	m.InsertColdFact(ctx, "northeast", 0, []float32{1, 1})

	hits, err := m.SearchCold(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Text != "east" {
		t.Errorf("nearest = %+v, want east", hits[0])
	}
	if hits[1].Text != "northeast" {
		t.Errorf("second = %+v, want northeast", hits[1])
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("distances out of order")
	}
}

func TestSearchColdEmptyArchive(t *testing.T) {
	m := newTestMemoryStore(t)
	hits, err := m.SearchCold(context.Background(), []float32{1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestCosineSimilarity(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(float64(got)-1) > 1e-6 {
		t.Errorf("identical vectors = %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(float64(got)) > 1e-6 {
		t.Errorf("orthogonal vectors = %f", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("mismatched lengths = %f", got)
	}
	if got := cosineSimilarity(nil, nil); got != 0 {
		t.Errorf("empty vectors = %f", got)
	}
}
