package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kalambet/vaultchat/internal/storage"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewIndex(s.DB())
}

// fixedEmbedder maps known texts to vectors.
type fixedEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func TestIndex_SearchRanksByCosine(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(idx.Upsert(ctx, "same", "u", []float32{1, 0, 0}))
	must(idx.Upsert(ctx, "close", "u", []float32{0.9, 0.1, 0}))
	must(idx.Upsert(ctx, "orthogonal", "u", []float32{0, 1, 0}))
	must(idx.Upsert(ctx, "foreign", "other", []float32{1, 0, 0}))

	hits, err := idx.Search(ctx, "u", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].MemoryID != "same" || hits[1].MemoryID != "close" {
		t.Errorf("unexpected ranking: %+v", hits)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("identical vector score = %f", hits[0].Score)
	}
	for _, h := range hits {
		if h.MemoryID == "foreign" {
			t.Error("search leaked another user's memory")
		}
	}
}

func TestIndex_UpsertReplacesAndCounts(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	idx.Upsert(ctx, "m1", "u", []float32{0, 1})
	idx.Upsert(ctx, "m1", "u", []float32{1, 0})

	n, err := idx.Count(ctx, "u")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	hits, _ := idx.Search(ctx, "u", []float32{1, 0}, 5)
	if len(hits) != 1 || hits[0].Score < 0.999 {
		t.Errorf("vector not replaced: %+v", hits)
	}
}

func TestIndex_ZeroQueryVector(t *testing.T) {
	idx := openTestIndex(t)
	idx.Upsert(context.Background(), "m1", "u", []float32{1, 0})

	hits, err := idx.Search(context.Background(), "u", []float32{0, 0}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("zero vector should match nothing, got %+v", hits)
	}
}

func TestSearcher_Kinds(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	idx.Upsert(ctx, "hiking", "u", []float32{1, 0, 0})
	idx.Upsert(ctx, "cooking", "u", []float32{0, 1, 0})

	emb := &fixedEmbedder{vectors: map[string][]float32{
		"mountains": {1, 0.05, 0},
		"taxes":     {0, 0, 1},
	}}
	s := NewSearcher(emb, idx)

	res := s.Search(ctx, "u", "mountains", 5, 0.5)
	if res.Kind != Success {
		t.Fatalf("Kind = %v, want success (%s)", res.Kind, res.Reason)
	}
	if ids := res.IDs(); len(ids) != 1 || ids[0] != "hiking" {
		t.Errorf("IDs = %v, want [hiking]", ids)
	}

	res = s.Search(ctx, "u", "taxes", 5, 0.5)
	if res.Kind != Empty {
		t.Errorf("Kind = %v, want empty", res.Kind)
	}
	if res.Reason == "" {
		t.Error("empty result should carry a reason")
	}

	res = s.Search(ctx, "nobody", "mountains", 5, 0.5)
	if res.Kind != Empty {
		t.Errorf("unknown user: Kind = %v, want empty", res.Kind)
	}
}

func TestSearcher_EmbedFailureIsErrorResult(t *testing.T) {
	idx := openTestIndex(t)
	s := NewSearcher(&fixedEmbedder{err: errors.New("ollama down")}, idx)

	res := s.Search(context.Background(), "u", "anything", 5, 0.5)
	if res.Kind != Error {
		t.Fatalf("Kind = %v, want error", res.Kind)
	}
	if res.Reason != "ollama down" {
		t.Errorf("Reason = %q", res.Reason)
	}
	if len(res.Hits) != 0 {
		t.Error("error result should have no hits")
	}
}
