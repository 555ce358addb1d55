package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/vaultchat/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool                          { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error)            { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool                 { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_OllamaError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	_, err := e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbedDocument_ShortTextSingleCall(t *testing.T) {
	var calls int
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			calls++
			return makeVector(8), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vec, err := e.EmbedDocument(context.Background(), "a short note")
	if err != nil {
		t.Fatalf("EmbedDocument: %v", err)
	}
	if calls != 1 {
		t.Errorf("engine called %d times, want 1", calls)
	}
	if len(vec) != 8 {
		t.Errorf("got %d dimensions, want 8", len(vec))
	}
}

func TestEmbedDocument_LongTextPooled(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			mu.Lock()
			seen = append(seen, text)
			mu.Unlock()
			if strings.HasPrefix(text, "a") {
				return []float32{1, 0}, nil
			}
			return []float32{0, 1}, nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	doc := strings.Repeat("a", chunkRunes) + "\n\n" + strings.Repeat("b", chunkRunes)
	vec, err := e.EmbedDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("EmbedDocument: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("engine called %d times, want 2", len(seen))
	}
	want := float32(1 / math.Sqrt2)
	for i, x := range vec {
		if math.Abs(float64(x-want)) > 1e-6 {
			t.Errorf("vec[%d] = %f, want %f", i, x, want)
		}
	}
}

func TestEmbedDocument_ChunkError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if strings.HasPrefix(text, "b") {
				return nil, errors.New("embedding failed")
			}
			return makeVector(4), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	doc := strings.Repeat("a", chunkRunes) + "\n\n" + strings.Repeat("b", chunkRunes)
	_, err := e.EmbedDocument(context.Background(), doc)
	if err == nil || !strings.Contains(err.Error(), "embedding failed") {
		t.Fatalf("got %v, want embedding failure", err)
	}
}

func TestEmbedDocument_DimensionMismatch(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if strings.HasPrefix(text, "b") {
				return makeVector(3), nil
			}
			return makeVector(4), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	doc := strings.Repeat("a", chunkRunes) + "\n\n" + strings.Repeat("b", chunkRunes)
	if _, err := e.EmbedDocument(context.Background(), doc); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"fits", "one\n\ntwo", 20, []string{"one\n\ntwo"}},
		{"packs paragraphs", "aaaa\n\nbbbb\n\ncc", 10, []string{"aaaa\n\nbbbb", "cc"}},
		{"cuts long paragraph", "abcdefg", 3, []string{"abc", "def", "g"}},
		{"blank", "  \n\n ", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEmbed_EmptyVectorIsError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return []float32{}, nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}
