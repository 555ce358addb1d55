package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kalambet/vaultchat/internal/engine"
	"golang.org/x/sync/errgroup"
)

const (
	// chunkRunes keeps each piece well inside the embed model's context.
	chunkRunes = 2000
	// embedParallelism bounds concurrent engine calls for one document.
	embedParallelism = 4
)

var errEmptyVector = errors.New("engine returned an empty vector")

// Embedder turns text into vectors through the local inference engine.
type Embedder struct {
	engine engine.Engine
	model  string
}

func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Embed returns the embedding vector for a short text such as a query.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: %w", errEmptyVector)
	}
	return vec, nil
}

// EmbedDocument embeds text of any length. Long documents are split on
// paragraph boundaries, each chunk is embedded, and the chunk vectors are
// averaged into one unit-length vector so the index keeps a single entry
// per memory.
func (e *Embedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	chunks := splitChunks(text, chunkRunes)
	if len(chunks) <= 1 {
		return e.Embed(ctx, text)
	}

	vecs := make([][]float32, len(chunks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)
	for i, chunk := range chunks {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, chunk)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			if len(vec) == 0 {
				return fmt.Errorf("embedding chunk %d: %w", i, errEmptyVector)
			}
			vecs[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return meanPool(vecs)
}

// splitChunks packs paragraphs into chunks of at most limit runes. A single
// paragraph longer than limit is cut at rune boundaries.
func splitChunks(text string, limit int) []string {
	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, para := range strings.Split(text, "\n\n") {
		p := []rune(para)
		if len(cur) > 0 && len(cur)+len(p)+2 > limit {
			flush()
		}
		for len(p) > limit {
			flush()
			cur = append(cur, p[:limit]...)
			flush()
			p = p[limit:]
		}
		if len(cur) > 0 {
			cur = append(cur, '\n', '\n')
		}
		cur = append(cur, p...)
	}
	flush()
	return chunks
}

func meanPool(vecs [][]float32) ([]float32, error) {
	dims := len(vecs[0])
	sum := make([]float64, dims)
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("chunk %d has %d dimensions, want %d", i, len(v), dims)
		}
		for j, x := range v {
			sum[j] += float64(x)
		}
	}

	var norm float64
	for _, x := range sum {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dims)
	if norm == 0 {
		return out, nil
	}
	for j, x := range sum {
		out[j] = float32(x / norm)
	}
	return out, nil
}
