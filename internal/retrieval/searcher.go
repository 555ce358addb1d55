package retrieval

import (
	"context"
	"fmt"
	"log/slog"
)

// ResultKind tags a SearchResult.
type ResultKind int

const (
	Success ResultKind = iota
	Empty
	Error
)

func (k ResultKind) String() string {
	switch k {
	case Success:
		return "success"
	case Empty:
		return "empty"
	default:
		return "error"
	}
}

// SearchResult is the outcome of a search. Hits is set only for Success;
// Reason explains Empty and Error.
type SearchResult struct {
	Kind   ResultKind
	Hits   []SearchHit
	Reason string
}

// IDs returns the hit memory IDs in rank order.
func (r SearchResult) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.MemoryID
	}
	return ids
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher ranks a user's memories against a free-text query.
type Searcher struct {
	embedder QueryEmbedder
	index    *Index
}

func NewSearcher(embedder QueryEmbedder, index *Index) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

// Search never returns a Go error: failures become an Error result and
// no matches above threshold become Empty.
func (s *Searcher) Search(ctx context.Context, userID, query string, topK int, threshold float32) SearchResult {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("search embedding failed", "error", err)
		return SearchResult{Kind: Error, Reason: err.Error()}
	}

	hits, err := s.index.Search(ctx, userID, vec, topK)
	if err != nil {
		slog.Warn("vector search failed", "error", err)
		return SearchResult{Kind: Error, Reason: err.Error()}
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= threshold {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return SearchResult{Kind: Empty, Reason: fmt.Sprintf("no memories above threshold %.2f", threshold)}
	}
	return SearchResult{Kind: Success, Hits: kept}
}

// Count reports how many memories of userID are searchable.
func (s *Searcher) Count(ctx context.Context, userID string) (int, error) {
	return s.index.Count(ctx, userID)
}
