package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// SearchHit is one ranked memory ID.
type SearchHit struct {
	MemoryID string  `json:"memory_id"`
	Score    float32 `json:"score"`
}

// Index stores one embedding per memory in the memory_vectors table and
// answers cosine top-K queries by brute-force scan. Only IDs and vectors
// are stored; memory text never lands here. Rows are removed together with
// their memory by storage.DeleteMemory.
type Index struct {
	db *sql.DB
}

// NewIndex wraps a database whose schema already has memory_vectors.
func NewIndex(db *sql.DB) *Index {
	return &Index{db: db}
}

// Upsert stores or replaces the vector for a memory.
func (x *Index) Upsert(ctx context.Context, memoryID, userID string, vec []float32) error {
	_, err := x.db.ExecContext(ctx, `
		INSERT INTO memory_vectors (memory_id, user_id, embedding, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET embedding = excluded.embedding, created_at = excluded.created_at`,
		memoryID, userID, encodeFloat32s(vec), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting vector %s: %w", memoryID, err)
	}
	return nil
}

// Count returns how many memories of userID are indexed.
func (x *Index) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_vectors WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// Search returns up to topK hits for userID, best first.
func (x *Index) Search(ctx context.Context, userID string, vector []float32, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := x.db.QueryContext(ctx, `SELECT memory_id, embedding FROM memory_vectors WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &hitHeap{}
	heap.Init(h)

	// Reused across rows.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, SearchHit{MemoryID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = SearchHit{MemoryID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	hits := make([]SearchHit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(SearchHit)
	}
	return hits, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes into buf, growing it only when needed.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). Vectors of different
// dimension score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// hitHeap is a min-heap by Score holding the current top-K.
type hitHeap []SearchHit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(SearchHit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
