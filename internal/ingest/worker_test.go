package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

const (
	testKey    = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testWallet = "0xabc"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return m.embedFn(ctx, text)
}

type upserted struct {
	memoryID string
	userID   string
	vec      []float32
}

type mockVectorUpserter struct {
	mu       sync.Mutex
	upserted []upserted
}

func (m *mockVectorUpserter) Upsert(ctx context.Context, memoryID, userID string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, upserted{memoryID, userID, vec})
	return nil
}

func staticEmbedder() *mockEmbedder {
	return &mockEmbedder{embedFn: func(_ context.Context, _ string) ([]float32, error) {
		return []float32{0.1, 0.2, 0.3}, nil
	}}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func connectedHolder(t *testing.T) *vault.KeyHolder {
	t.Helper()
	h := vault.NewKeyHolder()
	if err := h.Connect(testWallet, testKey); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return h
}

func writeTestMemory(t *testing.T, w *Writer, text string) storage.MemoryRecord {
	t.Helper()
	rec, err := w.Write(context.Background(), text, map[string]string{"source": "test"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return rec
}

func jobState(t *testing.T, store *storage.Store) (status string, attempts int) {
	t.Helper()
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE type = ?`, JobIndexMemory).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job: %v", err)
	}
	return status, attempts
}

// resetRunAfter makes every job immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ?`, past); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	rec := writeTestMemory(t, NewWriter(store, holder), "I planted tomatoes in April")

	var embedded string
	vectors := &mockVectorUpserter{}
	w := NewWorker(store, holder, &mockEmbedder{
		embedFn: func(_ context.Context, text string) ([]float32, error) {
			embedded = text
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, vectors, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if embedded != "I planted tomatoes in April" {
		t.Errorf("embedded %q, want the decrypted plaintext", embedded)
	}
	if len(vectors.upserted) != 1 {
		t.Fatalf("upserted %d vectors, want 1", len(vectors.upserted))
	}
	if got := vectors.upserted[0]; got.memoryID != rec.ID || got.userID != testWallet {
		t.Errorf("upserted %+v, want memory %s for %s", got, rec.ID, testWallet)
	}
	if status, _ := jobState(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_NoJob(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, connectedHolder(t), staticEmbedder(), &mockVectorUpserter{}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	writeTestMemory(t, NewWriter(store, holder), "retry content")

	var calls atomic.Int32
	w := NewWorker(store, holder, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			n := calls.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("transient error %d", n)
			}
			return []float32{0.1, 0.2, 0.3}, nil
		},
	}, &mockVectorUpserter{}, 0)

	ctx := context.Background()

	// 1st attempt fails
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if status, attempts := jobState(t, store); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	resetRunAfter(t, store)

	// 2nd attempt fails
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if _, attempts := jobState(t, store); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store)

	// 3rd attempt succeeds
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobState(t, store); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	writeTestMemory(t, NewWriter(store, holder), "max retry content")

	w := NewWorker(store, holder, &mockEmbedder{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, fmt.Errorf("permanent error")
		},
	}, &mockVectorUpserter{}, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store)
		}
	}

	if status, _ := jobState(t, store); status != "failed" {
		t.Errorf("final status = %q, want failed", status)
	}
}

func TestWorker_LockedVaultDefersJob(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	writeTestMemory(t, NewWriter(store, holder), "written while connected")
	holder.Disconnect()

	vectors := &mockVectorUpserter{}
	w := NewWorker(store, holder, staticEmbedder(), vectors, 0)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(vectors.upserted) != 0 {
		t.Error("nothing should be indexed while the vault is locked")
	}
	if status, attempts := jobState(t, store); status != "pending" || attempts != 0 {
		t.Errorf("got %s/%d, want pending/0 so no retry is spent", status, attempts)
	}
}

func TestWorker_RunRequeuesInterruptedJobs(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	rec := writeTestMemory(t, NewWriter(store, holder), "left running by a crash")
	if _, err := store.ClaimNextJob(context.Background(), []string{JobIndexMemory}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	vectors := &mockVectorUpserter{}
	w := NewWorker(store, holder, staticEmbedder(), vectors, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if status, _ := jobState(t, store); status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("interrupted job was never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	vectors.mu.Lock()
	defer vectors.mu.Unlock()
	if len(vectors.upserted) != 1 || vectors.upserted[0].memoryID != rec.ID {
		t.Errorf("upserted = %+v, want %s", vectors.upserted, rec.ID)
	}
}

func TestWorker_ConcurrentWrites(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	writer := NewWriter(store, holder)

	const goroutines = 5
	const perGoroutine = 10
	const total = goroutines * perGoroutine

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := writer.Write(context.Background(), fmt.Sprintf("note %d-%d", g, j), nil); err != nil {
					t.Errorf("Write %d-%d: %v", g, j, err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	vectors := &mockVectorUpserter{}
	w := NewWorker(store, holder, staticEmbedder(), vectors, 0)

	deadline := time.After(5 * time.Second)
	processed := 0
	for processed < total {
		select {
		case <-deadline:
			t.Fatalf("timed out after processing %d/%d jobs", processed, total)
		default:
		}
		didWork, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce error at job %d: %v", processed, err)
		}
		if didWork {
			processed++
		}
	}

	seen := make(map[string]bool)
	for _, u := range vectors.upserted {
		seen[u.memoryID] = true
	}
	if len(seen) != total {
		t.Errorf("indexed %d distinct memories, want %d", len(seen), total)
	}
}

func TestWriter_LockedVault(t *testing.T) {
	store := openTestStore(t)
	w := NewWriter(store, vault.NewKeyHolder())

	if _, err := w.Write(context.Background(), "secret", nil); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("err = %v, want ErrLocked", err)
	}
}

func TestWriter_StoresSealedContent(t *testing.T) {
	store := openTestStore(t)
	holder := connectedHolder(t)
	rec := writeTestMemory(t, NewWriter(store, holder), "my passport number is in the blue folder")

	got, err := store.GetMemory(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.UserID != testWallet || got.Metadata["source"] != "test" {
		t.Errorf("record = %+v", got)
	}
	blob, err := store.GetBlob(context.Background(), got.StoragePointer)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if blob == "my passport number is in the blue folder" {
		t.Error("blob must not hold plaintext")
	}

	ring, _, _ := holder.Keyring()
	plain, err := ring.Open(testWallet, blob)
	if err != nil || plain != "my passport number is in the blue folder" {
		t.Errorf("Open = %q, %v", plain, err)
	}
}
