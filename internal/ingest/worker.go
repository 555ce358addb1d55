package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

// JobStore abstracts the job queue and memory lookups.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	DeferJob(ctx context.Context, id string, until time.Time, reason string) error
	RequeueRunningJobs(ctx context.Context) (int, error)
	GetMemory(ctx context.Context, id string) (storage.MemoryRecord, error)
	GetBlob(ctx context.Context, pointer string) (string, error)
}

// ContentEmbedder produces one vector for a whole memory, however long.
type ContentEmbedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// VectorUpserter stores a memory's embedding.
type VectorUpserter interface {
	Upsert(ctx context.Context, memoryID, userID string, vec []float32) error
}

// lockedRetry is how long an index job waits before checking again whether
// a wallet has been connected.
const lockedRetry = 30 * time.Second

// Worker processes index_memory jobs from the SQLite job queue. Opening a
// memory needs its owner's wallet to be connected; while the vault is locked
// jobs are deferred without spending an attempt.
type Worker struct {
	store    JobStore
	keys     KeySource
	embedder ContentEmbedder
	vectors  VectorUpserter
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, keys KeySource, embedder ContentEmbedder, vectors VectorUpserter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		keys:     keys,
		embedder: embedder,
		vectors:  vectors,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled. Jobs a previous process left
// running are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunningJobs(ctx); err != nil {
		w.logger.Error("requeueing interrupted jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single index_memory job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobIndexMemory})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	err = w.processJob(ctx, job)
	switch {
	case errors.Is(err, vault.ErrLocked):
		w.logger.Debug("vault locked, deferring index job", "job_id", job.ID)
		if err := w.store.DeferJob(ctx, job.ID, time.Now().Add(lockedRetry), err.Error()); err != nil {
			w.logger.Error("failed to defer job", "job_id", job.ID, "error", err)
		}
		return true, nil
	case err != nil:
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	rec, err := w.store.GetMemory(ctx, payload.MemoryID)
	if err != nil {
		return fmt.Errorf("loading memory %s: %w", payload.MemoryID, err)
	}
	sealed, err := w.store.GetBlob(ctx, rec.StoragePointer)
	if err != nil {
		return fmt.Errorf("loading blob for %s: %w", rec.ID, err)
	}

	ring, wallet, err := w.keys.Keyring()
	if err != nil {
		return err
	}
	if wallet != rec.UserID {
		return fmt.Errorf("memory %s belongs to another wallet", rec.ID)
	}
	text, err := ring.Open(rec.UserID, sealed)
	if err != nil {
		return fmt.Errorf("opening memory %s: %w", rec.ID, err)
	}

	vec, err := w.embedder.EmbedDocument(ctx, text)
	if err != nil {
		return fmt.Errorf("embedding content: %w", err)
	}

	if err := w.vectors.Upsert(ctx, rec.ID, rec.UserID, vec); err != nil {
		return fmt.Errorf("upserting vector: %w", err)
	}
	w.logger.Debug("memory indexed", "memory_id", rec.ID, "dims", len(vec))
	return nil
}
