package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

// JobIndexMemory embeds and indexes a newly written memory.
const JobIndexMemory = "index_memory"

// KeySource exposes the connected wallet key.
type KeySource interface {
	Keyring() (*vault.Keyring, string, error)
}

// MemoryWriter persists sealed memories and queues them for indexing.
type MemoryWriter interface {
	SaveMemory(ctx context.Context, rec storage.MemoryRecord, ciphertext string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Writer seals content under the connected wallet and stores it.
type Writer struct {
	store MemoryWriter
	keys  KeySource
}

func NewWriter(store MemoryWriter, keys KeySource) *Writer {
	return &Writer{store: store, keys: keys}
}

type indexPayload struct {
	MemoryID string `json:"memory_id"`
}

// Write stores text as a new memory owned by the connected wallet. It
// returns vault.ErrLocked when no wallet is connected.
func (w *Writer) Write(ctx context.Context, text string, metadata map[string]string) (storage.MemoryRecord, error) {
	ring, wallet, err := w.keys.Keyring()
	if err != nil {
		return storage.MemoryRecord{}, err
	}

	sealed, err := ring.Seal(wallet, text)
	if err != nil {
		return storage.MemoryRecord{}, fmt.Errorf("sealing memory: %w", err)
	}

	rec := storage.MemoryRecord{
		ID:             ulid.Make().String(),
		UserID:         wallet,
		StoragePointer: "blob/" + ulid.Make().String(),
		CreatedAt:      time.Now().UTC(),
		Metadata:       metadata,
	}
	if err := w.store.SaveMemory(ctx, rec, sealed); err != nil {
		return storage.MemoryRecord{}, fmt.Errorf("saving memory: %w", err)
	}

	payload, err := json.Marshal(indexPayload{MemoryID: rec.ID})
	if err != nil {
		return storage.MemoryRecord{}, fmt.Errorf("creating job payload: %w", err)
	}
	if err := w.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		Type:        JobIndexMemory,
		PayloadJSON: string(payload),
	}); err != nil {
		return storage.MemoryRecord{}, fmt.Errorf("enqueueing index job: %w", err)
	}
	return rec, nil
}
