package vault

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kalambet/vaultchat/internal/storage"
)

const (
	openParallelism = 4
	authBurst       = 3
)

// ErrRateLimited is logged when an unlock is throttled.
var ErrRateLimited = errors.New("authorization rate limited")

// BlobStore resolves memory records and their sealed content.
type BlobStore interface {
	GetMemoriesByIDs(ctx context.Context, ids []string) ([]storage.MemoryRecord, error)
	GetBlob(ctx context.Context, pointer string) (string, error)
}

// Decryptor unlocks batches of memories behind a single authorization.
type Decryptor struct {
	store   BlobStore
	auth    Authorizer
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewDecryptor creates a Decryptor that allows perMinute authorization
// attempts (burst 3). perMinute <= 0 disables throttling.
func NewDecryptor(store BlobStore, auth Authorizer, perMinute int) *Decryptor {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Decryptor{
		store:   store,
		auth:    auth,
		limiter: rate.NewLimiter(limit, authBurst),
		logger:  slog.Default(),
	}
}

// DecryptBatch returns plaintexts for as many of ids as can be opened. It
// authorizes once for the whole set and never returns an error: failures
// shrink or empty the result.
//
// Once authorization is granted the batch runs to completion even if ctx
// is cancelled, so the caller can still cache what was unlocked.
func (d *Decryptor) DecryptBatch(ctx context.Context, ids []string, ac AuthContext) map[string]string {
	out := make(map[string]string)
	ids = dedupe(ids)
	if len(ids) == 0 {
		return out
	}

	if !d.limiter.Allow() {
		d.logger.Warn("decryption skipped", "error", ErrRateLimited, "count", len(ids))
		return out
	}

	ac.Count = len(ids)
	grant, err := d.auth.Authorize(ctx, ac)
	if err != nil {
		d.logger.Warn("decryption not authorized", "error", err, "count", len(ids))
		return out
	}

	bg := context.WithoutCancel(ctx)
	records, err := d.store.GetMemoriesByIDs(bg, ids)
	if err != nil {
		d.logger.Warn("loading memory records failed", "error", err)
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(bg)
	g.SetLimit(openParallelism)
	for _, rec := range records {
		if rec.UserID != grant.UserID {
			d.logger.Warn("memory belongs to another user", "memory_id", rec.ID)
			continue
		}
		g.Go(func() error {
			blob, err := d.store.GetBlob(gctx, rec.StoragePointer)
			if err != nil {
				d.logger.Warn("loading memory blob failed", "memory_id", rec.ID, "error", err)
				return nil
			}
			plain, err := grant.Open(blob)
			if err != nil {
				d.logger.Warn("opening memory failed", "memory_id", rec.ID, "error", err)
				return nil
			}
			mu.Lock()
			out[rec.ID] = plain
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	d.logger.Debug("decrypted batch", "requested", len(ids), "opened", len(out))
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
