package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vaultchat/internal/ingest"
	"github.com/kalambet/vaultchat/internal/profile"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

const maxIngestBodySize = 10 << 20 // 10MB

// ContentExtractor turns an ingest input into text.
type ContentExtractor interface {
	Extract(ctx context.Context, in ingest.Input) (string, error)
}

// MemoryWriter seals and stores a memory.
type MemoryWriter interface {
	Write(ctx context.Context, text string, metadata map[string]string) (storage.MemoryRecord, error)
}

// RewardReader reports the reward ledger.
type RewardReader interface {
	Balance(ctx context.Context) (int, error)
}

// CacheEvicter drops a deleted memory's plaintext.
type CacheEvicter interface {
	Delete(id string)
}

type AppDeps struct {
	Store     *storage.Store
	Profile   *profile.Manager
	Extractor ContentExtractor
	Writer    MemoryWriter
	Rewards   RewardReader
	Cache     CacheEvicter
	// User returns the connected wallet, or "" when locked.
	User  func() string
	Token string
}

// IngestRequest adds a memory. Data carries base64 PDF bytes.
type IngestRequest struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text"`
	URL      string            `json:"url"`
	Data     string            `json:"data"`
	Metadata map[string]string `json:"metadata"`
}

type onboardingRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/memories", handleAddMemory(deps))
	r.Get("/memories", handleListMemories(deps))
	r.Delete("/memories/{id}", handleDeleteMemory(deps))
	r.Get("/persona", handleGetPersona(deps))
	r.Patch("/persona", handlePatchPersona(deps))
	r.Post("/persona/onboarding", handleOnboardingAnswer(deps))
	r.Get("/rewards/balance", handleRewardBalance(deps))
	r.Get("/rewards", handleListRewards(deps))

	return r
}

func handleAddMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}

		in := ingest.Input{Kind: req.Kind, Text: req.Text, URL: req.URL, Metadata: req.Metadata}
		if req.Kind == ingest.KindPDF {
			data, err := base64.StdEncoding.DecodeString(req.Data)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 data")
				return
			}
			in.Data = data
		}

		text, err := deps.Extractor.Extract(r.Context(), in)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "extracting content: %v", err)
			return
		}

		meta := req.Metadata
		if meta == nil {
			meta = make(map[string]string)
		}
		if in.Kind != "" {
			meta["kind"] = in.Kind
		}
		if in.URL != "" {
			meta["url"] = in.URL
		}

		rec, err := deps.Writer.Write(r.Context(), text, meta)
		if errors.Is(err, vault.ErrLocked) {
			httpError(w, http.StatusLocked, "locked_error", "connect a wallet before adding memories")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store memory: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"id":     rec.ID,
			"status": "queued",
		})
	}
}

// handleListMemories lists record metadata only; content stays sealed.
func handleListMemories(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := deps.User()
		if user == "" {
			httpError(w, http.StatusLocked, "locked_error", "no wallet connected")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		recs, err := deps.Store.ListMemories(r.Context(), user, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list memories: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.MemoryRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleDeleteMemory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := deps.Store.GetMemory(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "memory not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get memory: %v", err)
			return
		}
		if rec.UserID != deps.User() {
			httpError(w, http.StatusNotFound, "not_found", "memory not found")
			return
		}

		if err := deps.Store.DeleteMemory(r.Context(), id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete memory: %v", err)
			return
		}
		if deps.Cache != nil {
			deps.Cache.Delete(id)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleGetPersona(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get persona: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handlePatchPersona(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields map[string]interface{}
		if !decodeBody(w, r, maxRequestBodySize, &fields) {
			return
		}

		for key, value := range fields {
			if err := deps.Profile.SetField(key, value); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to set field %q: %v", key, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleOnboardingAnswer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req onboardingRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.Question == "" || req.Answer == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question and answer are required")
			return
		}
		if err := deps.Profile.SetOnboardingAnswer(req.Question, req.Answer); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save answer: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleRewardBalance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		balance, err := deps.Rewards.Balance(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read balance: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"wallet_address": deps.User(),
			"balance":        balance,
		})
	}
}

func handleListRewards(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		rewards, err := deps.Store.ListRewards(r.Context(), deps.User(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list rewards: %v", err)
			return
		}
		if rewards == nil {
			rewards = []storage.Reward{}
		}
		writeJSON(w, http.StatusOK, rewards)
	}
}
