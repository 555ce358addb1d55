package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/vaultchat/internal/chat"
	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/storage"
)

const defaultTurnsLimit = 50

// TurnHandler answers one chat message.
type TurnHandler interface {
	HandleTurn(ctx context.Context, message, sessionID string) chat.Response
}

// TurnStore persists the conversation history.
type TurnStore interface {
	SaveTurn(ctx context.Context, t storage.ConversationTurn) error
	RecentTurns(ctx context.Context, sessionID string, n int) ([]storage.ConversationTurn, error)
}

// ChallengeSource hands out the pending payment challenge.
type ChallengeSource interface {
	Consume() (payment.Challenge, bool)
	Pending() (payment.Challenge, bool)
}

// WalletKeys connects and revokes the memory key.
type WalletKeys interface {
	Connect(wallet, masterKeyHex string) error
	Disconnect()
	Wallet() string
}

type ChatDeps struct {
	Chat     TurnHandler
	Turns    TurnStore
	Payments ChallengeSource
	Wallet   WalletKeys
	Token    string
}

type turnRequest struct {
	Message string `json:"message"`
}

type connectRequest struct {
	WalletAddress string `json:"wallet_address"`
	MasterKey     string `json:"master_key"`
}

// NewChatHandler serves chat turns, payment challenges and wallet
// connection. Everything but /health requires the bearer token.
func NewChatHandler(deps ChatDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/chat/sessions/{id}/turns", handlePostTurn(deps))
		r.Get("/v1/chat/sessions/{id}/turns", handleListTurns(deps))
		r.Get("/v1/payments/challenge", handleConsumeChallenge(deps))
		r.Get("/v1/wallet", handleWalletStatus(deps))
		r.Post("/v1/wallet/connect", handleWalletConnect(deps))
		r.Post("/v1/wallet/disconnect", handleWalletDisconnect(deps))
	})

	return r
}

// handlePostTurn stores the user turn, runs the turn and stores the answer.
// History write failures are logged; the answer is still returned.
func handlePostTurn(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		var req turnRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}

		saveTurn(r.Context(), deps.Turns, storage.ConversationTurn{
			SessionID: sessionID,
			Text:      req.Message,
			IsUser:    true,
		})

		resp := deps.Chat.HandleTurn(r.Context(), req.Message, sessionID)

		saveTurn(r.Context(), deps.Turns, storage.ConversationTurn{
			SessionID: sessionID,
			Text:      resp.Answer,
			IsError:   resp.IsError || resp.PaymentRequired,
		})

		writeJSON(w, http.StatusOK, resp)
	}
}

func saveTurn(ctx context.Context, store TurnStore, t storage.ConversationTurn) {
	t.ID = uuid.New().String()
	t.Timestamp = time.Now().UTC()
	if err := store.SaveTurn(ctx, t); err != nil {
		slog.Warn("failed to store conversation turn", "session", t.SessionID, "user", t.IsUser, "error", err)
	}
}

func handleListTurns(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", defaultTurnsLimit, 500)
		turns, err := deps.Turns.RecentTurns(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list turns: %v", err)
			return
		}
		if turns == nil {
			turns = []storage.ConversationTurn{}
		}
		writeJSON(w, http.StatusOK, turns)
	}
}

// handleConsumeChallenge returns the pending challenge once, or 204.
// ?peek=true leaves it in place.
func handleConsumeChallenge(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		take := deps.Payments.Consume
		if r.URL.Query().Get("peek") == "true" {
			take = deps.Payments.Pending
		}
		c, ok := take()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleWalletStatus(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wallet := deps.Wallet.Wallet()
		writeJSON(w, http.StatusOK, map[string]any{
			"connected":      wallet != "",
			"wallet_address": wallet,
		})
	}
}

func handleWalletConnect(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if req.WalletAddress == "" || req.MasterKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "wallet_address and master_key are required")
			return
		}
		if err := deps.Wallet.Connect(req.WalletAddress, req.MasterKey); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to connect wallet: %v", err)
			return
		}
		slog.Info("wallet connected", "wallet", req.WalletAddress)
		writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
	}
}

// handleWalletDisconnect revokes the key, which also wipes every cached
// plaintext.
func handleWalletDisconnect(deps ChatDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Wallet.Disconnect()
		slog.Info("wallet disconnected")
		writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
	}
}
