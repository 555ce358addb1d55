// Package chat turns a user message into an answer, augmenting generation
// with the user's encrypted memories when they are relevant and unlocked.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/vaultchat/internal/composer"
	"github.com/kalambet/vaultchat/internal/generation"
	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/retrieval"
	"github.com/kalambet/vaultchat/internal/session"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

// NoMemoryMarker at the start of a message skips memory retrieval.
const NoMemoryMarker = "[[no-memory]]"

// PaymentRequiredAnswer is returned when generation is gated by a payment.
const PaymentRequiredAnswer = "Payment verification required. Complete the pending payment and send your message again."

const errorAnswerPrefix = "Sorry, I couldn't answer that: "

var (
	// ErrEmptyAnswer means the backend finished streaming without any text.
	ErrEmptyAnswer = errors.New("generation returned an empty answer")
	// ErrGenerationTimeout means the answer did not complete in time.
	ErrGenerationTimeout = errors.New("generation timed out")
)

// Response is the outcome of one turn. Failures are encoded in it rather
// than returned as errors.
type Response struct {
	Answer             string   `json:"answer"`
	RetrievedMemories  []string `json:"retrieved_memories"`
	RewardedAmount     int      `json:"rewarded_amount"`
	NeedsDecryption    bool     `json:"needs_decryption"`
	EncryptedMemoryIDs []string `json:"encrypted_memory_ids"`
	IsError            bool     `json:"is_error"`
	PaymentRequired    bool     `json:"payment_required"`
}

// SessionManager keeps the backend session alive.
type SessionManager interface {
	EnsureSession(ctx context.Context) error
	Clear()
}

// Rewarder issues per-turn rewards.
type Rewarder interface {
	RewardInference(ctx context.Context) (int, error)
	RewardFirstChatOfDay(ctx context.Context) (int, error)
}

// MemoryCounter reports how many memories a user has stored.
type MemoryCounter interface {
	CountMemories(ctx context.Context, userID string) (int, error)
}

// HistoryReader returns recent turns of a session in chronological order.
type HistoryReader interface {
	RecentTurns(ctx context.Context, sessionID string, n int) ([]storage.ConversationTurn, error)
	RecentUserTurns(ctx context.Context, sessionID string, n int) ([]storage.ConversationTurn, error)
}

// Searcher finds memories relevant to a query.
type Searcher interface {
	Search(ctx context.Context, userID, query string, topK int, threshold float32) retrieval.SearchResult
}

// MemoryCache holds plaintexts unlocked earlier in this process.
type MemoryCache interface {
	Get(id string) (string, bool)
	Put(id, plaintext string)
}

// Decryptor unlocks a batch of memories behind one authorization.
type Decryptor interface {
	DecryptBatch(ctx context.Context, ids []string, ac vault.AuthContext) map[string]string
}

// Generator produces the answer.
type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Outcome, error)
}

// ChallengePublisher receives payment challenges intercepted mid-turn.
type ChallengePublisher interface {
	Publish(c payment.Challenge) (replaced bool)
}

// TurnAnalyzer runs background analyses of a successful turn. AfterTurn
// must not block.
type TurnAnalyzer interface {
	AfterTurn(message string)
}

// Deps are the collaborators of an Orchestrator. Analyzer may be nil.
type Deps struct {
	Session  SessionManager
	Rewards  Rewarder
	Memories MemoryCounter
	History  HistoryReader
	Search   Searcher
	Cache    MemoryCache
	Decrypt  Decryptor
	Generate Generator
	Payments ChallengePublisher
	Analyzer TurnAnalyzer
	// User returns the ID of the user whose memories are searched.
	User func() string
}

// Options tune retrieval and generation. Zero values select defaults.
type Options struct {
	TopK              int
	Threshold         float32
	HistoryWindow     int
	Persona           bool
	GenerationTimeout time.Duration
}

const (
	defaultTopK              = 5
	defaultThreshold         = 0.5
	defaultGenerationTimeout = 60 * time.Second
)

// Orchestrator handles chat turns. It is safe for concurrent use; two
// concurrent turns needing the same locked memory may both decrypt it.
type Orchestrator struct {
	deps     Deps
	opts     Options
	composer *composer.Composer
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultThreshold
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if deps.User == nil {
		deps.User = func() string { return "" }
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		composer: composer.New(opts.HistoryWindow),
		logger:   slog.Default(),
	}
}

// HandleTurn answers message within sessionID. It never fails: errors are
// reported through Response.IsError.
//
// A payment challenge from the backend is published and ends the turn. Any
// other failure caused by an expired session clears the session and runs
// the turn once more.
func (o *Orchestrator) HandleTurn(ctx context.Context, message, sessionID string) Response {
	var fc firstChat
	res, err := o.runTurn(ctx, message, sessionID, &fc)
	if err == nil {
		return o.settle(res)
	}
	if !session.IsUnauthorized(err) {
		o.logger.Warn("chat turn failed", "session", sessionID, "error", err)
		return errorResponse(err)
	}

	o.logger.Info("session expired, retrying turn", "session", sessionID)
	o.deps.Session.Clear()
	res, err = o.runTurn(ctx, message, sessionID, &fc)
	if err != nil {
		o.logger.Warn("chat turn failed after session retry", "session", sessionID, "error", err)
		return errorResponse(err)
	}
	return o.settle(res)
}

// settle turns a completed attempt into the caller's response. Payment is
// checked before anything else so it can never be mistaken for a failure.
func (o *Orchestrator) settle(res turnResult) Response {
	if res.challenge != nil {
		if replaced := o.deps.Payments.Publish(*res.challenge); replaced {
			o.logger.Info("payment challenge replaced an unconsumed one", "challenge", res.challenge.ID)
		}
		return Response{
			Answer:             PaymentRequiredAnswer,
			RetrievedMemories:  []string{},
			EncryptedMemoryIDs: []string{},
			PaymentRequired:    true,
		}
	}
	return res.resp
}

func errorResponse(err error) Response {
	return Response{
		Answer:             errorAnswerPrefix + err.Error(),
		RetrievedMemories:  []string{},
		EncryptedMemoryIDs: []string{},
		IsError:            true,
	}
}
