package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/vaultchat/internal/generation"
	"github.com/kalambet/vaultchat/internal/payment"
	"github.com/kalambet/vaultchat/internal/retrieval"
	"github.com/kalambet/vaultchat/internal/storage"
	"github.com/kalambet/vaultchat/internal/vault"
)

// recentUserTurns is how many user turns are read for query expansion.
const recentUserTurns = 2

// turnResult is one attempt: either a response or an intercepted challenge.
type turnResult struct {
	resp      Response
	challenge *payment.Challenge
}

// firstChat carries the day's first-chat bonus across a retried turn so it
// is credited once and reported once.
type firstChat struct {
	done   bool
	amount int
}

// memories is the retrieval outcome of a turn.
type memories struct {
	plaintexts []string // ranked
	locked     []string // hits that stayed encrypted
}

func (o *Orchestrator) runTurn(ctx context.Context, message, sessionID string, fc *firstChat) (turnResult, error) {
	if err := o.deps.Session.EnsureSession(ctx); err != nil {
		return turnResult{}, fmt.Errorf("establishing session: %w", err)
	}

	if !fc.done {
		fc.amount = o.firstChatReward(ctx)
		fc.done = true
	}

	text, skipMemories := stripNoMemoryMarker(message)
	if text == "" {
		return turnResult{}, errors.New("message is empty")
	}

	var mem memories
	if !skipMemories {
		mem = o.resolveMemories(ctx, sessionID, text)
	}

	req := generation.Request{
		Query:   text,
		History: o.history(ctx, sessionID, text),
		Persona: o.opts.Persona,
	}
	if len(mem.plaintexts) > 0 {
		req.ExtraContext = o.composer.ContextBlock(mem.plaintexts)
	}

	answer, challenge, err := o.generate(ctx, req)
	if err != nil {
		return turnResult{}, err
	}
	if challenge != nil {
		return turnResult{challenge: challenge}, nil
	}

	reward, err := o.deps.Rewards.RewardInference(ctx)
	if err != nil {
		o.logger.Warn("inference reward failed", "error", err)
		reward = 0
	}
	if o.deps.Analyzer != nil {
		o.deps.Analyzer.AfterTurn(text)
	}

	locked := mem.locked
	if locked == nil {
		locked = []string{}
	}
	return turnResult{resp: Response{
		Answer:             answer,
		RetrievedMemories:  o.composer.Snippets(mem.plaintexts),
		RewardedAmount:     reward + fc.amount,
		NeedsDecryption:    len(mem.locked) > 0,
		EncryptedMemoryIDs: locked,
	}}, nil
}

// firstChatReward never fails the turn.
func (o *Orchestrator) firstChatReward(ctx context.Context) int {
	amount, err := o.deps.Rewards.RewardFirstChatOfDay(ctx)
	if err != nil {
		o.logger.Warn("first chat reward failed", "error", err)
		return 0
	}
	return amount
}

func stripNoMemoryMarker(message string) (string, bool) {
	text := strings.TrimSpace(message)
	if rest, ok := strings.CutPrefix(text, NoMemoryMarker); ok {
		return strings.TrimSpace(rest), true
	}
	return text, false
}

func (o *Orchestrator) history(ctx context.Context, sessionID, text string) []storage.ConversationTurn {
	if o.deps.History == nil || sessionID == "" {
		return nil
	}
	// One extra turn in case the current message is already stored.
	turns, err := o.deps.History.RecentTurns(ctx, sessionID, o.composer.HistoryWindow+1)
	if err != nil {
		o.logger.Warn("loading history failed", "session", sessionID, "error", err)
		return nil
	}
	return o.composer.History(turns, text)
}

func (o *Orchestrator) searchQuery(ctx context.Context, sessionID, text string) string {
	if o.deps.History == nil || sessionID == "" {
		return text
	}
	turns, err := o.deps.History.RecentUserTurns(ctx, sessionID, recentUserTurns)
	if err != nil {
		o.logger.Debug("loading user turns failed", "session", sessionID, "error", err)
		return text
	}
	return o.composer.SearchQuery(turns, text)
}

// resolveMemories finds relevant memories and returns their plaintexts in
// ranked order, decrypting whatever the cache lacks in one batch. Every
// failure here degrades to fewer (or no) memories.
func (o *Orchestrator) resolveMemories(ctx context.Context, sessionID, text string) memories {
	userID := o.deps.User()

	n, err := o.deps.Memories.CountMemories(ctx, userID)
	if err != nil {
		o.logger.Warn("counting memories failed", "error", err)
		return memories{}
	}
	if n == 0 {
		return memories{}
	}

	res := o.deps.Search.Search(ctx, userID, o.searchQuery(ctx, sessionID, text), o.opts.TopK, o.opts.Threshold)
	switch res.Kind {
	case retrieval.Empty:
		o.logger.Debug("no relevant memories", "reason", res.Reason)
		return memories{}
	case retrieval.Error:
		o.logger.Warn("memory search failed", "reason", res.Reason)
		return memories{}
	}

	ids := res.IDs()
	found := make(map[string]string, len(ids))
	var missing []string
	for _, id := range ids {
		if p, ok := o.deps.Cache.Get(id); ok {
			found[id] = p
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		unlocked := o.deps.Decrypt.DecryptBatch(ctx, missing, vault.AuthContext{
			UserID: userID,
			Reason: "use your memories to answer this message",
			Count:  len(missing),
		})
		for id, p := range unlocked {
			o.deps.Cache.Put(id, p)
			found[id] = p
		}
		if len(unlocked) < len(missing) {
			o.logger.Info("some memories stayed locked", "requested", len(missing), "unlocked", len(unlocked))
		}
	}

	var mem memories
	for _, id := range ids {
		if p, ok := found[id]; ok {
			mem.plaintexts = append(mem.plaintexts, p)
		} else {
			mem.locked = append(mem.locked, id)
		}
	}
	o.logger.Debug("memories resolved", "hits", len(ids), "cached", len(ids)-len(missing), "usable", len(mem.plaintexts))
	return mem
}

// generate runs generation under the turn timeout and accumulates the
// stream. A payment challenge is returned instead of an answer.
func (o *Orchestrator) generate(ctx context.Context, req generation.Request) (string, *payment.Challenge, error) {
	gctx, cancel := context.WithTimeout(ctx, o.opts.GenerationTimeout)
	defer cancel()

	out, err := o.deps.Generate.Generate(gctx, req)
	if err != nil {
		return "", nil, o.generationError(gctx, err)
	}

	switch v := out.(type) {
	case generation.PaymentRequired:
		return "", &v.Challenge, nil
	case generation.Tokens:
		defer v.Close()
		var sb strings.Builder
		for tok, err := range v.Stream {
			if err != nil {
				return "", nil, o.generationError(gctx, err)
			}
			sb.WriteString(tok)
		}
		if err := gctx.Err(); err != nil {
			return "", nil, o.generationError(gctx, err)
		}
		answer := strings.TrimSpace(sb.String())
		if answer == "" {
			return "", nil, ErrEmptyAnswer
		}
		return answer, nil, nil
	default:
		return "", nil, fmt.Errorf("unexpected generation outcome %T", out)
	}
}

func (o *Orchestrator) generationError(gctx context.Context, err error) error {
	if errors.Is(gctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrGenerationTimeout, o.opts.GenerationTimeout)
	}
	return fmt.Errorf("generating answer: %w", err)
}
