// Package reward keeps the token reward ledger.
package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vaultchat/internal/storage"
)

const (
	KindInference  = "inference"
	KindResonance  = "resonance_bonus"
	KindFirstChat  = "first_chat_of_day"
	BonusThreshold = 70
)

// Store is the persistence the ledger needs.
type Store interface {
	InsertReward(ctx context.Context, r storage.Reward) error
	RewardBalance(ctx context.Context, userID string) (int, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Amounts configures the fixed rewards.
type Amounts struct {
	Inference int
	FirstChat int
}

// Ledger issues rewards for the current user. Inapplicable rewards are
// no-ops returning 0.
type Ledger struct {
	store   Store
	user    func() string
	amounts Amounts
	clock   Clock
}

// NewLedger creates a ledger crediting whoever user returns at call time.
func NewLedger(store Store, user func() string, amounts Amounts) *Ledger {
	return &Ledger{store: store, user: user, amounts: amounts, clock: realClock{}}
}

// NewLedgerWithClock is like NewLedger but uses the given clock.
func NewLedgerWithClock(store Store, user func() string, amounts Amounts, clock Clock) *Ledger {
	l := NewLedger(store, user, amounts)
	l.clock = clock
	return l
}

// RewardInference credits the fixed per-turn amount. The amount does not
// depend on the answer.
func (l *Ledger) RewardInference(ctx context.Context) (int, error) {
	return l.issue(ctx, KindInference, l.amounts.Inference)
}

// RewardResonanceBonus credits a tiered bonus for scores of 70 and above.
func (l *Ledger) RewardResonanceBonus(ctx context.Context, score int) (int, error) {
	return l.issue(ctx, KindResonance, BonusFor(score))
}

// RewardFirstChatOfDay credits the daily bonus once per UTC day.
func (l *Ledger) RewardFirstChatOfDay(ctx context.Context) (int, error) {
	n, err := l.issue(ctx, KindFirstChat, l.amounts.FirstChat)
	if errors.Is(err, storage.ErrDuplicate) {
		return 0, nil
	}
	return n, err
}

// Balance sums the current user's ledger.
func (l *Ledger) Balance(ctx context.Context) (int, error) {
	userID := l.user()
	if userID == "" {
		return 0, nil
	}
	return l.store.RewardBalance(ctx, userID)
}

// BonusFor maps a resonance score to its bonus.
func BonusFor(score int) int {
	switch {
	case score >= 90:
		return 30
	case score >= 80:
		return 20
	case score >= BonusThreshold:
		return 10
	default:
		return 0
	}
}

func (l *Ledger) issue(ctx context.Context, kind string, amount int) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	userID := l.user()
	if userID == "" {
		return 0, nil
	}

	now := l.clock.Now().UTC()
	err := l.store.InsertReward(ctx, storage.Reward{
		ID:        uuid.New().String(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		Day:       now.Format(time.DateOnly),
		CreatedAt: now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return 0, err
		}
		return 0, fmt.Errorf("issuing %s reward: %w", kind, err)
	}
	slog.Debug("reward issued", "kind", kind, "amount", amount)
	return amount, nil
}
