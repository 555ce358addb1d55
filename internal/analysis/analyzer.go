package analysis

import (
	"context"
	"log/slog"

	"github.com/kalambet/vaultchat/internal/reward"
)

// BonusIssuer credits resonance bonuses.
type BonusIssuer interface {
	RewardResonanceBonus(ctx context.Context, score int) (int, error)
}

// Analyzer schedules the post-turn analyses.
type Analyzer struct {
	scorer     *Scorer
	reinforcer *Reinforcer
	bonus      BonusIssuer
	runner     *Runner
}

// NewAnalyzer wires the analyses. scorer or reinforcer may be nil to
// disable that analysis.
func NewAnalyzer(scorer *Scorer, reinforcer *Reinforcer, bonus BonusIssuer, runner *Runner) *Analyzer {
	return &Analyzer{scorer: scorer, reinforcer: reinforcer, bonus: bonus, runner: runner}
}

// AfterTurn schedules resonance scoring and persona reinforcement for
// message and returns immediately.
func (a *Analyzer) AfterTurn(message string) {
	if a.scorer != nil {
		a.runner.Go("resonance", func(ctx context.Context) error {
			score, err := a.scorer.Score(ctx, message)
			if err != nil {
				return err
			}
			slog.Debug("resonance scored", "score", score)
			if score < reward.BonusThreshold || a.bonus == nil {
				return nil
			}
			_, err = a.bonus.RewardResonanceBonus(ctx, score)
			return err
		})
	}
	if a.reinforcer != nil {
		a.runner.Go("persona", func(ctx context.Context) error {
			_, err := a.reinforcer.Reinforce(ctx, message)
			return err
		})
	}
}
