package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// --- Rewards ---

// InsertReward appends a ledger entry. A second first-chat-of-day entry for
// the same user and day is rejected with ErrDuplicate.
func (s *Store) InsertReward(ctx context.Context, r Reward) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards (id, user_id, kind, amount, day, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Kind, r.Amount, r.Day, formatTime(createdAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting reward: %w", err)
	}
	return nil
}

func (s *Store) RewardBalance(ctx context.Context, userID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM rewards WHERE user_id = ?`, userID).Scan(&total)
	return total, err
}

func (s *Store) ListRewards(ctx context.Context, userID string, limit int) ([]Reward, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, day, created_at FROM rewards
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing rewards: %w", err)
	}
	defer rows.Close()

	var out []Reward
	for rows.Next() {
		var r Reward
		var createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Kind, &r.Amount, &r.Day, &createdAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
