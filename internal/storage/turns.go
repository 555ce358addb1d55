package storage

import (
	"context"
	"fmt"
	"time"
)

// --- Conversation turns ---

func (s *Store) SaveTurn(ctx context.Context, t ConversationTurn) error {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, session_id, text, is_user, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Text, t.IsUser, t.IsError, formatTime(ts),
	)
	return err
}

// RecentTurns returns the last n turns of a session in chronological order.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, n int) ([]ConversationTurn, error) {
	return s.recentTurns(ctx, `
		SELECT id, session_id, text, is_user, is_error, created_at FROM conversation_turns
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, n)
}

// RecentUserTurns returns the last n user-authored turns in chronological order.
func (s *Store) RecentUserTurns(ctx context.Context, sessionID string, n int) ([]ConversationTurn, error) {
	return s.recentTurns(ctx, `
		SELECT id, session_id, text, is_user, is_error, created_at FROM conversation_turns
		WHERE session_id = ? AND is_user = 1 ORDER BY created_at DESC LIMIT ?`, sessionID, n)
}

func (s *Store) recentTurns(ctx context.Context, query, sessionID string, n int) ([]ConversationTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []ConversationTurn
	for rows.Next() {
		var t ConversationTurn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Text, &t.IsUser, &t.IsError, &createdAt); err != nil {
			return nil, err
		}
		if t.Timestamp, err = parseTime("created_at", createdAt); err != nil {
			return nil, fmt.Errorf("turn %s: %w", t.ID, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
