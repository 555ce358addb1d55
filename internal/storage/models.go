package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("duplicate")

// MemoryRecord is one encrypted-at-rest user memory. The plaintext lives in
// memory_blobs behind StoragePointer and is never stored unencrypted.
type MemoryRecord struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	StoragePointer string            `json:"storage_pointer"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ConversationTurn is one message of a chat session.
type ConversationTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	IsError   bool      `json:"is_error"`
	Timestamp time.Time `json:"timestamp"`
}

// Reward is a single ledger entry.
type Reward struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Amount    int       `json:"amount"`
	Day       string    `json:"day"` // UTC date, YYYY-MM-DD
	CreatedAt time.Time `json:"created_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
