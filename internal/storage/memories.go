package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// --- Memories ---

// SaveMemory stores the record and its sealed blob in one transaction.
func (s *Store) SaveMemory(ctx context.Context, rec MemoryRecord, ciphertext string) error {
	meta := "{}"
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("marshalling metadata: %w", err)
		}
		meta = string(b)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning memory transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_blobs (pointer, ciphertext, created_at) VALUES (?, ?, ?)`,
		rec.StoragePointer, ciphertext, formatTime(createdAt),
	); err != nil {
		return fmt.Errorf("inserting blob %s: %w", rec.StoragePointer, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, storage_pointer, created_at, metadata) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.StoragePointer, formatTime(createdAt), meta,
	); err != nil {
		return fmt.Errorf("inserting memory %s: %w", rec.ID, err)
	}

	return tx.Commit()
}

func (s *Store) GetMemory(ctx context.Context, id string) (MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, storage_pointer, created_at, metadata FROM memories WHERE id = ?`, id)
	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return MemoryRecord{}, ErrNotFound
	}
	return rec, err
}

// GetMemoriesByIDs returns the records that exist among ids. Order is not
// guaranteed; callers index the result by ID.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) ([]MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, storage_pointer, created_at, metadata
		FROM memories WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListMemories returns the newest memories of a user.
func (s *Store) ListMemories(ctx context.Context, userID string, limit int) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, storage_pointer, created_at, metadata
		FROM memories WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) CountMemories(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// GetBlob returns the sealed content stored behind a storage pointer.
func (s *Store) GetBlob(ctx context.Context, pointer string) (string, error) {
	var ciphertext string
	err := s.db.QueryRowContext(ctx, `SELECT ciphertext FROM memory_blobs WHERE pointer = ?`, pointer).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ciphertext, err
}

// DeleteMemory removes the record, its blob and its vector.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var pointer string
	err = tx.QueryRowContext(ctx, `SELECT storage_pointer FROM memories WHERE id = ?`, id).Scan(&pointer)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	for _, q := range []struct {
		sql string
		arg string
	}{
		{`DELETE FROM memories WHERE id = ?`, id},
		{`DELETE FROM memory_blobs WHERE pointer = ?`, pointer},
		{`DELETE FROM memory_vectors WHERE memory_id = ?`, id},
	} {
		if _, err := tx.ExecContext(ctx, q.sql, q.arg); err != nil {
			return fmt.Errorf("deleting memory %s: %w", id, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(r rowScanner) (MemoryRecord, error) {
	var rec MemoryRecord
	var createdAt, meta string
	if err := r.Scan(&rec.ID, &rec.UserID, &rec.StoragePointer, &createdAt, &meta); err != nil {
		return MemoryRecord{}, err
	}
	t, err := parseTime("created_at", createdAt)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("memory %s: %w", rec.ID, err)
	}
	rec.CreatedAt = t
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return MemoryRecord{}, fmt.Errorf("memory %s: parsing metadata: %w", rec.ID, err)
		}
	}
	return rec, nil
}
