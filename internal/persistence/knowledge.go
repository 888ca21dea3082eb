package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// KnowledgeEntry is one promoted shared-context fact, surfaced to new agents
// on startup per the knowledge-promotion open question (§4.4).
type KnowledgeEntry struct {
	Key        string
	Value      any
	Category   string
	Confidence float64
	Source     string
	UpdatedAt  time.Time
}

// PromoteKnowledge upserts a shared-context value into the durable knowledge
// base, satisfying sharedcontext.PromotionSink. Promotion is best-effort:
// the synchronizer logs but does not fail a write if this returns an error.
func (s *Store) PromoteKnowledge(ctx context.Context, key string, value any, category string, confidence float64, source string) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal knowledge value: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_base (key, value, category, confidence, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, category = excluded.category,
			confidence = excluded.confidence, source = excluded.source, updated_at = excluded.updated_at;
	`, key, string(valueJSON), category, confidence, source, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("promote knowledge: %w", err)
	}
	return nil
}

// GetKnowledge looks up one promoted fact by key.
func (s *Store) GetKnowledge(ctx context.Context, key string) (KnowledgeEntry, error) {
	var entry KnowledgeEntry
	var valueJSON, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT key, value, category, confidence, source, updated_at FROM knowledge_base WHERE key = ?;
	`, key).Scan(&entry.Key, &valueJSON, &entry.Category, &entry.Confidence, &entry.Source, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return KnowledgeEntry{}, ErrNotFound
	case err != nil:
		return KnowledgeEntry{}, fmt.Errorf("get knowledge: %w", err)
	}

	if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
		return KnowledgeEntry{}, fmt.Errorf("unmarshal knowledge value: %w", err)
	}
	entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return entry, nil
}

// ListKnowledgeByCategory returns all promoted facts tagged with category,
// most recently updated first. An empty category returns everything.
func (s *Store) ListKnowledgeByCategory(ctx context.Context, category string) ([]KnowledgeEntry, error) {
	query := `SELECT key, value, category, confidence, source, updated_at FROM knowledge_base`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var entry KnowledgeEntry
		var valueJSON, updatedAt string
		if err := rows.Scan(&entry.Key, &valueJSON, &entry.Category, &entry.Confidence, &entry.Source, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &entry.Value); err != nil {
			return nil, fmt.Errorf("unmarshal knowledge value: %w", err)
		}
		entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}
