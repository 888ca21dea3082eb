package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-claw/internal/model"
)

// RecordCompletedTask appends one finished task to task_history, satisfying
// lifecycle.CompletionSink. Re-recording the same task_id overwrites the row
// rather than erroring, since a coordinator restart replaying an in-flight
// completion should not crash the caller.
func (s *Store) RecordCompletedTask(ctx context.Context, rec model.CompletedTaskRecord) error {
	var resultJSON []byte
	if rec.Result != nil {
		var err error
		resultJSON, err = json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, agent_id, type, description, status, enqueued_at, completed_at, duration_secs, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			agent_id = excluded.agent_id, type = excluded.type, description = excluded.description,
			status = excluded.status, enqueued_at = excluded.enqueued_at, completed_at = excluded.completed_at,
			duration_secs = excluded.duration_secs, result = excluded.result, error = excluded.error;
	`, rec.TaskID, rec.AgentID, rec.Type, rec.Description, string(rec.Status),
		rec.EnqueuedAt.UTC().Format(time.RFC3339Nano), rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration, nullableString(resultJSON), rec.Error)
	if err != nil {
		return fmt.Errorf("record completed task: %w", err)
	}
	return nil
}

// GetCompletedTask looks up one archived task by id.
func (s *Store) GetCompletedTask(ctx context.Context, taskID string) (model.CompletedTaskRecord, error) {
	var rec model.CompletedTaskRecord
	var status, enqueuedAt, completedAt string
	var resultJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, agent_id, type, description, status, enqueued_at, completed_at, duration_secs, result, error
		FROM task_history WHERE task_id = ?;
	`, taskID).Scan(&rec.TaskID, &rec.AgentID, &rec.Type, &rec.Description, &status,
		&enqueuedAt, &completedAt, &rec.Duration, &resultJSON, &rec.Error)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.CompletedTaskRecord{}, ErrNotFound
	case err != nil:
		return model.CompletedTaskRecord{}, fmt.Errorf("get completed task: %w", err)
	}

	rec.Status = model.TaskStatus(status)
	rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
			return model.CompletedTaskRecord{}, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	return rec, nil
}

// ListCompletedTasksByAgent returns up to limit of an agent's most recently
// completed tasks, most recent first. limit<=0 returns all.
func (s *Store) ListCompletedTasksByAgent(ctx context.Context, agentID string, limit int) ([]model.CompletedTaskRecord, error) {
	query := `
		SELECT task_id, agent_id, type, description, status, enqueued_at, completed_at, duration_secs, result, error
		FROM task_history WHERE agent_id = ? ORDER BY completed_at DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}
	defer rows.Close()

	var out []model.CompletedTaskRecord
	for rows.Next() {
		var rec model.CompletedTaskRecord
		var status, enqueuedAt, completedAt string
		var resultJSON sql.NullString
		if err := rows.Scan(&rec.TaskID, &rec.AgentID, &rec.Type, &rec.Description, &status,
			&enqueuedAt, &completedAt, &rec.Duration, &resultJSON, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan completed task: %w", err)
		}
		rec.Status = model.TaskStatus(status)
		rec.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		if resultJSON.Valid && resultJSON.String != "" {
			if err := json.Unmarshal([]byte(resultJSON.String), &rec.Result); err != nil {
				return nil, fmt.Errorf("unmarshal task result: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
