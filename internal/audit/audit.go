// Package audit appends an immutable record of every routing decision the
// coordinator makes, grounded on the teacher's audit package: a process-wide
// JSONL sink plus an optional database mirror, guarded by one mutex.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-claw/internal/model"
)

type routingEntry struct {
	Timestamp      string                 `json:"timestamp"`
	TaskID         string                 `json:"task_id"`
	SelectedAgent  string                 `json:"selected_agent"`
	CandidateScore []model.CandidateScore `json:"candidate_scores"`
}

var (
	mu            sync.Mutex
	file          *os.File
	db            *sql.DB
	recordedCount atomic.Int64
)

// Init opens homeDir/logs/routing.jsonl for append. Calling it twice is a
// no-op so packages can call it defensively during startup.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "routing.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for routing_decisions table writes; nil
// disables the database mirror without affecting the JSONL sink.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RecordedCount returns the number of routing decisions recorded since
// startup, exposed on the dashboard/metrics surface.
func RecordedCount() int64 {
	return recordedCount.Load()
}

// RecordRouting appends one routing attempt to the audit trail. Called for
// both successful routes and NoEligibleAgent failures (selectedAgent empty
// in the latter case), per the append-only RoutingDecision record.
func RecordRouting(taskID, selectedAgent string, candidates []model.CandidateScore) {
	recordedCount.Add(1)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := routingEntry{
			Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			TaskID:         taskID,
			SelectedAgent:  selectedAgent,
			CandidateScore: candidates,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		scoresJSON, err := json.Marshal(candidates)
		if err == nil {
			_, _ = db.ExecContext(context.Background(), `
				INSERT INTO routing_decisions (task_id, selected_agent, candidate_scores)
				VALUES (?, ?, ?);
			`, taskID, selectedAgent, string(scoresJSON))
		}
	}
}
