package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-claw/internal/model"
)

func TestRecordRoutingWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordRouting("t1", "agent-a", []model.CandidateScore{{AgentID: "agent-a", Score: 91.5}, {AgentID: "agent-b", Score: 60}})
	RecordRouting("t2", "", nil)

	path := filepath.Join(home, "logs", "routing.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["task_id"] != "t1" {
		t.Fatalf("expected task_id=t1, got %#v", first["task_id"])
	}
	if first["selected_agent"] != "agent-a" {
		t.Fatalf("expected selected_agent=agent-a, got %#v", first["selected_agent"])
	}
	scores, ok := first["candidate_scores"].([]any)
	if !ok || len(scores) != 2 {
		t.Fatalf("expected 2 candidate_scores, got %#v", first["candidate_scores"])
	}
}

func TestRecordRoutingIsAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	RecordRouting("t1", "agent-a", nil)
	path := filepath.Join(home, "logs", "routing.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	RecordRouting("t2", "agent-b", nil)
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", info1.Size(), info2.Size())
	}
}

func TestRecordedCount_IncrementsPerCall(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := RecordedCount()
	RecordRouting("t1", "agent-a", nil)
	RecordRouting("t2", "agent-b", nil)
	if got := RecordedCount() - before; got != 2 {
		t.Fatalf("expected count to increase by 2, got %d", got)
	}
}

func TestInit_IsIdempotent(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("first init: %v", err)
	}
	t.Cleanup(func() { _ = Close() })
	if err := Init(home); err != nil {
		t.Fatalf("second init should be a no-op, got error: %v", err)
	}
}
