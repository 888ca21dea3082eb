package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/persistence"
)

func TestRecordCompletedTask_RoundTrips(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := model.CompletedTaskRecord{
		TaskID:      "task_1",
		AgentID:     "agent-a",
		Type:        "shell_commands",
		Description: "echo hi",
		Status:      model.TaskCompleted,
		EnqueuedAt:  time.Now().Add(-time.Minute).UTC(),
		CompletedAt: time.Now().UTC(),
		Duration:    1.5,
		Result:      map[string]any{"code": float64(0), "stdout": "hi\n"},
	}
	if err := store.RecordCompletedTask(ctx, rec); err != nil {
		t.Fatalf("record completed task: %v", err)
	}

	got, err := store.GetCompletedTask(ctx, "task_1")
	if err != nil {
		t.Fatalf("get completed task: %v", err)
	}
	if got.AgentID != "agent-a" || got.Status != model.TaskCompleted {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Result["stdout"] != "hi\n" {
		t.Fatalf("expected result.stdout round-trip, got %#v", got.Result)
	}
}

func TestRecordCompletedTask_OverwritesOnConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := model.CompletedTaskRecord{TaskID: "task_1", AgentID: "agent-a", Status: model.TaskFailed, Error: "boom"}
	if err := store.RecordCompletedTask(ctx, rec); err != nil {
		t.Fatalf("first record: %v", err)
	}
	rec.Status = model.TaskCompleted
	rec.Error = ""
	if err := store.RecordCompletedTask(ctx, rec); err != nil {
		t.Fatalf("second record: %v", err)
	}

	got, err := store.GetCompletedTask(ctx, "task_1")
	if err != nil {
		t.Fatalf("get completed task: %v", err)
	}
	if got.Status != model.TaskCompleted || got.Error != "" {
		t.Fatalf("expected overwritten record, got %+v", got)
	}
}

func TestGetCompletedTask_MissingReturnsErrNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetCompletedTask(context.Background(), "nonexistent")
	if err != persistence.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListCompletedTasksByAgent_OrdersMostRecentFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"t1", "t2", "t3"} {
		rec := model.CompletedTaskRecord{
			TaskID: id, AgentID: "agent-a", Status: model.TaskCompleted,
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.RecordCompletedTask(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	out, err := store.ListCompletedTasksByAgent(ctx, "agent-a", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 3 || out[0].TaskID != "t3" || out[2].TaskID != "t1" {
		t.Fatalf("expected [t3,t2,t1], got %v", taskIDs(out))
	}
}

func TestListCompletedTasksByAgent_RespectsLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"t1", "t2", "t3"} {
		rec := model.CompletedTaskRecord{TaskID: id, AgentID: "agent-a", Status: model.TaskCompleted, CompletedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := store.RecordCompletedTask(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	out, err := store.ListCompletedTasksByAgent(ctx, "agent-a", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
}

func taskIDs(recs []model.CompletedTaskRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.TaskID
	}
	return out
}
