package router

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/model"
)

func newTestRouter(now time.Time) *Router {
	r := New(nil)
	r.nowFn = func() time.Time { return now }
	return r
}

func TestRoute_NoEligibleAgent(t *testing.T) {
	r := newTestRouter(time.Now())
	r.Register("a", []string{"code_generation"}, 5)

	_, _, err := r.Route(&model.Task{Type: "image_processing", Description: "resize"})
	if !errors.Is(err, model.ErrNoEligibleAgent) {
		t.Fatalf("expected ErrNoEligibleAgent, got %v", err)
	}
}

func TestRoute_TieBreakOnLoadThenLexicographicID(t *testing.T) {
	base := time.Now()
	r := newTestRouter(base)
	r.Register("b", []string{"shell_commands"}, 5)
	r.Register("a", []string{"shell_commands"}, 5)

	first, _, err := r.Route(&model.Task{Type: "shell_commands", Description: "task one"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if first != "a" {
		t.Fatalf("expected lexicographically smaller agent_id 'a', got %q", first)
	}
	r.CommitAssignment(first, &model.Task{Type: "shell_commands"})

	second, _, err := r.Route(&model.Task{Type: "shell_commands", Description: "task two"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if second != "b" {
		t.Fatalf("expected the other agent 'b' once 'a' carries load, got %q", second)
	}
}

func TestReportCompletion_UnknownAgentIsNoOp(t *testing.T) {
	r := newTestRouter(time.Now())
	r.ReportCompletion("ghost", &model.Task{Type: "general"}, true, time.Second)
	if len(r.Agents()) != 0 {
		t.Fatalf("expected no agents to be created as a side effect")
	}
}

func TestReportCompletion_CounterConsistencyAndRollingAverage(t *testing.T) {
	r := newTestRouter(time.Now())
	r.Register("a", []string{"shell_commands"}, 5)
	r.CommitAssignment("a", &model.Task{Type: "shell_commands"})

	r.ReportCompletion("a", &model.Task{Type: "shell_commands"}, true, 10*time.Second)
	a := r.Agent("a")
	if a.TotalTasks != 1 || a.SuccessfulTasks != 1 || a.FailedTasks != 0 {
		t.Fatalf("unexpected counters: %+v", a)
	}
	if a.AvgDuration != 10 {
		t.Fatalf("expected avg_duration=10 on first sample, got %v", a.AvgDuration)
	}
	if a.CurrentLoad != 0 {
		t.Fatalf("expected current_load to return to 0, got %d", a.CurrentLoad)
	}
	if a.Status != model.AgentIdle {
		t.Fatalf("expected status idle after load drains to 0, got %v", a.Status)
	}

	r.CommitAssignment("a", &model.Task{Type: "shell_commands"})
	r.ReportCompletion("a", &model.Task{Type: "shell_commands"}, true, 20*time.Second)
	a = r.Agent("a")
	want := 0.8*10 + 0.2*20
	if a.AvgDuration != want {
		t.Fatalf("expected rolling average %v, got %v", want, a.AvgDuration)
	}
	if a.SuccessfulTasks+a.FailedTasks > a.TotalTasks {
		t.Fatalf("counter consistency violated: %+v", a)
	}
}

func TestScoring_AvgDurationZeroWithHighPriorityContributesNothing(t *testing.T) {
	r := newTestRouter(time.Now())
	r.Register("a", []string{"shell_commands"}, 5)
	a := r.Agent("a")

	score := r.score(a, &model.Task{Type: "shell_commands", Priority: model.PriorityHigh}, "shell_commands", r.now())
	// Base 100 + capability-declared bonus 20, nothing from the speed factor.
	if score != 120 {
		t.Fatalf("expected score 120 (no division error from avg_duration=0), got %v", score)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	r := newTestRouter(time.Now())
	r.Register("a", []string{"shell_commands"}, 5)
	r.CommitAssignment("a", &model.Task{})
	r.ReportCompletion("a", &model.Task{Type: "general"}, true, time.Second)

	r.Register("a", []string{"shell_commands", "general"}, 5)

	if len(r.Agents()) != 1 {
		t.Fatalf("expected exactly one inventory entry, got %d", len(r.Agents()))
	}
	a := r.Agent("a")
	if a.TotalTasks != 1 {
		t.Fatalf("expected counters preserved across re-registration, got %+v", a)
	}
	if a.Status != model.AgentIdle {
		t.Fatalf("expected status reset to idle on re-registration, got %v", a.Status)
	}
}

func TestRebalance_EmptyWithZeroAgents(t *testing.T) {
	r := newTestRouter(time.Now())
	if actions := r.Rebalance(); len(actions) != 0 {
		t.Fatalf("expected no actions with zero agents, got %v", actions)
	}
}

func TestRebalance_FlagsOverloadedAgent(t *testing.T) {
	r := newTestRouter(time.Now())
	r.Register("a", []string{"general"}, 10)
	r.Register("b", []string{"general"}, 10)
	for i := 0; i < 6; i++ {
		r.CommitAssignment("a", &model.Task{})
	}
	r.CommitAssignment("b", &model.Task{})

	actions := r.Rebalance()
	if len(actions) != 1 || actions[0].AgentID != "a" {
		t.Fatalf("expected agent a flagged for rebalance, got %+v", actions)
	}
}
