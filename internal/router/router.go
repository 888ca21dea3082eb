// Package router implements the capability-aware task router: weighted
// multi-factor agent scoring, specialization learning, and rebalance hints.
//
// It is grounded on the scoring and completion-update algorithm of the
// original IntelligentTaskRouter, generalized to the typed Agent/Task model
// and made safe for concurrent use by a single RWMutex, following the
// single-owner-per-partition discipline used elsewhere in this codebase
// (see bus.Bus, agent.Inventory).
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/model"
)

const (
	weightSpecialization = 40.0
	weightLoadPenalty    = 15.0
	weightHistorical     = 20.0
	weightSpeed          = 10.0
	weightSimilarContext = 15.0
	weightIdleFairness   = 10.0

	similarContextWindow = 10 * time.Minute
	similarContextMinHit = 3 // shared-word threshold strictly exceeded
	idleFairnessAfter     = 300 * time.Second

	eligibleLoadCeiling = 3
)

// Router holds per-agent routing state: capabilities, counters,
// specializations, and recent completions used for the similar-context bonus.
//
// All agent state the router needs is owned here rather than borrowed from a
// separate inventory, so that register/route/report_completion can be
// expressed as the pure, directly-testable algorithm the specification
// describes; the session manager keeps its own Agent records (connectivity,
// session handle) in sync via Register/MarkConnected/MarkDisconnected.
type Router struct {
	mu     sync.RWMutex
	agents map[string]*model.Agent
	logger *slog.Logger

	// nowFn is overridable in tests so scoring/idle-fairness math is
	// deterministic instead of racing against the wall clock.
	nowFn func() time.Time
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		agents: make(map[string]*model.Agent),
		logger: logger,
		nowFn:  time.Now,
	}
}

func (r *Router) now() time.Time { return r.nowFn() }

// Register adds a new agent or, if agent_id is already known, preserves its
// counters while refreshing capabilities and connectivity. Idempotent.
func (r *Router) Register(agentID string, capabilities []string, maxConcurrentTasks int) *model.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[strings.TrimSpace(c)] = struct{}{}
	}
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 5
	}

	if existing, ok := r.agents[agentID]; ok {
		existing.Capabilities = capSet
		existing.MaxConcurrentTasks = maxConcurrentTasks
		existing.Status = model.AgentIdle
		existing.LastHeartbeat = r.now()
		return existing
	}

	agent := &model.Agent{
		AgentID:            agentID,
		Capabilities:       capSet,
		Status:             model.AgentIdle,
		MaxConcurrentTasks: maxConcurrentTasks,
		Specializations:    make(map[string]*model.Specialization),
		RegisteredAt:       r.now(),
		LastHeartbeat:      r.now(),
		LastTaskByType:     make(map[string][]model.CompletedSample),
	}
	r.agents[agentID] = agent
	return agent
}

// Agent returns a snapshot pointer to the named agent, or nil.
func (r *Router) Agent(agentID string) *model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// Agents returns all known agents, in no particular order.
func (r *Router) Agents() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// MarkConnected/MarkDisconnected flip connectivity without touching counters.
func (r *Router) MarkConnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		if a.Status == model.AgentDisconnected {
			a.Status = model.AgentIdle
		}
	}
}

func (r *Router) MarkDisconnected(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.Status = model.AgentDisconnected
	}
}

// MarkUnresponsive transitions an agent whose heartbeat is stale. It never
// removes the agent and never cancels its in-flight tasks (§5).
func (r *Router) MarkUnresponsive(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok && a.Status != model.AgentDisconnected {
		a.Status = model.AgentUnresponsive
	}
}

// Heartbeat records a heartbeat timestamp and status for an agent.
func (r *Router) Heartbeat(agentID string, status model.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastHeartbeat = r.now()
		if status != "" {
			a.Status = status
		}
	}
}

func isEligible(a *model.Agent, capability string) bool {
	if a.Status == model.AgentDisconnected {
		return false
	}
	if !(a.Status == model.AgentIdle || a.CurrentLoad < eligibleLoadCeiling) {
		return false
	}
	return a.HasCapability(capability)
}

// Route selects the best agent for task, or returns model.ErrNoEligibleAgent.
// It does not mutate any state on failure, and never increments load itself
// — the caller (the lifecycle engine) commits the assignment by calling
// CommitAssignment once it has written its own active-map entry, so that
// routing stays side-effect-free and retryable.
func (r *Router) Route(task *model.Task) (string, []model.CandidateScore, error) {
	capability := task.Type
	if capability == "" {
		capability = "general"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var scored []model.CandidateScore
	for _, a := range r.agents {
		if !isEligible(a, capability) {
			continue
		}
		scored = append(scored, model.CandidateScore{
			AgentID: a.AgentID,
			Score:   r.score(a, task, capability, now),
		})
	}

	if len(scored) == 0 {
		return "", nil, model.ErrNoEligibleAgent
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		ai, aj := r.agents[scored[i].AgentID], r.agents[scored[j].AgentID]
		if ai.CurrentLoad != aj.CurrentLoad {
			return ai.CurrentLoad < aj.CurrentLoad
		}
		if !ai.LastTaskTime.Equal(aj.LastTaskTime) {
			return ai.LastTaskTime.Before(aj.LastTaskTime)
		}
		return ai.AgentID < aj.AgentID
	})

	return scored[0].AgentID, scored, nil
}

func (r *Router) score(a *model.Agent, task *model.Task, capability string, now time.Time) float64 {
	score := 100.0

	if spec, ok := a.Specializations[capability]; ok && spec.Total > 0 {
		score += spec.SuccessRate * weightSpecialization
	} else if _, declared := a.Capabilities[capability]; declared {
		score += 20.0
	}

	score -= float64(a.CurrentLoad) * weightLoadPenalty

	if a.TotalTasks > 0 {
		score += (float64(a.SuccessfulTasks) / float64(a.TotalTasks)) * weightHistorical
	}

	if task.Priority == model.PriorityHigh && a.AvgDuration > 0 {
		score += weightSpeed / (a.AvgDuration + 1)
	}

	if hasSimilarRecentTask(a, task.Description, now) {
		score += weightSimilarContext
	}

	if !a.LastTaskTime.IsZero() && now.Sub(a.LastTaskTime) > idleFairnessAfter {
		score += weightIdleFairness
	}

	if score < 0 {
		score = 0
	}
	return score
}

func hasSimilarRecentTask(a *model.Agent, description string, now time.Time) bool {
	words := tokenize(description)
	if len(words) == 0 {
		return false
	}
	for _, samples := range a.LastTaskByType {
		for _, sample := range samples {
			if now.Sub(sample.CompletedAt) > similarContextWindow {
				continue
			}
			if sharedWordCount(words, tokenize(sample.Description)) > similarContextMinHit {
				return true
			}
		}
	}
	return false
}

func tokenize(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func sharedWordCount(a, b map[string]struct{}) int {
	count := 0
	for w := range a {
		if _, ok := b[w]; ok {
			count++
		}
	}
	return count
}

// CommitAssignment increments current_load for the winning agent, flips its
// status to busy, and records the task description for future similar-context
// scoring. Called by the lifecycle engine once it owns the active-map entry.
func (r *Router) CommitAssignment(agentID string, task *model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return
	}
	a.CurrentLoad++
	a.Status = model.AgentBusy
}

// ReportCompletion updates counters, specialization, and the rolling average
// for agentID. A no-op if agentID is unknown (§4.1 failure semantics).
func (r *Router) ReportCompletion(agentID string, task *model.Task, success bool, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return
	}

	a.TotalTasks++
	if success {
		a.SuccessfulTasks++
	} else {
		a.FailedTasks++
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
	}
	a.LastTaskTime = r.now()

	durSec := duration.Seconds()
	a.AvgDuration = rollingAverage(a.AvgDuration, durSec)

	capability := task.Type
	if capability == "" {
		capability = "general"
	}
	spec, ok := a.Specializations[capability]
	if !ok {
		spec = &model.Specialization{}
		a.Specializations[capability] = spec
	}
	spec.Total++
	if success {
		spec.Successful++
	}
	spec.SuccessRate = float64(spec.Successful) / float64(spec.Total)
	spec.AvgDuration = rollingAverage(spec.AvgDuration, durSec)

	samples := a.LastTaskByType[capability]
	samples = append(samples, model.CompletedSample{Description: task.Description, CompletedAt: a.LastTaskTime})
	if len(samples) > 20 {
		samples = samples[len(samples)-20:]
	}
	a.LastTaskByType[capability] = samples

	if a.CurrentLoad == 0 {
		a.Status = model.AgentIdle
	}
}

// rollingAverage applies the exact scheme new = 0.8*old + 0.2*sample, with
// old=0 => new=sample (so a single sample establishes the baseline exactly,
// not skewed toward zero).
func rollingAverage(old, sample float64) float64 {
	if old == 0 {
		return sample
	}
	return 0.8*old + 0.2*sample
}

// Recommend derives improvement hints from an agent's counters.
func (r *Router) Recommend(agentID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, model.ErrUnknownAgent
	}

	var advice []string
	if a.TotalTasks > 0 {
		successRate := float64(a.SuccessfulTasks) / float64(a.TotalTasks)
		if successRate < 0.5 {
			advice = append(advice, fmt.Sprintf("success rate %.0f%% is below half; consider narrowing capabilities", successRate*100))
		}
	}
	for capability, spec := range a.Specializations {
		if spec.Total >= 5 && spec.SuccessRate > 0.9 {
			advice = append(advice, fmt.Sprintf("strong specialization in %q (%.0f%% over %d tasks)", capability, spec.SuccessRate*100, spec.Total))
		}
	}
	return advice, nil
}

// Rebalance proposes load reductions for agents carrying disproportionate
// load relative to the fleet mean.
func (r *Router) Rebalance() []model.RebalanceAction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.agents) == 0 {
		return nil
	}

	total := 0
	for _, a := range r.agents {
		total += a.CurrentLoad
	}
	mean := float64(total) / float64(len(r.agents))

	var actions []model.RebalanceAction
	for _, a := range r.agents {
		if float64(a.CurrentLoad) > 1.5*mean && a.CurrentLoad > 2 {
			actions = append(actions, model.RebalanceAction{
				AgentID:     a.AgentID,
				Current:     a.CurrentLoad,
				Recommended: int(mean),
			})
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].AgentID < actions[j].AgentID })
	return actions
}
