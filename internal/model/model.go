// Package model holds the data types shared across the coordinator and
// agent client: agents, tasks, shared-context entries, and the routing and
// completion records the router and persistence layer append to.
package model

import "time"

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentDisconnected AgentStatus = "disconnected"
)

// Priority is the optional urgency hint carried by a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskStatus tracks where a task sits in the lifecycle state machine.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Specialization holds an agent's running statistics for one capability tag.
type Specialization struct {
	Total       int
	Successful  int
	SuccessRate float64
	AvgDuration float64 // seconds
}

// Agent is the coordinator's view of one registered worker.
type Agent struct {
	AgentID            string
	Capabilities       map[string]struct{}
	Status             AgentStatus
	CurrentLoad        int
	MaxConcurrentTasks int

	TotalTasks      int
	SuccessfulTasks int
	FailedTasks     int
	AvgDuration     float64 // seconds, rolling average

	Specializations map[string]*Specialization

	RegisteredAt   time.Time
	LastHeartbeat  time.Time
	LastTaskTime   time.Time
	LastTaskByType map[string][]CompletedSample // recent completions, for the similar-context bonus
}

// CompletedSample is a trimmed record of one recently completed task, kept
// per-agent only long enough to serve the router's similar-context bonus.
type CompletedSample struct {
	Description string
	CompletedAt time.Time
}

// HasCapability reports whether the agent declares the given capability tag,
// or declares "general" (which satisfies any requested type).
func (a *Agent) HasCapability(capability string) bool {
	if _, ok := a.Capabilities[capability]; ok {
		return true
	}
	_, ok := a.Capabilities["general"]
	return ok
}

// Task is a unit of routable work.
type Task struct {
	ID                 string
	Type               string
	Description        string
	Priority           Priority
	Payload            map[string]any
	EstimatedDuration  float64
	DelegatedFrom      string
	RequestingAgentID  string // set when the assignment request came from a specific agent

	Status TaskStatus

	EnqueuedAt  time.Time
	AssignedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	AgentID string // owning agent while assigned/active, or the agent that completed it

	Result map[string]any
	Error  string
}

// CandidateScore is one agent's score in a routing decision, kept for the
// audit trail in descending-score order.
type CandidateScore struct {
	AgentID string
	Score   float64
}

// RoutingDecision is an append-only audit record of one routing attempt.
type RoutingDecision struct {
	Timestamp      time.Time
	TaskID         string
	SelectedAgent  string
	CandidateScore []CandidateScore
}

// CompletedTaskRecord is the union of task fields plus outcome, persisted via
// the store adapter.
type CompletedTaskRecord struct {
	TaskID      string
	AgentID     string
	Type        string
	Description string
	Status      TaskStatus
	EnqueuedAt  time.Time
	CompletedAt time.Time
	Duration    float64
	Result      map[string]any
	Error       string
}

// SharedContextEntry is one versioned, checksum-verified key/value record.
type SharedContextEntry struct {
	Key       string
	Value     any
	UpdatedBy string
	Timestamp time.Time
	Version   int64
	Metadata  map[string]any
	Checksum  string
}

// RebalanceAction is a proposed load-reduction for one overloaded agent.
type RebalanceAction struct {
	AgentID     string
	Current     int
	Recommended int
}
