// Package protocol defines the JSON frame vocabulary exchanged between the
// coordinator and agent clients over the control-plane WebSocket stream, per
// the frame table in the specification's external interfaces section.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type tags. Every frame is a JSON object with a "type" field; fields
// not listed here are permitted and forwarded opaquely.
const (
	TypeAgentRegister      = "AGENT_REGISTER"
	TypeHeartbeat          = "HEARTBEAT"
	TypeTaskRequest        = "TASK_REQUEST"
	TypeTaskComplete       = "TASK_COMPLETE"
	TypeTaskDelegation     = "TASK_DELEGATION"
	TypeContextSync        = "CONTEXT_SYNC"
	TypeTaskAssignment     = "TASK_ASSIGNMENT"
	TypeSystemStatusUpdate = "SYSTEM_STATUS_UPDATE"
)

// Envelope is the minimal shape every frame satisfies: a type tag plus the
// raw remainder, so a receive loop can dispatch on Type before fully
// decoding a frame-specific payload.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Decode splits a raw frame into its type tag and the full raw bytes for a
// second, frame-specific unmarshal. Returns an error (wrap-checkable against
// model.ErrDecodeFrame by the caller) if the envelope itself is malformed.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if probe.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type field")
	}
	return Envelope{Type: probe.Type, Raw: data}, nil
}

// AgentDescriptor is the nested "agent" object carried by AGENT_REGISTER.
type AgentDescriptor struct {
	AgentID            string   `json:"agent_id"`
	Type               string   `json:"type"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Status             string   `json:"status"`
}

// AgentRegisterFrame is sent agent -> coordinator as the first frame on a
// new stream.
type AgentRegisterFrame struct {
	Type  string          `json:"type"`
	Agent AgentDescriptor `json:"agent"`
}

func NewAgentRegisterFrame(a AgentDescriptor) AgentRegisterFrame {
	return AgentRegisterFrame{Type: TypeAgentRegister, Agent: a}
}

// HeartbeatFrame is sent agent -> coordinator periodically.
type HeartbeatFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func NewHeartbeatFrame(agentID, status string) HeartbeatFrame {
	return HeartbeatFrame{Type: TypeHeartbeat, AgentID: agentID, Status: status}
}

// TaskRequestFrame is sent agent -> coordinator to ask for work.
type TaskRequestFrame struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
}

func NewTaskRequestFrame(agentID string) TaskRequestFrame {
	return TaskRequestFrame{Type: TypeTaskRequest, AgentID: agentID}
}

// TaskRef is the nested "task" object used by TASK_COMPLETE and
// TASK_ASSIGNMENT; it carries only the fields those frames require, with
// extra fields round-tripped through the adjacent Extra map where present.
type TaskRef struct {
	ID                string         `json:"id"`
	Type              string         `json:"type,omitempty"`
	Description       string         `json:"description,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	EstimatedDuration float64        `json:"estimated_duration,omitempty"`
	DelegatedFrom     string         `json:"delegated_from,omitempty"`
}

// TaskCompleteFrame is sent agent -> coordinator to report an outcome.
// Error is non-empty exactly when the task failed.
type TaskCompleteFrame struct {
	Type    string         `json:"type"`
	AgentID string         `json:"agent_id"`
	Task    TaskRef        `json:"task"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func NewTaskCompleteFrame(agentID string, task TaskRef, result map[string]any, taskErr string) TaskCompleteFrame {
	return TaskCompleteFrame{Type: TypeTaskComplete, AgentID: agentID, Task: task, Result: result, Error: taskErr}
}

// TaskDelegationFrame is sent agent -> coordinator (or posted by an external
// collaborator) to hand a new task to a named agent.
type TaskDelegationFrame struct {
	Type string  `json:"type"`
	From string  `json:"from"`
	To   string  `json:"to"`
	Task TaskRef `json:"task"`
}

func NewTaskDelegationFrame(from, to string, task TaskRef) TaskDelegationFrame {
	return TaskDelegationFrame{Type: TypeTaskDelegation, From: from, To: to, Task: task}
}

// ContextRef is the nested "context" object used by CONTEXT_SYNC.
type ContextRef struct {
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ContextSyncFrame is sent agent -> coordinator to publish a shared-context
// update.
type ContextSyncFrame struct {
	Type    string     `json:"type"`
	AgentID string     `json:"agent_id"`
	Context ContextRef `json:"context"`
}

func NewContextSyncFrame(agentID string, ctxRef ContextRef) ContextSyncFrame {
	return ContextSyncFrame{Type: TypeContextSync, AgentID: agentID, Context: ctxRef}
}

// TaskAssignmentFrame is sent coordinator -> agent.
type TaskAssignmentFrame struct {
	Type string  `json:"type"`
	Task TaskRef `json:"task"`
}

func NewTaskAssignmentFrame(task TaskRef) TaskAssignmentFrame {
	return TaskAssignmentFrame{Type: TypeTaskAssignment, Task: task}
}

// SystemStatus is the nested "status" object of SYSTEM_STATUS_UPDATE.
type SystemStatus struct {
	TotalAgents    int `json:"total_agents"`
	ActiveAgents   int `json:"active_agents"`
	IdleAgents     int `json:"idle_agents"`
	TasksInQueue   int `json:"tasks_in_queue"`
	ActiveTasks    int `json:"active_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

// SystemStatusUpdateFrame is broadcast coordinator -> all connected agents.
type SystemStatusUpdateFrame struct {
	Type   string       `json:"type"`
	Status SystemStatus `json:"status"`
}

func NewSystemStatusUpdateFrame(status SystemStatus) SystemStatusUpdateFrame {
	return SystemStatusUpdateFrame{Type: TypeSystemStatusUpdate, Status: status}
}
