// Package lifecycle implements the task lifecycle state machine: queue,
// active-map, completion, and requeue, grounded on MasterCoordinator's
// assign_task_to_agent / handle_task_completion / handle_delegation and on
// the worker-loop structure of the teacher's engine package.
//
// Engine is the single owning actor for the queue + active-map + completed
// log partition (per the single-writer design note): every method takes the
// engine's mutex, and the only other state it touches is the Router, which
// owns its own, separate mutex.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/audit"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/router"
)

// Router is the subset of router.Router the engine depends on, so tests can
// substitute a fake.
type Router interface {
	Route(task *model.Task) (string, []model.CandidateScore, error)
	CommitAssignment(agentID string, task *model.Task)
	ReportCompletion(agentID string, task *model.Task, success bool, duration time.Duration)
	Agent(agentID string) *model.Agent
}

// CompletionSink persists a finished task; implemented by the persistence
// store adapter. Completion is best-effort from the engine's point of view.
type CompletionSink interface {
	RecordCompletedTask(ctx context.Context, rec model.CompletedTaskRecord) error
}

// Metrics is the subset of the OpenTelemetry instrument set the engine
// records against. Satisfied by *otel.Metrics; nil disables recording.
type Metrics interface {
	RecordTaskDuration(ctx context.Context, seconds float64, success bool)
	RecordRoutingScore(ctx context.Context, score float64)
	RecordRoutingFailure(ctx context.Context)
	SetQueueDepth(ctx context.Context, delta int64)
	SetActiveTasks(ctx context.Context, delta int64)
}

var _ Router = (*router.Router)(nil)

// Engine owns the queue, active-map, and completed log.
type Engine struct {
	mu sync.Mutex

	queue     []*model.Task
	active    map[string]*model.Task // task_id -> task (AgentID field names the owner)
	completed []model.CompletedTaskRecord

	nextSeq      int
	nextDelegSeq int

	router  Router
	bus     *bus.Bus
	store   CompletionSink
	metrics Metrics
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates an Engine backed by router r, publishing lifecycle events to
// b, and optionally persisting completions through store (nil disables
// persistence without affecting in-memory behavior).
func New(r Router, b *bus.Bus, store CompletionSink, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		active: make(map[string]*model.Task),
		router: r,
		bus:    b,
		store:  store,
		logger: logger,
		nowFn:  time.Now,
	}
}

// SetMetrics wires an OpenTelemetry instrument set into the engine. Must be
// called before the engine starts serving traffic; nil is a safe no-op.
func (e *Engine) SetMetrics(m Metrics) {
	e.metrics = m
}

// Submit enqueues an externally-submitted task, assigning an id if absent.
func (e *Engine) Submit(task *model.Task) *model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueLocked(task, false)
}

func (e *Engine) enqueueLocked(task *model.Task, tail bool) *model.Task {
	if task.ID == "" {
		e.nextSeq++
		task.ID = fmt.Sprintf("task_%d", e.nextSeq)
	}
	if task.Priority == "" {
		task.Priority = model.PriorityNormal
	}
	task.Status = model.TaskQueued
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = e.now()
	}
	e.queue = append(e.queue, task)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskQueued, bus.TaskStateChangedEvent{TaskID: task.ID, NewStatus: string(model.TaskQueued)})
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth(context.Background(), 1)
	}
	return task
}

func (e *Engine) now() time.Time { return e.nowFn() }

// QueueDepth returns the number of tasks waiting to be assigned.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// ActiveCount returns the number of in-flight (assigned or active) tasks.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// QueuedTasks returns a snapshot of the tasks currently waiting to be
// assigned, in queue order.
func (e *Engine) QueuedTasks() []*model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Task, len(e.queue))
	copy(out, e.queue)
	return out
}

// CompletedTasks returns up to limit of the most recently completed tasks,
// most recent first. limit<=0 returns all.
func (e *Engine) CompletedTasks(limit int) []model.CompletedTaskRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.completed)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.CompletedTaskRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = e.completed[n-1-i]
	}
	return out
}

// AssignNext pulls the task at the front of the queue and routes it. If
// requestingAgentID is non-empty and the router fails with
// ErrNoEligibleAgent, the engine falls back to a direct eligibility check
// against the requesting agent alone before giving up (§4.3).
func (e *Engine) AssignNext(requestingAgentID string) (*model.Task, string, error) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return nil, "", nil
	}
	task := e.queue[0]
	e.mu.Unlock()

	agentID, candidates, err := e.router.Route(task)
	if err != nil {
		if requestingAgentID != "" {
			if a := e.router.Agent(requestingAgentID); a != nil && a.Status != model.AgentDisconnected && a.HasCapability(fallbackCapability(task.Type)) {
				agentID = requestingAgentID
			} else {
				audit.RecordRouting(task.ID, "", candidates)
				if e.metrics != nil {
					e.metrics.RecordRoutingFailure(context.Background())
				}
				e.requeueLocked(task)
				return nil, "", err
			}
		} else {
			audit.RecordRouting(task.ID, "", candidates)
			if e.metrics != nil {
				e.metrics.RecordRoutingFailure(context.Background())
			}
			e.requeueLocked(task)
			return nil, "", err
		}
	}

	audit.RecordRouting(task.ID, agentID, candidates)
	if e.metrics != nil && len(candidates) > 0 {
		e.metrics.RecordRoutingScore(context.Background(), candidates[0].Score)
	}

	e.mu.Lock()
	// Re-verify the task is still the one at the head; another goroutine may
	// have already dispatched it via delegation or rebalance.
	if len(e.queue) == 0 || e.queue[0].ID != task.ID {
		e.mu.Unlock()
		return nil, "", nil
	}
	e.queue = e.queue[1:]
	task.Status = model.TaskAssigned
	task.AssignedAt = e.now()
	task.AgentID = agentID
	e.active[task.ID] = task
	e.mu.Unlock()

	e.router.CommitAssignment(agentID, task)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskAssigned, bus.TaskStateChangedEvent{TaskID: task.ID, AgentID: agentID, NewStatus: string(model.TaskAssigned)})
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth(context.Background(), -1)
		e.metrics.SetActiveTasks(context.Background(), 1)
	}
	return task, agentID, nil
}

func fallbackCapability(taskType string) string {
	if taskType == "" {
		return "general"
	}
	return taskType
}

func (e *Engine) requeueLocked(task *model.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) > 0 && e.queue[0].ID == task.ID {
		e.queue = e.queue[1:]
	}
	task.Status = model.TaskQueued
	e.queue = append(e.queue, task)
	if e.bus != nil {
		e.bus.Publish(bus.TopicTaskRequeued, bus.TaskStateChangedEvent{TaskID: task.ID, NewStatus: string(model.TaskQueued)})
	}
}

// MarkActive transitions an assigned task to active when the agent
// acknowledges it (progress report or start). A no-op if the task is not in
// the active-map under the expected agent.
func (e *Engine) MarkActive(agentID, taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.active[taskID]
	if !ok || task.AgentID != agentID {
		return model.ErrTaskNotActive
	}
	task.Status = model.TaskActive
	if task.StartedAt.IsZero() {
		task.StartedAt = e.now()
	}
	return nil
}

// Complete closes out a task on TASK_COMPLETE/failure. It cross-checks the
// active-map: task.id must be active and owned by agentID, per the resolved
// Open Question on coordinator-side authority over completion frames.
func (e *Engine) Complete(ctx context.Context, agentID, taskID string, success bool, result map[string]any, taskErr string) (model.CompletedTaskRecord, error) {
	e.mu.Lock()
	task, ok := e.active[taskID]
	if !ok || task.AgentID != agentID {
		e.mu.Unlock()
		return model.CompletedTaskRecord{}, model.ErrTaskNotActive
	}
	delete(e.active, taskID)

	now := e.now()
	started := task.StartedAt
	if started.IsZero() {
		started = task.AssignedAt
	}
	duration := now.Sub(started)
	if duration < 0 {
		duration = 0
	}

	if success {
		task.Status = model.TaskCompleted
	} else {
		task.Status = model.TaskFailed
	}
	task.CompletedAt = now
	task.Result = result
	task.Error = taskErr

	rec := model.CompletedTaskRecord{
		TaskID: task.ID, AgentID: agentID, Type: task.Type, Description: task.Description,
		Status: task.Status, EnqueuedAt: task.EnqueuedAt, CompletedAt: now,
		Duration: duration.Seconds(), Result: result, Error: taskErr,
	}
	e.completed = append(e.completed, rec)
	e.mu.Unlock()

	e.router.ReportCompletion(agentID, task, success, duration)

	topic := bus.TopicTaskCompleted
	if !success {
		topic = bus.TopicTaskFailed
	}
	if e.bus != nil {
		e.bus.Publish(topic, bus.TaskStateChangedEvent{TaskID: task.ID, AgentID: agentID, NewStatus: string(task.Status)})
	}
	if e.store != nil {
		if err := e.store.RecordCompletedTask(ctx, rec); err != nil {
			e.logger.Warn("record_completed_task_failed", "task_id", task.ID, "error", err)
		}
	}
	if e.metrics != nil {
		e.metrics.SetActiveTasks(ctx, -1)
		e.metrics.RecordTaskDuration(ctx, duration.Seconds(), success)
	}
	return rec, nil
}

// Delegate creates a new task from a TASK_DELEGATION frame. If `to` is idle,
// it is dispatched immediately, bypassing the router.
func (e *Engine) Delegate(from, to, taskType, description string) (*model.Task, bool) {
	if taskType == "" {
		taskType = "general"
	}

	e.mu.Lock()
	e.nextDelegSeq++
	id := fmt.Sprintf("task_%d_del", e.nextDelegSeq)
	task := &model.Task{
		ID: id, Type: taskType, Description: description,
		Priority: model.PriorityNormal, DelegatedFrom: from,
	}
	e.enqueueLocked(task, true)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.TopicDelegationCreated, bus.DelegationEvent{TaskID: id, DelegatedFrom: from, To: to})
	}

	if to != "" {
		if a := e.router.Agent(to); a != nil && a.Status == model.AgentIdle {
			e.mu.Lock()
			for i, t := range e.queue {
				if t.ID == id {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					break
				}
			}
			task.Status = model.TaskAssigned
			task.AssignedAt = e.now()
			task.AgentID = to
			e.active[id] = task
			e.mu.Unlock()

			e.router.CommitAssignment(to, task)
			if e.bus != nil {
				e.bus.Publish(bus.TopicTaskAssigned, bus.TaskStateChangedEvent{TaskID: id, AgentID: to, NewStatus: string(model.TaskAssigned)})
			}
			if e.metrics != nil {
				e.metrics.SetQueueDepth(context.Background(), -1)
				e.metrics.SetActiveTasks(context.Background(), 1)
			}
			return task, true
		}
	}
	return task, false
}
