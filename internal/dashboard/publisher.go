// Package dashboard implements the event fan-out view described in §4.6:
// a snapshot-on-subscribe plus delta-push stream, grounded on
// DashboardManager from the original implementation (update_agent_status,
// add_task, complete_task, report_collaboration, get_system_metrics) and on
// the bus-forwarding pattern the teacher's gateway uses to bridge internal
// events to connected clients.
package dashboard

import (
	"sync"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/model"
)

// Metrics is the on-demand summary exposed alongside a snapshot.
type Metrics struct {
	TotalAgents           int     `json:"total_agents"`
	ActiveAgents          int     `json:"active_agents"`
	TasksInQueue          int     `json:"tasks_in_queue"`
	TasksCompleted        int     `json:"tasks_completed"`
	ActiveCollaborations  int     `json:"active_collaborations"`
	AvgCompletedDuration  float64 `json:"avg_completed_task_duration"`
}

// Snapshot is sent once to each new subscriber.
type Snapshot struct {
	Agents          []*model.Agent               `json:"agents"`
	Queue           []*model.Task                `json:"queue"`
	CompletedTasks  []model.CompletedTaskRecord  `json:"completed_tasks"`
	Metrics         Metrics                      `json:"metrics"`
}

// Delta is pushed to every subscriber on a domain event.
type Delta struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

const (
	EventAgentUpdate   = "agent_update"
	EventNewTask       = "new_task"
	EventTaskComplete  = "task_complete"
	EventCollaboration = "collaboration"
	EventWorkAvailable = "work_available"
)

// Source provides the live state the publisher summarizes; implemented by
// whatever composes the router and lifecycle engine (the coordinator's
// top-level wiring).
type Source interface {
	Agents() []*model.Agent
	QueuedTasks() []*model.Task
	CompletedTasks(limit int) []model.CompletedTaskRecord
}

// agentLister and taskLister split Source's dependencies so ComposeSource can
// accept the router and lifecycle engine directly without either package
// importing the other.
type agentLister interface {
	Agents() []*model.Agent
}

type taskLister interface {
	QueuedTasks() []*model.Task
	CompletedTasks(limit int) []model.CompletedTaskRecord
}

type composedSource struct {
	agentLister
	taskLister
}

// ComposeSource builds a Source from the router (agent inventory) and the
// lifecycle engine (queue and completed log), the two actors that together
// hold everything the dashboard snapshot needs.
func ComposeSource(agents agentLister, tasks taskLister) Source {
	return composedSource{agentLister: agents, taskLister: tasks}
}

// Publisher maintains the count of active collaborations (reported
// separately from the lifecycle engine, since collaboration is a dashboard-
// only concept per §9's disjoint-vocabulary resolution) and forwards bus
// events to dashboard subscribers as Deltas.
type Publisher struct {
	mu                   sync.Mutex
	activeCollaborations int

	source Source
	bus    *bus.Bus
}

// New creates a Publisher that reads live state from source and forwards
// lifecycle/router events from b.
func New(source Source, b *bus.Bus) *Publisher {
	return &Publisher{source: source, bus: b}
}

// Snapshot builds the current full view for a new subscriber.
func (p *Publisher) Snapshot() Snapshot {
	agents := p.source.Agents()
	queue := p.source.QueuedTasks()
	completed := p.source.CompletedTasks(50)

	return Snapshot{
		Agents:         agents,
		Queue:          queue,
		CompletedTasks: completed,
		Metrics:        p.metrics(agents, queue, completed),
	}
}

func (p *Publisher) metrics(agents []*model.Agent, queue []*model.Task, completed []model.CompletedTaskRecord) Metrics {
	active := 0
	for _, a := range agents {
		if a.Status == model.AgentBusy {
			active++
		}
	}

	var totalDuration float64
	for _, c := range completed {
		totalDuration += c.Duration
	}
	avg := 0.0
	if len(completed) > 0 {
		avg = totalDuration / float64(len(completed))
	}

	p.mu.Lock()
	collabs := p.activeCollaborations
	p.mu.Unlock()

	return Metrics{
		TotalAgents:          len(agents),
		ActiveAgents:         active,
		TasksInQueue:         len(queue),
		TasksCompleted:       len(completed),
		ActiveCollaborations: collabs,
		AvgCompletedDuration: avg,
	}
}

// ReportCollaborationStarted/Ended adjust the dashboard-only collaboration
// counter fed by the report-ingestion endpoint's COLLABORATION_REQUEST
// events; this state has no bearing on the lifecycle engine.
func (p *Publisher) ReportCollaborationStarted() {
	p.mu.Lock()
	p.activeCollaborations++
	p.mu.Unlock()
}

func (p *Publisher) ReportCollaborationEnded() {
	p.mu.Lock()
	if p.activeCollaborations > 0 {
		p.activeCollaborations--
	}
	p.mu.Unlock()
}

// Subscribe returns a channel of Deltas derived from bus events. The
// subscription is dashboard-only: it translates internal bus topics into
// the dashboard's own small event vocabulary, never the reverse.
func (p *Publisher) Subscribe() (<-chan Delta, func()) {
	sub := p.bus.Subscribe("")
	out := make(chan Delta, 64)

	go func() {
		defer close(out)
		for ev := range sub.Ch() {
			delta, ok := translate(ev.Topic, ev.Payload)
			if !ok {
				continue
			}
			select {
			case out <- delta:
			default:
			}
		}
	}()

	return out, func() { p.bus.Unsubscribe(sub) }
}

func translate(topic string, payload any) (Delta, bool) {
	switch topic {
	case bus.TopicAgentRegistered, bus.TopicAgentDisconnected, bus.TopicAgentUnresponsive:
		return Delta{Event: EventAgentUpdate, Data: payload}, true
	case bus.TopicTaskQueued:
		return Delta{Event: EventNewTask, Data: payload}, true
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		return Delta{Event: EventTaskComplete, Data: payload}, true
	case bus.TopicDashboardCollaboration:
		return Delta{Event: EventCollaboration, Data: payload}, true
	case bus.TopicDashboardWorkAvailable:
		return Delta{Event: EventWorkAvailable, Data: payload}, true
	default:
		return Delta{}, false
	}
}
