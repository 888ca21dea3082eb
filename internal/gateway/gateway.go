// Package gateway implements the coordinator's session manager: the
// WebSocket control-plane stream agents connect to, the dashboard push
// stream, and the HTTP report-ingestion endpoint, grounded on the teacher's
// gateway Server (client bookkeeping, broadcast-to-all, bus-forwarding
// goroutine) generalized from its JSON-RPC ACP vocabulary to the frame
// vocabulary in the specification's external interfaces section.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dashboard"
	"github.com/basket/go-claw/internal/lifecycle"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/protocol"
	"github.com/basket/go-claw/internal/router"
	"github.com/basket/go-claw/internal/sharedcontext"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Config wires the coordinator's actors into the session manager.
type Config struct {
	Router        *router.Router
	Engine        *lifecycle.Engine
	SharedContext *sharedcontext.Synchronizer
	Dashboard     *dashboard.Publisher
	Bus           *bus.Bus

	Auth         config.AuthConfig
	AllowOrigins []string

	Logger  *slog.Logger
	Metrics Metrics
}

// Metrics is the subset of the OpenTelemetry instrument set the gateway
// records against. Satisfied by *otel.Metrics; nil disables recording.
type Metrics interface {
	RecordHeartbeatMissed(ctx context.Context)
	RecordRebalanceAction(ctx context.Context)
}

// Server is the single owner of the set of live agent connections; its
// mutex guards only client bookkeeping, not any domain state (the router,
// engine, and synchronizer own theirs independently).
type Server struct {
	cfg    Config
	logger *slog.Logger
	auth   *AuthMiddleware

	clientsMu sync.RWMutex
	clients   map[string]*agentConn
}

// agentConn is one registered agent's live WebSocket session.
type agentConn struct {
	agentID string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *agentConn) write(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// New creates a Server ready to serve its Handler.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		auth:    NewAuthMiddleware(cfg.Auth),
		clients: make(map[string]*agentConn),
	}
}

// Handler returns the coordinator's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", s.handleAgentWS)
	mux.HandleFunc("/dashboard/stream", s.handleDashboardWS)
	mux.HandleFunc("/reports", s.handleReports)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": true})
}

// handleAgentWS accepts an agent's control-plane stream. The first frame
// must be AGENT_REGISTER; any other opening frame, or a failure to decode
// it, closes the connection without registering an agent.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeUpgrade(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var raw json.RawMessage
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		s.logger.Warn("agent_stream_read_first_frame_failed", "error", err)
		return
	}
	env, err := protocol.Decode(raw)
	if err != nil || env.Type != protocol.TypeAgentRegister {
		s.logger.Warn("agent_stream_first_frame_not_register", "type", env.Type)
		return
	}
	var reg protocol.AgentRegisterFrame
	if err := json.Unmarshal(raw, &reg); err != nil {
		s.logger.Warn("agent_stream_decode_register_failed", "error", err)
		return
	}

	agentID := reg.Agent.AgentID
	s.cfg.Router.Register(agentID, reg.Agent.Capabilities, reg.Agent.MaxConcurrentTasks)
	s.cfg.Bus.Publish(bus.TopicAgentRegistered, bus.AgentEvent{AgentID: agentID, Status: string(model.AgentIdle)})

	ac := &agentConn{agentID: agentID, conn: conn}
	s.addClient(ac)
	s.logger.Info("agent_connected", "agent_id", agentID)

	defer func() {
		s.removeClient(agentID)
		s.cfg.Router.MarkDisconnected(agentID)
		s.cfg.Bus.Publish(bus.TopicAgentDisconnected, bus.AgentEvent{AgentID: agentID, Status: string(model.AgentDisconnected)})
		s.broadcastSystemStatus(context.Background())
		s.logger.Info("agent_disconnected", "agent_id", agentID)
	}()

	for {
		var frame json.RawMessage
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		s.dispatchAgentFrame(ctx, agentID, frame)
	}
}

func (s *Server) dispatchAgentFrame(ctx context.Context, agentID string, raw json.RawMessage) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Warn("agent_frame_decode_failed", "agent_id", agentID, "error", err)
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat:
		var f protocol.HeartbeatFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		s.cfg.Router.Heartbeat(f.AgentID, model.AgentStatus(f.Status))

	case protocol.TypeTaskRequest:
		var f protocol.TaskRequestFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		s.assignAndSend(ctx, f.AgentID)

	case protocol.TypeTaskComplete:
		var f protocol.TaskCompleteFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		success := f.Error == ""
		if _, err := s.cfg.Engine.Complete(ctx, f.AgentID, f.Task.ID, success, f.Result, f.Error); err != nil {
			if errors.Is(err, model.ErrTaskNotActive) {
				s.logger.Warn("task_complete_rejected", "agent_id", f.AgentID, "task_id", f.Task.ID, "error", err)
			}
			return
		}
		s.broadcastSystemStatus(ctx)

	case protocol.TypeTaskDelegation:
		var f protocol.TaskDelegationFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		task, dispatched := s.cfg.Engine.Delegate(f.From, f.To, f.Task.Type, f.Task.Description)
		if dispatched {
			s.sendAssignment(ctx, f.To, task)
		}

	case protocol.TypeContextSync:
		var f protocol.ContextSyncFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return
		}
		if _, err := s.cfg.SharedContext.Update(f.AgentID, f.Context.Key, f.Context.Value, f.Context.Metadata); err != nil {
			s.logger.Warn("context_sync_failed", "agent_id", f.AgentID, "key", f.Context.Key, "error", err)
		}

	default:
		s.logger.Debug("agent_frame_ignored", "type", env.Type)
	}
}

// assignAndSend pulls the next queued task (if any) and sends the
// TASK_ASSIGNMENT frame to the requesting agent.
func (s *Server) assignAndSend(ctx context.Context, agentID string) {
	task, assignedTo, err := s.cfg.Engine.AssignNext(agentID)
	if err != nil || task == nil {
		return
	}
	s.sendAssignment(ctx, assignedTo, task)
}

func (s *Server) sendAssignment(ctx context.Context, agentID string, task *model.Task) {
	s.clientsMu.RLock()
	ac, ok := s.clients[agentID]
	s.clientsMu.RUnlock()
	if !ok {
		return
	}
	frame := protocol.NewTaskAssignmentFrame(protocol.TaskRef{
		ID: task.ID, Type: task.Type, Description: task.Description,
		Priority: string(task.Priority), Payload: task.Payload,
		EstimatedDuration: task.EstimatedDuration, DelegatedFrom: task.DelegatedFrom,
	})
	if err := ac.write(ctx, frame); err != nil {
		s.logger.Warn("task_assignment_send_failed", "agent_id", agentID, "task_id", task.ID, "error", err)
	}
}

// broadcastSystemStatus sends SYSTEM_STATUS_UPDATE to every connected agent,
// best-effort; a send failure to one agent does not stop the broadcast.
func (s *Server) broadcastSystemStatus(ctx context.Context) {
	agents := s.cfg.Router.Agents()
	idle, active := 0, 0
	for _, a := range agents {
		if a.Status == model.AgentBusy {
			active++
		} else if a.Status == model.AgentIdle {
			idle++
		}
	}
	status := protocol.NewSystemStatusUpdateFrame(protocol.SystemStatus{
		TotalAgents:    len(agents),
		ActiveAgents:   active,
		IdleAgents:     idle,
		TasksInQueue:   s.cfg.Engine.QueueDepth(),
		ActiveTasks:    s.cfg.Engine.ActiveCount(),
		CompletedTasks: len(s.cfg.Engine.CompletedTasks(0)),
	})

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, ac := range s.clients {
		if err := ac.write(ctx, status); err != nil {
			s.logger.Warn("system_status_broadcast_failed", "agent_id", ac.agentID, "error", err)
		}
	}
}

// RunHeartbeatMonitor transitions agents whose last heartbeat is older than
// unresponsiveAfter to unresponsive, on the given tick interval. Intended to
// run under the coordinator's cron scheduler.
func (s *Server) RunHeartbeatMonitor(unresponsiveAfter time.Duration) {
	now := time.Now()
	for _, a := range s.cfg.Router.Agents() {
		if a.Status == model.AgentDisconnected || a.Status == model.AgentUnresponsive {
			continue
		}
		if now.Sub(a.LastHeartbeat) > unresponsiveAfter {
			s.cfg.Router.MarkUnresponsive(a.AgentID)
			s.cfg.Bus.Publish(bus.TopicAgentUnresponsive, bus.AgentEvent{AgentID: a.AgentID, Status: string(model.AgentUnresponsive)})
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RecordHeartbeatMissed(context.Background())
			}
		}
	}
}

// RunRebalance runs one rebalance pass and publishes a hint per flagged
// agent, for observers (dashboard, audit) to act on.
func (s *Server) RunRebalance() {
	for _, action := range s.cfg.Router.Rebalance() {
		s.cfg.Bus.Publish(bus.TopicRouterRebalance, bus.RebalanceHintEvent{
			AgentID: action.AgentID, Current: action.Current, Recommended: action.Recommended,
		})
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRebalanceAction(context.Background())
		}
	}
}

// handleDashboardWS upgrades to a WebSocket and streams a snapshot followed
// by deltas, on a path and message vocabulary disjoint from /ws/agent.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeUpgrade(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	ctx := r.Context()
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, s.cfg.Dashboard.Snapshot()); err != nil {
		return
	}

	deltas, cancel := s.cfg.Dashboard.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, d); err != nil {
				return
			}
		}
	}
}

// reportPayload is the body of POST /reports (§6).
type reportPayload struct {
	AgentID string `json:"agent_id"`
	Event   string `json:"event"`
	TaskID  string `json:"task_id"`
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload reportPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"error":"malformed report"}`, http.StatusBadRequest)
		return
	}

	switch payload.Event {
	case "COLLABORATION_REQUEST":
		s.cfg.Dashboard.ReportCollaborationStarted()
		s.cfg.Bus.Publish(bus.TopicDashboardCollaboration, payload)
	case "TASK_START":
		if err := s.cfg.Engine.MarkActive(payload.AgentID, payload.TaskID); err != nil {
			s.logger.Warn("mark_active_failed", "agent_id", payload.AgentID, "task_id", payload.TaskID, "error", err)
		}
		s.cfg.Bus.Publish(bus.TopicDashboardNewTask, payload)
	case "TASK_PROGRESS":
		s.cfg.Bus.Publish(bus.TopicDashboardNewTask, payload)
	case "TASK_COMPLETE":
		s.cfg.Dashboard.ReportCollaborationEnded()
		s.cfg.Bus.Publish(bus.TopicDashboardTaskComplete, payload)
	case "IDLE_REQUEST":
		s.cfg.Bus.Publish(bus.TopicDashboardWorkAvailable, payload)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) addClient(c *agentConn) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c.agentID] = c
}

func (s *Server) removeClient(agentID string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, agentID)
}

// authorizeUpgrade applies the same bearer-token gate as AuthMiddleware, but
// inline since the WebSocket upgrade happens before any http.Handler chain
// runs.
func (s *Server) authorizeUpgrade(r *http.Request) bool {
	if !s.cfg.Auth.Enabled {
		return true
	}
	key := ExtractAPIKey(r)
	if key == "" {
		return false
	}
	for _, entry := range s.cfg.Auth.Keys {
		if entry.Key == key {
			return true
		}
	}
	return false
}
