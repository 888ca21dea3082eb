// Package agentclient implements the worker side of the control-plane
// stream: the reconnect loop, task queue, execution dispatch, local result
// cache, and outcome reporting an agent process runs against one
// coordinator, grounded on the teacher's mcp.Client connection-lifecycle
// shape (dial, register, concurrent receive/heartbeat loops, backoff on
// failure) generalized to this system's frame vocabulary.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// minBackoff/maxBackoff are vars rather than consts so tests can shrink
// them for deterministic, fast reconnect-timing assertions.
var (
	minBackoff = 5 * time.Second
	maxBackoff = 60 * time.Second
)

// Dispatcher executes one task by type. Only "shell_commands" is built in;
// callers may wrap or replace it for other task types.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskType string, payload map[string]any) (result map[string]any, taskErr string)
}

// shellDispatcher handles "shell_commands" tasks by running payload["command"]
// through a ShellExecutor. Any other type is reported as unsupported.
type shellDispatcher struct {
	exec ShellExecutor
}

func (d shellDispatcher) Dispatch(ctx context.Context, taskType string, payload map[string]any) (map[string]any, string) {
	if taskType != "shell_commands" {
		return nil, fmt.Sprintf("unsupported task type %q", taskType)
	}
	cmd, _ := payload["command"].(string)
	if cmd == "" {
		return nil, "shell_commands task missing \"command\""
	}
	stdout, stderr, exitCode, err := d.exec.Exec(ctx, cmd)
	if err != nil {
		return nil, err.Error()
	}
	result := map[string]any{"stdout": stdout, "stderr": stderr, "exit_code": exitCode}
	if exitCode != 0 {
		return result, fmt.Sprintf("command exited %d", exitCode)
	}
	return result, ""
}

// Client is the single supervising loop that maintains one connection to
// the coordinator, per §4.5. All mutable state (the task queue, idle flag,
// result cache) is owned by this loop; no field is safe for concurrent use
// from outside it.
type Client struct {
	cfg        config.AgentConfig
	logger     *slog.Logger
	dispatcher Dispatcher
	cache      *resultCache
	httpClient *http.Client

	queueMu sync.Mutex
	queue   []protocol.TaskRef
	queueCh chan struct{}

	idleMu sync.Mutex
	idle   bool
}

// New builds a Client ready for Run. A nil logger falls back to slog's
// default logger.
func New(cfg config.AgentConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		logger:     logger,
		dispatcher: shellDispatcher{},
		cache:      newResultCache(cfg.CacheDir, cfg.CacheMaxSizeMB, logger),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		queueCh:    make(chan struct{}, 1),
		idle:       true,
	}
}

// Run maintains the connection until ctx is cancelled, reconnecting after a
// delay that starts at 5s and doubles on each failure up to 60s, resetting
// to 5s unconditionally as soon as a connection is established.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	resetBackoff := func() { backoff = minBackoff }
	for {
		if ctx.Err() != nil {
			return
		}
		err := c.runOnce(ctx, resetBackoff)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("coordinator_connection_lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce dials, registers, and serves one connection's concurrent
// activities until the stream fails or ctx is cancelled. onConnected is
// invoked once registration succeeds, resetting the caller's backoff.
func (c *Client) runOnce(ctx context.Context, onConnected func()) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.CoordinationServer, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, conn, protocol.NewAgentRegisterFrame(protocol.AgentDescriptor{
		AgentID: c.cfg.AgentID, Type: c.cfg.AgentType, Capabilities: c.cfg.Capabilities,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks, Status: "idle",
	})); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	c.logger.Info("coordinator_connected", "agent_id", c.cfg.AgentID, "server", c.cfg.CoordinationServer)
	onConnected()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	connErr := make(chan error, 4)
	run := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				select {
				case connErr <- err:
				default:
				}
				cancel()
			}
		}()
	}

	run(func() error { return c.receiveLoop(runCtx, conn) })
	run(func() error { c.heartbeatLoop(runCtx, conn); return nil })
	run(func() error { c.autoRequestLoop(runCtx, conn); return nil })
	run(func() error { c.processLoop(runCtx, conn); return nil })

	if c.cfg.AutoRequestTasks {
		_ = wsjson.Write(ctx, conn, protocol.NewTaskRequestFrame(c.cfg.AgentID))
	}

	wg.Wait()
	select {
	case err := <-connErr:
		return err
	default:
		return nil
	}
}

// receiveLoop reads frames until the stream closes or ctx is cancelled,
// dispatching TASK_ASSIGNMENT onto the internal queue and tolerating every
// other (including unrecognized) frame type silently.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		if env.Type != protocol.TypeTaskAssignment {
			continue
		}
		var frame protocol.TaskAssignmentFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("decode_task_assignment_failed", "error", err)
			continue
		}
		c.enqueue(frame.Task)
	}
}

func (c *Client) enqueue(task protocol.TaskRef) {
	c.queueMu.Lock()
	c.queue = append(c.queue, task)
	c.queueMu.Unlock()
	c.setIdle(false)
	select {
	case c.queueCh <- struct{}{}:
	default:
	}
}

func (c *Client) dequeue() (protocol.TaskRef, bool) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if len(c.queue) == 0 {
		return protocol.TaskRef{}, false
	}
	task := c.queue[0]
	c.queue = c.queue[1:]
	return task, true
}

func (c *Client) queueEmpty() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue) == 0
}

func (c *Client) setIdle(v bool) {
	c.idleMu.Lock()
	c.idle = v
	c.idleMu.Unlock()
}

func (c *Client) isIdle() bool {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return c.idle
}

// heartbeatLoop emits HEARTBEAT on cfg.HeartbeatInterval until ctx ends.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "busy"
			if c.isIdle() {
				status = "idle"
			}
			if err := wsjson.Write(ctx, conn, protocol.NewHeartbeatFrame(c.cfg.AgentID, status)); err != nil {
				return
			}
		}
	}
}

// autoRequestLoop asks for work every idle_timeout_seconds while idle and
// the internal queue is empty, per §4.5.
func (c *Client) autoRequestLoop(ctx context.Context, conn *websocket.Conn) {
	if !c.cfg.AutoRequestTasks {
		return
	}
	interval := time.Duration(c.cfg.IdleTimeoutSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.isIdle() && c.queueEmpty() {
				if err := wsjson.Write(ctx, conn, protocol.NewTaskRequestFrame(c.cfg.AgentID)); err != nil {
					return
				}
			}
		}
	}
}

// processLoop pulls tasks from the internal queue and runs them to
// completion one at a time, per §4.5's single-writer local cache.
func (c *Client) processLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		task, ok := c.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.queueCh:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		c.setIdle(false)
		c.runTask(ctx, conn, task)
		if c.queueEmpty() {
			c.setIdle(true)
		}
	}
}

func (c *Client) runTask(ctx context.Context, conn *websocket.Conn, task protocol.TaskRef) {
	c.reportEvent("TASK_START", map[string]any{"task_id": task.ID, "task_type": task.Type})

	key := stableHash(task.Type, task.Description)
	result, taskErr, hit := c.cache.Get(key)
	if !hit {
		result, taskErr = c.dispatcher.Dispatch(ctx, task.Type, task.Payload)
		c.cache.Put(key, result, taskErr)
	}

	if err := wsjson.Write(ctx, conn, protocol.NewTaskCompleteFrame(c.cfg.AgentID, task, result, taskErr)); err != nil {
		c.logger.Warn("task_complete_send_failed", "task_id", task.ID, "error", err)
	}
}

// reportEvent best-effort POSTs a dashboard report event; failures are
// logged, never surfaced, and never block task execution.
func (c *Client) reportEvent(event string, fields map[string]any) {
	if c.cfg.ReportEndpoint == "" {
		return
	}
	body := map[string]any{"agent_id": c.cfg.AgentID, "event": event}
	for k, v := range fields {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	go func() {
		resp, err := c.httpClient.Post(c.cfg.ReportEndpoint, "application/json", bytes.NewReader(data))
		if err != nil {
			c.logger.Debug("report_event_failed", "event", event, "error", err)
			return
		}
		resp.Body.Close()
	}()
}
