package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dashboard"
	"github.com/basket/go-claw/internal/gateway"
	"github.com/basket/go-claw/internal/lifecycle"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/protocol"
	"github.com/basket/go-claw/internal/router"
	"github.com/basket/go-claw/internal/sharedcontext"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T) (*httptest.Server, *router.Router, *lifecycle.Engine) {
	ts, r, e, _ := newTestServerAndGateway(t)
	return ts, r, e
}

func newTestServerAndGateway(t *testing.T) (*httptest.Server, *router.Router, *lifecycle.Engine, *gateway.Server) {
	t.Helper()
	r := router.New(nil)
	b := bus.New()
	e := lifecycle.New(r, b, nil, nil)
	sc := sharedcontext.New(nil, nil)
	t.Cleanup(sc.Close)
	dash := dashboard.New(dashboard.ComposeSource(r, e), b)

	srv := gateway.New(gateway.Config{
		Router: r, Engine: e, SharedContext: sc, Dashboard: dash, Bus: b,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, r, e, srv
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestAgentWS_RegisterThenTaskRequest_ReceivesAssignment(t *testing.T) {
	ts, _, e := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/agent"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	reg := protocol.NewAgentRegisterFrame(protocol.AgentDescriptor{
		AgentID: "A", Type: "general", Capabilities: []string{"general"}, MaxConcurrentTasks: 5, Status: "idle",
	})
	if err := wsjson.Write(ctx, conn, reg); err != nil {
		t.Fatalf("write register: %v", err)
	}

	e.Submit(&model.Task{Type: "general", Description: "do the thing"})

	if err := wsjson.Write(ctx, conn, protocol.NewTaskRequestFrame("A")); err != nil {
		t.Fatalf("write task request: %v", err)
	}

	var assignment protocol.TaskAssignmentFrame
	if err := wsjson.Read(ctx, conn, &assignment); err != nil {
		t.Fatalf("read assignment: %v", err)
	}
	if assignment.Type != protocol.TypeTaskAssignment {
		t.Fatalf("expected TASK_ASSIGNMENT, got %s", assignment.Type)
	}
}

func TestReports_AcknowledgesValidPayload(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := strings.NewReader(`{"agent_id":"A","event":"TASK_START"}`)
	resp, err := http.Post(ts.URL+"/reports", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("expected ok:true, got %v", out)
	}
}

func TestReports_RejectsNonPOST(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/reports")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestReports_TaskStart_MarksEngineTaskActive(t *testing.T) {
	ts, r, e := newTestServer(t)
	r.Register("A", []string{"general"}, 5)

	e.Submit(&model.Task{ID: "t1", Type: "general"})
	if _, _, err := e.AssignNext("A"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Wait before the agent's TASK_START report arrives, so that if
	// MarkActive stamps StartedAt at report time (not assignment time) the
	// eventual completion duration stays small instead of including this
	// wait.
	time.Sleep(150 * time.Millisecond)

	body := strings.NewReader(`{"agent_id":"A","event":"TASK_START","task_id":"t1"}`)
	resp, err := http.Post(ts.URL+"/reports", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	rec, err := e.Complete(context.Background(), "A", "t1", true, nil, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.Duration > 0.1 {
		t.Fatalf("expected TASK_START report to mark the task active and reset StartedAt, got duration %.3fs", rec.Duration)
	}
}

func TestHealthz_ReturnsHealthy(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["healthy"] != true {
		t.Fatalf("expected healthy:true, got %v", out)
	}
}

func TestRunHeartbeatMonitor_FlagsStaleAgentUnresponsive(t *testing.T) {
	_, r, _, srv := newTestServerAndGateway(t)
	r.Register("A", []string{"general"}, 5)
	a := r.Agent("A")
	a.LastHeartbeat = time.Now().Add(-2 * time.Minute)

	srv.RunHeartbeatMonitor(60 * time.Second)

	if got := r.Agent("A").Status; got != model.AgentUnresponsive {
		t.Fatalf("expected unresponsive, got %v", got)
	}
}

func TestRunHeartbeatMonitor_LeavesFreshAgentAlone(t *testing.T) {
	_, r, _, srv := newTestServerAndGateway(t)
	r.Register("A", []string{"general"}, 5)

	srv.RunHeartbeatMonitor(60 * time.Second)

	if got := r.Agent("A").Status; got != model.AgentIdle {
		t.Fatalf("expected idle, got %v", got)
	}
}

func TestAuthorizeUpgrade_RejectsMissingToken(t *testing.T) {
	r := router.New(nil)
	b := bus.New()
	e := lifecycle.New(r, b, nil, nil)
	sc := sharedcontext.New(nil, nil)
	defer sc.Close()
	dash := dashboard.New(dashboard.ComposeSource(r, e), b)

	srv := gateway.New(gateway.Config{
		Router: r, Engine: e, SharedContext: sc, Dashboard: dash, Bus: b,
		Auth: config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "secret"}}},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL(ts.URL, "/ws/agent"), nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
}
