package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

func dialEvents(t *testing.T, agent *testAgent, id string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(agent.server.URL, "http") + "/sessions/" + url.PathEscape(id) + "/events"
	if header == nil {
		u += "?token=" + testToken
	}
	return websocket.DefaultDialer.Dial(u, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) SessionEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev SessionEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestEvents_StreamsAnalysisProgress(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.doJSON(t, http.MethodPost, "/sessions", CreateSessionRequest{Path: writeVideo(t, "demo.mp4")})
	expectStatus(t, resp, http.StatusCreated)
	var snap workflow.SessionSnapshot
	decodeInto(t, resp, &snap)

	conn, _, err := dialEvents(t, agent, snap.ID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readEvent(t, conn)
	if first.Type != EventSnapshot || first.Session.ID != snap.ID || first.Session.Pipeline.Stage != workflow.StageIdle {
		t.Fatalf("first event = %+v", first)
	}

	expectStatus(t, agent.do(t, http.MethodPost, "/sessions/"+snap.ID+"/analyze", nil, ""), http.StatusAccepted)

	seen := map[workflow.Stage]bool{}
	for !seen[workflow.StageDone] {
		ev := readEvent(t, conn)
		if ev.Type != EventUpdate {
			t.Fatalf("event type = %q, want update", ev.Type)
		}
		seen[ev.Session.Pipeline.Stage] = true
	}
	for _, st := range []workflow.Stage{workflow.StageTranscribing, workflow.StageDetectingScenes, workflow.StageCreatingPlan} {
		if !seen[st] {
			t.Errorf("stage %s never streamed; saw %v", st, seen)
		}
	}
}

func TestEvents_HeaderAuth(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.doJSON(t, http.MethodPost, "/sessions", CreateSessionRequest{Path: writeVideo(t, "demo.mp4")})
	expectStatus(t, resp, http.StatusCreated)
	var snap workflow.SessionSnapshot
	decodeInto(t, resp, &snap)

	conn, _, err := dialEvents(t, agent, snap.ID, http.Header{"Authorization": {"Bearer " + testToken}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Type != EventSnapshot {
		t.Fatalf("event = %+v", ev)
	}
}

func TestEvents_Rejections(t *testing.T) {
	agent := newTestAgent(t)

	_, resp, err := dialEvents(t, agent, "missing", nil)
	if err == nil {
		t.Fatal("expected dial error for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %v, want 404", resp)
	}

	_, resp, err = dialEvents(t, agent, "missing", http.Header{"Authorization": {"Bearer wrong"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v err = %v, want 401", resp, err)
	}
}

func TestEvents_ForeignOriginRefused(t *testing.T) {
	agent := newTestAgent(t)

	resp := agent.doJSON(t, http.MethodPost, "/sessions", CreateSessionRequest{Path: writeVideo(t, "demo.mp4")})
	expectStatus(t, resp, http.StatusCreated)
	var snap workflow.SessionSnapshot
	decodeInto(t, resp, &snap)

	header := http.Header{
		"Authorization": {"Bearer " + testToken},
		"Origin":        {"https://evil.com"},
	}
	_, wsResp, err := dialEvents(t, agent, snap.ID, header)
	if err == nil {
		t.Fatal("expected dial error for foreign origin")
	}
	if wsResp == nil || wsResp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %v, want 403", wsResp)
	}
}
