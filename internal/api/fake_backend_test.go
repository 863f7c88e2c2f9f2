package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/downloads"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

const testToken = "test-token-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTokens map[string]string

func (f fakeTokens) GetConfig(ctx context.Context, key string) (string, error) {
	return f[key], nil
}

// fakeBackend answers the manual-generation API from memory.
type fakeBackend struct {
	uploads   atomic.Int32
	exports   atomic.Int32
	downloads atomic.Int32
	failPlan  atomic.Bool
	failPDF   atomic.Bool

	mu   sync.Mutex
	plan *backend.ManualPlan
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{plan: &backend.ManualPlan{
		Title:       "Demo manual",
		SourceVideo: "demo.mp4",
		Steps: []backend.ManualStep{
			{Title: "Open the app", Narration: "Click the icon", Start: 0, End: 3, Selected: true},
			{Title: "Log in", Narration: "Enter your name", Start: 3, End: 7, Selected: true},
			{Title: "Done", Narration: "Close it", Start: 7, End: 9, Selected: false},
		},
	}}
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
	})
	mux.HandleFunc("POST /videos/upload", func(w http.ResponseWriter, r *http.Request) {
		b.uploads.Add(1)
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, file)
		WriteJSON(w, http.StatusOK, backend.VideoHandle{ID: "vid-1", Filename: header.Filename, SizeBytes: n})
	})
	mux.HandleFunc("GET /videos/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "vid-1" {
			WriteJSON(w, http.StatusNotFound, map[string]string{"detail": "Video not found"})
			return
		}
		WriteJSON(w, http.StatusOK, backend.VideoInfo{ID: "vid-1", Filename: "demo.mp4", SizeBytes: 2048, Path: "/data/uploads/vid-1.mp4"})
	})
	mux.HandleFunc("POST /process/transcribe/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, backend.ProcessStatus{VideoID: r.PathValue("id"), Status: "completed", Message: "3 segments"})
	})
	mux.HandleFunc("GET /process/transcribe/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, backend.Transcription{
			VideoFilename: "demo.mp4",
			DurationSec:   9,
			Segments:      []backend.TranscriptSegment{{Start: 0, End: 3, Text: "Click the icon"}},
		})
	})
	mux.HandleFunc("POST /process/scene-detect/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, backend.ProcessStatus{VideoID: r.PathValue("id"), Status: "completed", Message: "3 scenes"})
	})
	mux.HandleFunc("GET /process/scene-detect/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, backend.SceneDetectionResult{
			VideoFilename: "demo.mp4",
			Scenes:        []backend.SceneInfo{{Time: 0, FramePath: "frames/0.jpg"}},
		})
	})
	mux.HandleFunc("POST /manual/plan", func(w http.ResponseWriter, r *http.Request) {
		if b.failPlan.Load() {
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"detail": "model overloaded"})
			return
		}
		WriteJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("GET /manual/plan/{id}", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("PUT /manual/plan/{id}", func(w http.ResponseWriter, r *http.Request) {
		var plan backend.ManualPlan
		if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.plan = &plan
		b.mu.Unlock()
		WriteJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("POST /manual/apply-selection", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Selections map[string]bool `json:"selections"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		for i := range b.plan.Steps {
			b.plan.Steps[i].Selected = req.Selections[strconv.Itoa(i)]
		}
		b.mu.Unlock()
		WriteJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("POST /export/{format}", func(w http.ResponseWriter, r *http.Request) {
		b.exports.Add(1)
		format := r.PathValue("format")
		if format == "pdf" && b.failPDF.Load() {
			WriteJSON(w, http.StatusInternalServerError, map[string]string{"detail": "renderer crashed"})
			return
		}
		name := "manual.md"
		if format == "pdf" {
			name = "manual.pdf"
		}
		WriteJSON(w, http.StatusOK, backend.ExportResult{
			VideoID:     "vid-1",
			Format:      backend.Format(format),
			OutputPath:  "/data/exports/vid-1/" + name,
			DownloadURL: "/export/download/vid-1/" + name,
		})
	})
	mux.HandleFunc("GET /export/download/{id}/{name}", func(w http.ResponseWriter, r *http.Request) {
		b.downloads.Add(1)
		w.Header().Set("Content-Type", "text/markdown")
		io.WriteString(w, b.renderManual())
	})
	return mux
}

// renderManual lists the selected steps of the current plan.
func (b *fakeBackend) renderManual() string {
	plan := b.currentPlan()
	var sb strings.Builder
	sb.WriteString("# " + plan.Title + "\n\n")
	n := 0
	for _, step := range plan.Steps {
		if step.Selected {
			n++
			fmt.Fprintf(&sb, "%d. %s\n", n, step.Title)
		}
	}
	return sb.String()
}

func (b *fakeBackend) currentPlan() *backend.ManualPlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plan.Clone()
}

type testAgent struct {
	server  *httptest.Server
	backend *fakeBackend
	manager *workflow.Manager
	cancel  context.CancelFunc
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()

	fb := newFakeBackend()
	remote := httptest.NewServer(fb.handler())
	t.Cleanup(remote.Close)

	logger := testLogger()
	client := backend.NewHTTPClient(remote.URL, 5*time.Second, logger)
	manager := workflow.NewManager(client, nil, logger, workflow.ManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	router := NewRouter(ServerConfig{
		Manager:        manager,
		Health:         backend.NewCachedHealth(client, logger),
		BackendURL:     remote.URL,
		Downloads:      downloads.NewCache(client, t.TempDir(), logger),
		Tokens:         fakeTokens{AuthTokenKey: testToken},
		UploadDir:      t.TempDir(),
		MaxUploadBytes: 1 << 20,
		Logger:         logger,
		StartTime:      time.Now(),
		Version:        "test",
		Background:     ctx,
	})
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		server.Close()
		manager.Close()
	})

	return &testAgent{server: server, backend: fb, manager: manager, cancel: cancel}
}

func (a *testAgent) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, a.server.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testAgent) doJSON(t *testing.T, method, path string, in any) *http.Response {
	t.Helper()
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = strings.NewReader(string(b))
	}
	return a.do(t, method, path, body, "application/json")
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%q)", err, rr.Body.String())
	}
	return body
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func writeVideo(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake video bytes"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}

// createAnalyzedSession opens a session and waits until analysis is done.
func (a *testAgent) createAnalyzedSession(t *testing.T) workflow.SessionSnapshot {
	t.Helper()

	resp := a.doJSON(t, http.MethodPost, "/sessions", CreateSessionRequest{Path: writeVideo(t, "demo.mp4"), Title: "Demo"})
	expectStatus(t, resp, http.StatusCreated)
	var snap workflow.SessionSnapshot
	decodeInto(t, resp, &snap)

	resp = a.do(t, http.MethodPost, "/sessions/"+snap.ID+"/analyze", nil, "")
	expectStatus(t, resp, http.StatusAccepted)

	return a.waitForStage(t, snap.ID, workflow.StageDone)
}

func (a *testAgent) waitForStage(t *testing.T, id string, want workflow.Stage) workflow.SessionSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := a.manager.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", id, err)
		}
		snap := s.Snapshot()
		if snap.Pipeline.Stage == want {
			return snap
		}
		if snap.Pipeline.Stage.Terminal() {
			t.Fatalf("pipeline ended in %s (%s), want %s", snap.Pipeline.Stage, snap.Pipeline.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s", want)
	return workflow.SessionSnapshot{}
}
