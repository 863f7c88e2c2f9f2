package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// fakeBackend is an in-memory manual-generation backend.
type fakeBackend struct {
	uploads   atomic.Int32
	downloads atomic.Int32
	failPDF   atomic.Bool

	mu   sync.Mutex
	plan backend.ManualPlan
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{plan: backend.ManualPlan{
		Title:       "Setup guide",
		SourceVideo: "demo.mp4",
		Steps: []backend.ManualStep{
			{Title: "Open the app", Start: 0, End: 3, Selected: true},
			{Title: "Log in", Start: 3, End: 7, Selected: true},
			{Title: "Wave goodbye", Start: 7, End: 9, Selected: true},
		},
	}}
	srv := httptest.NewServer(fb.handler())
	t.Cleanup(srv.Close)
	return fb, srv
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "healthy",
			"config": map[string]any{"whisper_model": "base", "scene_threshold": 27},
		})
	})
	mux.HandleFunc("POST /videos/upload", func(w http.ResponseWriter, r *http.Request) {
		b.uploads.Add(1)
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, file)
		writeJSON(w, http.StatusOK, backend.VideoHandle{ID: "vid-1", Filename: header.Filename, SizeBytes: n})
	})
	mux.HandleFunc("POST /process/transcribe/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.ProcessStatus{VideoID: r.PathValue("id"), Status: "completed"})
	})
	mux.HandleFunc("POST /process/scene-detect/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, backend.ProcessStatus{VideoID: r.PathValue("id"), Status: "completed"})
	})
	mux.HandleFunc("POST /manual/plan", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("GET /manual/plan/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, b.currentPlan())
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
		writeJSON(w, http.StatusOK, b.currentPlan())
	})
	mux.HandleFunc("POST /export/{format}", func(w http.ResponseWriter, r *http.Request) {
		format := r.PathValue("format")
		if format == "pdf" && b.failPDF.Load() {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "renderer crashed"})
			return
		}
		name := "manual.md"
		if format == "pdf" {
			name = "manual.pdf"
		}
		writeJSON(w, http.StatusOK, backend.ExportResult{
			VideoID:     "vid-1",
			Format:      backend.Format(format),
			OutputPath:  "/data/exports/vid-1/" + name,
			DownloadURL: "/export/download/vid-1/" + name,
		})
	})
	mux.HandleFunc("GET /export/download/{id}/{name}", func(w http.ResponseWriter, r *http.Request) {
		b.downloads.Add(1)
		io.WriteString(w, "contents of "+r.PathValue("name"))
	})
	return mux
}

func (b *fakeBackend) currentPlan() *backend.ManualPlan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plan.Clone()
}

func (b *fakeBackend) selected() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bool, len(b.plan.Steps))
	for i, s := range b.plan.Steps {
		out[i] = s.Selected
	}
	return out
}

// writeTestConfig points the agent at backendURL with a temporary data dir
// and clears environment overrides.
func writeTestConfig(t *testing.T, backendURL string) string {
	t.Helper()
	for _, key := range []string{
		config.EnvBackendURL, config.EnvDataDir, config.EnvPort, config.EnvLogLevel,
		config.EnvLogFormat, config.EnvRequestTimeout, config.EnvMaxUploadMB,
		config.EnvHeadless, config.EnvWizardURL,
	} {
		t.Setenv(key, "")
	}

	base := t.TempDir()
	body := "[backend]\nurl = \"" + backendURL + "\"\n\n" +
		"[paths]\ndata_dir = \"" + filepath.ToSlash(filepath.Join(base, "data")) + "\"\n\n" +
		"[logging]\nlevel = \"error\"\n"
	path := filepath.Join(base, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	return path
}
