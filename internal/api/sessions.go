package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

// multipartSlack covers form boundaries and small fields around the file.
const multipartSlack = 1 << 20

func sessionFromRequest(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*workflow.Session, bool) {
	s, err := cfg.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeWorkflowError(w, cfg.Logger, err)
		return nil, false
	}
	return s, true
}

func listSessionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, SessionsResponse{Sessions: cfg.Manager.List()})
	}
}

// createSessionHandler accepts either a multipart upload with a "file" part
// or a JSON body naming a local path.
func createSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var (
			s   *workflow.Session
			err error
		)
		switch mediaType {
		case "multipart/form-data":
			s, err = createFromUpload(cfg, w, r)
		case "application/json", "":
			var req CreateSessionRequest
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
			if strings.TrimSpace(req.Path) == "" {
				WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
				return
			}
			s, err = cfg.Manager.CreateFromFile(r.Context(), req.Path, req.Title)
		default:
			WriteError(w, http.StatusUnsupportedMediaType, "use multipart/form-data or application/json", "BAD_REQUEST")
			return
		}
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
				return
			}
			writeWorkflowError(w, cfg.Logger, err)
			return
		}

		WriteJSON(w, http.StatusCreated, s.Snapshot())
	}
}

// createFromUpload spools the file part to disk so its exact size is known
// before anything is sent to the backend.
func createFromUpload(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*workflow.Session, error) {
	const op = "upload video"
	if cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes+multipartSlack)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, backend.NewValidationError(op, "invalid multipart body")
	}

	title := r.URL.Query().Get("title")
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, backend.NewValidationError(op, "file part is required")
		}
		if err != nil {
			return nil, uploadReadError(op, err)
		}

		switch part.FormName() {
		case "title":
			b, err := io.ReadAll(io.LimitReader(part, 1024))
			if err != nil {
				return nil, uploadReadError(op, err)
			}
			title = strings.TrimSpace(string(b))
		case "file":
			filename := part.FileName()
			// Reject by extension before reading anything.
			if err := workflow.ValidateUpload(filename, 1, 0); err != nil {
				return nil, err
			}
			return spoolAndCreate(r.Context(), cfg, part, filename, title)
		}
		part.Close()
	}
}

func spoolAndCreate(ctx context.Context, cfg ServerConfig, part io.Reader, filename, title string) (*workflow.Session, error) {
	const op = "upload video"
	tmp, err := os.CreateTemp(cfg.UploadDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, part)
	if err != nil {
		return nil, uploadReadError(op, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	return cfg.Manager.Create(ctx, filename, size, tmp, title)
}

func uploadReadError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return backend.NewValidationError(op, fmt.Sprintf("file exceeds the %d MB limit", (tooLarge.Limit-multipartSlack)>>20))
	}
	return backend.NewValidationError(op, "could not read upload: "+err.Error())
}

func getSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, s.Snapshot())
	}
}

func deleteSessionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		videoID := s.Video().ID

		if err := cfg.Manager.Delete(r.Context(), s.ID()); err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		if cfg.Downloads != nil {
			if err := cfg.Downloads.Evict(videoID); err != nil {
				cfg.Logger.Warn("failed to evict cached exports", "video_id", videoID, "error", err)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// analyzeHandler starts the pipeline and returns at once; progress arrives
// over the events stream or by polling the session.
func analyzeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		if _, err := s.Analyze(cfg.Background); err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, AnalyzeResponse{
			SessionID: s.ID(),
			Pipeline:  s.Snapshot().Pipeline,
		})
	}
}

func videoInfoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		info, err := s.VideoInfo(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
	}
}

func transcriptionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		t, err := s.Transcription(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, t)
	}
}

func scenesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		scenes, err := s.Scenes(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, scenes)
	}
}
