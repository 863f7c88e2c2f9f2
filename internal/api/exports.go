package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/downloads"
)

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, ExportsResponse{Exports: s.ExportStatus()})
	}
}

// exportHandler renders one format and waits for the result. The backend
// call is not tied to the request so a closed tab does not lose a finished
// document.
func exportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		format, err := backend.ParseFormat(chi.URLParam(r, "format"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		var req ExportRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
		}

		result, err := s.Export(cfg.Background, format, req.Template)
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportResponse{
			Format:      format,
			DownloadURL: "/sessions/" + url.PathEscape(s.ID()) + "/exports/" + string(format) + "/download",
			Result:      *result,
		})
	}
}

func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		if cfg.Downloads == nil {
			WriteError(w, http.StatusServiceUnavailable, "downloads are not configured", "UNAVAILABLE")
			return
		}

		format, err := backend.ParseFormat(chi.URLParam(r, "format"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		result, ok := s.ExportResult(format)
		if !ok {
			WriteError(w, http.StatusNotFound, string(format)+" has not been exported", "NOT_FOUND")
			return
		}

		path, err := cfg.Downloads.Fetch(r.Context(), *result)
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		if err := downloads.ServeFile(w, r, path, result.Filename()); err != nil {
			cfg.Logger.Error("download error", "error", err, "session_id", s.ID(), "format", format)
		}
	}
}
