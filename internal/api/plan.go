package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/export"
)

func getPlanHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}
		snap, err := s.Plan(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PlanToResponse(snap))
	}
}

func updatePlanHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		var plan backend.ManualPlan
		if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		snap, err := s.UpdatePlan(r.Context(), &plan)
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, PlanToResponse(snap))
	}
}

func toggleStepHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "step index must be an integer", "BAD_REQUEST")
			return
		}

		selected, err := s.Toggle(index)
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, ToggleResponse{Index: index, Selected: selected})
	}
}

func submitSelectionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		var req SelectionRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
				return
			}
		}

		if len(req.Selections) > 0 {
			if _, err := s.Plan(r.Context()); err != nil {
				writeWorkflowError(w, cfg.Logger, err)
				return
			}
			if err := s.SetSelections(req.Selections); err != nil {
				writeWorkflowError(w, cfg.Logger, err)
				return
			}
		}

		snap, err := s.SubmitSelection(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}
		// The backend renders every selection to the same file names.
		if cfg.Downloads != nil {
			if err := cfg.Downloads.Evict(s.Video().ID); err != nil {
				cfg.Logger.Warn("failed to evict cached exports", "video_id", s.Video().ID, "error", err)
			}
		}
		WriteJSON(w, http.StatusOK, PlanToResponse(snap))
	}
}

// planEDLHandler renders the currently selected steps as an edit decision
// list. The optional fps query parameter sets the timecode rate.
func planEDLHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := sessionFromRequest(cfg, w, r)
		if !ok {
			return
		}

		frameRate := export.DefaultFrameRate
		if v := r.URL.Query().Get("fps"); v != "" {
			fps, err := strconv.ParseFloat(v, 64)
			if err != nil || fps <= 0 || fps > 240 {
				WriteError(w, http.StatusBadRequest, "fps must be a positive number", "BAD_REQUEST")
				return
			}
			frameRate = fps
		}

		snap, err := s.Plan(r.Context())
		if err != nil {
			writeWorkflowError(w, cfg.Logger, err)
			return
		}

		clips := export.ClipsFromPlan(snap.Plan, snap.Selections)
		if len(clips) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "no selected step has a usable time range", "NO_CLIPS")
			return
		}

		title := snap.Plan.Title
		if title == "" {
			title = s.Snapshot().Title
		}
		filename := export.Filename(title, "manual", ".edl")

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(export.GenerateEDL(clips, export.SanitizeName(title, 120), frameRate)))
	}
}
