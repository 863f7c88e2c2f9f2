package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

// writeWorkflowError maps workflow and gateway failures onto HTTP statuses.
func writeWorkflowError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	message := backend.MessageOf(err)
	if message == "" || errors.Is(err, workflow.ErrSessionNotFound) {
		message = err.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", "status", status, "error", err)
	}
	WriteError(w, status, message, code)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrSessionNotFound),
		errors.Is(err, workflow.ErrPlanNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, workflow.ErrExportInFlight),
		errors.Is(err, workflow.ErrPipelineRunning),
		errors.Is(err, workflow.ErrSubmitInFlight):
		return http.StatusConflict, "IN_PROGRESS"
	case errors.Is(err, workflow.ErrWrongPhase),
		errors.Is(err, workflow.ErrAnalysisIncomplete),
		errors.Is(err, workflow.ErrSelectionNotSubmitted),
		errors.Is(err, workflow.ErrNoPlanLoaded),
		errors.Is(err, workflow.ErrSessionClosed),
		errors.Is(err, workflow.ErrRunDiscarded):
		return http.StatusConflict, "OUT_OF_ORDER"
	case errors.Is(err, workflow.ErrStepOutOfRange):
		return http.StatusBadRequest, "BAD_REQUEST"
	}

	switch backend.KindOf(err) {
	case backend.KindValidation:
		return http.StatusBadRequest, "BAD_REQUEST"
	case backend.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case backend.KindProcessing:
		return http.StatusBadGateway, "PROCESSING_FAILED"
	case backend.KindTransport:
		return http.StatusBadGateway, "BACKEND_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
