package api

import (
	"time"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	UptimeS int64                  `json:"uptime_s"`
	Backend *BackendHealthResponse `json:"backend,omitempty"`
}

type BackendHealthResponse struct {
	URL         string `json:"url,omitempty"`
	Status      string `json:"status"`
	Healthy     bool   `json:"healthy"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

// CreateSessionRequest opens a session for a file already on this machine.
type CreateSessionRequest struct {
	Path  string `json:"path"`
	Title string `json:"title,omitempty"`
}

type SessionsResponse struct {
	Sessions []workflow.SessionSnapshot `json:"sessions"`
}

type AnalyzeResponse struct {
	SessionID string                    `json:"session_id"`
	Pipeline  workflow.PipelineSnapshot `json:"pipeline"`
}

type PlanResponse struct {
	Plan       *backend.ManualPlan  `json:"plan"`
	Selections backend.SelectionMap `json:"selections"`
	Selected   int                  `json:"selected"`
	Submitted  bool                 `json:"submitted"`
}

type ToggleResponse struct {
	Index    int  `json:"index"`
	Selected bool `json:"selected"`
}

// SelectionRequest optionally carries the final flags to apply before the
// selection is submitted.
type SelectionRequest struct {
	Selections backend.SelectionMap `json:"selections,omitempty"`
}

type ExportRequest struct {
	Template string `json:"template,omitempty"`
}

type ExportResponse struct {
	Format      backend.Format       `json:"format"`
	DownloadURL string               `json:"download_url"`
	Result      backend.ExportResult `json:"result"`
}

type ExportsResponse struct {
	Exports []workflow.FormatStatus `json:"exports"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func PlanToResponse(s workflow.SelectionSnapshot) PlanResponse {
	return PlanResponse{
		Plan:       s.Plan,
		Selections: s.Selections,
		Selected:   s.Selected(),
		Submitted:  s.Submitted,
	}
}

func BackendHealthToResponse(url string, snap *backend.HealthSnapshot, err error) *BackendHealthResponse {
	resp := &BackendHealthResponse{URL: url, Status: "unknown"}
	if snap != nil {
		resp.Status = snap.Health.Status
		resp.Healthy = snap.Health.IsHealthy()
		resp.LastProbeAt = snap.ProbedAt.Format(time.RFC3339)
	}
	if err != nil {
		resp.Error = backend.MessageOf(err)
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		if snap == nil {
			resp.Status = "unreachable"
		}
	}
	return resp
}
