package ui

import (
	"strings"
	"testing"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

func TestStatusLine(t *testing.T) {
	tests := []struct {
		name string
		snap workflow.SessionSnapshot
		want string
	}{
		{
			name: "analyzing",
			snap: workflow.SessionSnapshot{
				Phase:    workflow.PhaseAnalyze,
				Pipeline: workflow.PipelineSnapshot{Stage: workflow.StageTranscribing, Status: "Transcribing audio..."},
			},
			want: "Transcribing audio...",
		},
		{
			name: "failed",
			snap: workflow.SessionSnapshot{
				Phase:    workflow.PhaseAnalyze,
				Pipeline: workflow.PipelineSnapshot{Stage: workflow.StageFailed, Status: "whisper crashed"},
			},
			want: "Failed: whisper crashed",
		},
		{
			name: "review",
			snap: workflow.SessionSnapshot{Phase: workflow.PhaseReview, StepCount: 5, SelectedSteps: 3},
			want: "Reviewing plan (3/5 steps)",
		},
		{
			name: "exporting",
			snap: workflow.SessionSnapshot{
				Phase: workflow.PhaseExport,
				Exports: []workflow.FormatStatus{
					{Format: backend.FormatMarkdown, State: workflow.ExportExported},
					{Format: backend.FormatPDF, State: workflow.ExportExporting},
				},
			},
			want: "Exporting pdf...",
		},
		{
			name: "export idle",
			snap: workflow.SessionSnapshot{
				Phase: workflow.PhaseExport,
				Exports: []workflow.FormatStatus{
					{Format: backend.FormatMarkdown, State: workflow.ExportExported},
					{Format: backend.FormatPDF, State: workflow.ExportNotExported},
				},
			},
			want: "Ready to export (1/2 done)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusLine(tc.snap); got != tc.want {
				t.Errorf("statusLine() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStatusLine_Truncates(t *testing.T) {
	snap := workflow.SessionSnapshot{
		Pipeline: workflow.PipelineSnapshot{Stage: workflow.StageFailed, Status: strings.Repeat("x", 100)},
	}
	got := statusLine(snap)
	if len([]rune(got)) != maxStatusRunes || !strings.HasSuffix(got, "...") {
		t.Errorf("statusLine() = %q (%d runes)", got, len([]rune(got)))
	}
}

func TestSessionsLabel(t *testing.T) {
	if got := sessionsLabel(1); got != "1 session" {
		t.Errorf("sessionsLabel(1) = %q", got)
	}
	if got := sessionsLabel(3); got != "3 sessions" {
		t.Errorf("sessionsLabel(3) = %q", got)
	}
}
