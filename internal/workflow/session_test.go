package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

func newTestSession(gw *fakeGateway) *Session {
	return NewSession("s1", backend.VideoHandle{ID: "vid-1", Filename: "clip.mp4", SizeBytes: 100}, "", gw, testLogger())
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		size     int64
		wantErr  bool
	}{
		{name: "mp4", filename: "clip.mp4", size: 1024},
		{name: "upper case extension", filename: "CLIP.MOV", size: 1024},
		{name: "mkv at limit", filename: "a.mkv", size: DefaultMaxUploadBytes},
		{name: "unsupported type", filename: "notes.txt", size: 10, wantErr: true},
		{name: "no extension", filename: "video", size: 10, wantErr: true},
		{name: "empty", filename: "a.avi", size: 0, wantErr: true},
		{name: "too large", filename: "a.mp4", size: DefaultMaxUploadBytes + 1, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUpload(tc.filename, tc.size, DefaultMaxUploadBytes)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateUpload(%q, %d) error = %v, wantErr %v", tc.filename, tc.size, err, tc.wantErr)
			}
			if err != nil && !backend.IsValidation(err) {
				t.Errorf("error kind = %q, want validation", backend.KindOf(err))
			}
		})
	}
}

func TestSession_EndToEnd(t *testing.T) {
	gw := newFakeGateway(true, true, false)
	s := newTestSession(gw)
	ctx := context.Background()

	if err := s.RunAnalysis(ctx); err != nil {
		t.Fatalf("RunAnalysis() error = %v", err)
	}
	if s.Snapshot().Pipeline.Stage != StageDone {
		t.Fatal("pipeline should be done")
	}

	plan, err := s.LoadPlan(ctx)
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if len(plan.Plan.Steps) < 1 {
		t.Fatal("plan should have at least one step")
	}
	if s.Phase() != PhaseReview {
		t.Errorf("phase = %s, want review", s.Phase())
	}

	if _, err := s.Toggle(0); err != nil {
		t.Fatalf("Toggle(0) error = %v", err)
	}
	if _, err := s.SubmitSelection(ctx); err != nil {
		t.Fatalf("SubmitSelection() error = %v", err)
	}
	if gw.lastSelection[0] {
		t.Error("step 0 should be submitted as excluded")
	}
	if s.Phase() != PhaseExport {
		t.Errorf("phase = %s, want export", s.Phase())
	}

	res, err := s.Export(ctx, backend.FormatMarkdown, "")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.DownloadURL == "" || !strings.Contains(res.DownloadURL, "vid-1") {
		t.Errorf("download url = %q, want one referencing vid-1", res.DownloadURL)
	}
}

func TestSession_FailureScenario(t *testing.T) {
	gw := newFakeGateway(true)
	gw.transcribeFn = func(ctx context.Context, videoID string) (*backend.ProcessStatus, error) {
		return nil, processingError("transcribe", "audio track missing")
	}
	s := newTestSession(gw)

	if err := s.RunAnalysis(context.Background()); err == nil {
		t.Fatal("expected analysis error")
	}

	snap := s.Snapshot()
	if !snap.Pipeline.Failed() {
		t.Fatalf("stage = %s, want failed", snap.Pipeline.Stage)
	}
	if snap.Pipeline.Status != "audio track missing" {
		t.Errorf("status = %q, want verbatim message", snap.Pipeline.Status)
	}
	if gw.scenesCalled.Load() != 0 {
		t.Error("scene detection must not be called")
	}

	if _, err := s.LoadPlan(context.Background()); !errors.Is(err, ErrAnalysisIncomplete) {
		t.Errorf("LoadPlan() after failure error = %v, want ErrAnalysisIncomplete", err)
	}
}

func TestSession_PhaseOrder(t *testing.T) {
	gw := newFakeGateway(true, true)
	s := newTestSession(gw)
	ctx := context.Background()

	if _, err := s.Toggle(0); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("Toggle() before review error = %v, want ErrWrongPhase", err)
	}
	if _, err := s.Export(ctx, backend.FormatMarkdown, ""); !errors.Is(err, ErrSelectionNotSubmitted) {
		t.Errorf("Export() before submit error = %v, want ErrSelectionNotSubmitted", err)
	}

	s.RunAnalysis(ctx)
	s.LoadPlan(ctx)
	if _, err := s.Export(ctx, backend.FormatMarkdown, ""); !errors.Is(err, ErrSelectionNotSubmitted) {
		t.Errorf("Export() in review error = %v, want ErrSelectionNotSubmitted", err)
	}
	if err := s.RunAnalysis(ctx); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("RunAnalysis() in review error = %v, want ErrWrongPhase", err)
	}

	s.SubmitSelection(ctx)
	s.Toggle(1)
	if s.Phase() != PhaseReview {
		t.Errorf("phase after post-submit toggle = %s, want review", s.Phase())
	}
	if gw.exportCalled.Load() != 0 {
		t.Error("no export should have reached the backend")
	}
}

func TestSession_SetSelections(t *testing.T) {
	gw := newFakeGateway(true, true, true)
	s := newTestSession(gw)
	ctx := context.Background()
	s.RunAnalysis(ctx)
	s.LoadPlan(ctx)

	if err := s.SetSelections(backend.SelectionMap{0: false, 2: false}); err != nil {
		t.Fatalf("SetSelections() error = %v", err)
	}
	snap := s.Snapshot()
	if snap.SelectedSteps != 1 || snap.StepCount != 3 {
		t.Errorf("selected = %d of %d, want 1 of 3", snap.SelectedSteps, snap.StepCount)
	}

	if err := s.SetSelections(backend.SelectionMap{1: false, 7: true}); !errors.Is(err, ErrStepOutOfRange) {
		t.Errorf("SetSelections(7) error = %v, want ErrStepOutOfRange", err)
	}
	if got := s.Snapshot().SelectedSteps; got != 1 {
		t.Errorf("selected after rejected call = %d, want 1", got)
	}
}

func TestSession_SubmitRightAfterAnalysis(t *testing.T) {
	gw := newFakeGateway(true, false)
	s := newTestSession(gw)
	ctx := context.Background()

	if _, err := s.SubmitSelection(ctx); !errors.Is(err, ErrAnalysisIncomplete) {
		t.Errorf("SubmitSelection() before analysis error = %v, want ErrAnalysisIncomplete", err)
	}

	s.RunAnalysis(ctx)
	snap, err := s.SubmitSelection(ctx)
	if err != nil {
		t.Fatalf("SubmitSelection() error = %v", err)
	}
	if !snap.Submitted || s.Phase() != PhaseExport {
		t.Errorf("submitted = %v phase = %s, want true/export", snap.Submitted, s.Phase())
	}
	if gw.getPlanCalled.Load() != 1 || gw.applyCalled.Load() != 1 {
		t.Errorf("get_plan = %d apply = %d, want 1/1", gw.getPlanCalled.Load(), gw.applyCalled.Load())
	}
}

func TestSession_ResubmitStartsFreshExports(t *testing.T) {
	gw := newFakeGateway(true, true)
	s := newTestSession(gw)
	ctx := context.Background()
	s.RunAnalysis(ctx)
	s.SubmitSelection(ctx)

	if _, err := s.Export(ctx, backend.FormatMarkdown, ""); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	s.Toggle(0)
	if _, err := s.SubmitSelection(ctx); err != nil {
		t.Fatalf("second SubmitSelection() error = %v", err)
	}
	if gw.lastSelection[0] {
		t.Error("second submit should send step 0 as excluded")
	}
	if _, ok := s.ExportResult(backend.FormatMarkdown); ok {
		t.Error("export of the previous selection must be dropped")
	}

	if _, err := s.Export(ctx, backend.FormatMarkdown, ""); err != nil {
		t.Fatalf("Export() after resubmit error = %v", err)
	}
	if gw.exportCalled.Load() != 2 {
		t.Errorf("backend export called %d times, want 2", gw.exportCalled.Load())
	}
}

func TestSession_VideoInfo(t *testing.T) {
	gw := newFakeGateway(true)
	s := newTestSession(gw)

	info, err := s.VideoInfo(context.Background())
	if err != nil {
		t.Fatalf("VideoInfo() error = %v", err)
	}
	if info.ID != "vid-1" || info.Filename != "clip.mp4" {
		t.Errorf("VideoInfo() = %+v", info)
	}
	if calls := gw.Calls(); len(calls) != 1 || calls[0] != "get_video_info:"+info.ID {
		t.Errorf("calls = %v", calls)
	}
}

func TestSession_CloseRejectsFurtherWork(t *testing.T) {
	gw := newFakeGateway(true)
	s := newTestSession(gw)

	var events int
	s.OnChange(func(SessionSnapshot) { events++ })
	s.Close()

	if err := s.RunAnalysis(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("RunAnalysis() after Close error = %v, want ErrSessionClosed", err)
	}
	if _, err := s.Transcription(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Transcription() after Close error = %v", err)
	}
	if events != 0 {
		t.Errorf("events after close = %d, want 0", events)
	}
}

func TestSession_OnChangeFires(t *testing.T) {
	gw := newFakeGateway(true)
	s := newTestSession(gw)

	var last SessionSnapshot
	var n int
	s.OnChange(func(snap SessionSnapshot) {
		last = snap
		n++
	})

	s.RunAnalysis(context.Background())
	if n == 0 {
		t.Fatal("expected change events during analysis")
	}
	if last.Pipeline.Stage != StageDone {
		t.Errorf("last event stage = %s, want done", last.Pipeline.Stage)
	}
}

func TestRestoreSession(t *testing.T) {
	gw := newFakeGateway(true, false)
	state := SessionState{
		ID:       "s1",
		Video:    backend.VideoHandle{ID: "vid-1", Filename: "clip.mp4"},
		Phase:    PhaseExport,
		Pipeline: PipelineSnapshot{Stage: StageDone},
		Exports: []backend.ExportResult{
			{VideoID: "vid-1", Format: backend.FormatMarkdown, DownloadURL: "/export/download/vid-1/manual.md"},
		},
	}
	s := RestoreSession(state, gw, testLogger())

	res, err := s.Export(context.Background(), backend.FormatMarkdown, "")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.DownloadURL != "/export/download/vid-1/manual.md" {
		t.Errorf("download url = %q", res.DownloadURL)
	}
	if gw.exportCalled.Load() != 0 {
		t.Error("restored result should be reused without a backend call")
	}

	plan, err := s.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(plan.Selections) != 2 {
		t.Errorf("selections = %v", plan.Selections)
	}
}
