package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway records calls in order and answers from canned data. Any fn
// hook overrides the default reply.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	uploadCalled     atomic.Int32
	transcribeCalled atomic.Int32
	scenesCalled     atomic.Int32
	planCalled       atomic.Int32
	getPlanCalled    atomic.Int32
	applyCalled      atomic.Int32
	updateCalled     atomic.Int32
	exportCalled     atomic.Int32

	plan          *backend.ManualPlan
	lastSelection backend.SelectionMap

	transcribeFn func(ctx context.Context, videoID string) (*backend.ProcessStatus, error)
	scenesFn     func(ctx context.Context, videoID string) (*backend.ProcessStatus, error)
	createPlanFn func(ctx context.Context, videoID, title string) (*backend.ManualPlan, error)
	getPlanFn    func(ctx context.Context, videoID string) (*backend.ManualPlan, error)
	exportFn     func(ctx context.Context, videoID string, format backend.Format) (*backend.ExportResult, error)
	beforeApply  func()
}

func newFakeGateway(steps ...bool) *fakeGateway {
	plan := &backend.ManualPlan{Title: "Demo manual", SourceVideo: "clip.mp4"}
	for i, sel := range steps {
		plan.Steps = append(plan.Steps, backend.ManualStep{
			Title:     fmt.Sprintf("Step %d", i+1),
			Narration: fmt.Sprintf("Do thing %d", i+1),
			Start:     float64(i * 2),
			End:       float64(i*2 + 2),
			Selected:  sel,
		})
	}
	return &fakeGateway{plan: plan}
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeGateway) UploadVideo(ctx context.Context, filename string, r io.Reader) (*backend.VideoHandle, error) {
	f.uploadCalled.Add(1)
	f.record("upload")
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	duration := 10.0
	return &backend.VideoHandle{ID: "vid-1", Filename: filename, SizeBytes: int64(len(data)), DurationSec: &duration}, nil
}

func (f *fakeGateway) Transcribe(ctx context.Context, videoID string) (*backend.ProcessStatus, error) {
	f.transcribeCalled.Add(1)
	f.record("transcribe:" + videoID)
	if f.transcribeFn != nil {
		return f.transcribeFn(ctx, videoID)
	}
	return &backend.ProcessStatus{VideoID: videoID, Status: backend.ProcessStatusCompleted, Message: "3 segments"}, nil
}

func (f *fakeGateway) DetectScenes(ctx context.Context, videoID string) (*backend.ProcessStatus, error) {
	f.scenesCalled.Add(1)
	f.record("scenes:" + videoID)
	if f.scenesFn != nil {
		return f.scenesFn(ctx, videoID)
	}
	return &backend.ProcessStatus{VideoID: videoID, Status: backend.ProcessStatusCompleted, Message: "4 scenes"}, nil
}

func (f *fakeGateway) CreatePlan(ctx context.Context, videoID, title string) (*backend.ManualPlan, error) {
	f.planCalled.Add(1)
	f.record("plan:" + videoID)
	if f.createPlanFn != nil {
		return f.createPlanFn(ctx, videoID, title)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan.Clone(), nil
}

func (f *fakeGateway) GetPlan(ctx context.Context, videoID string) (*backend.ManualPlan, error) {
	f.getPlanCalled.Add(1)
	f.record("get_plan:" + videoID)
	if f.getPlanFn != nil {
		return f.getPlanFn(ctx, videoID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan.Clone(), nil
}

func (f *fakeGateway) ApplySelection(ctx context.Context, videoID string, selections backend.SelectionMap) (*backend.ManualPlan, error) {
	f.applyCalled.Add(1)
	f.record("apply:" + videoID)
	if f.beforeApply != nil {
		f.beforeApply()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSelection = selections.Clone()
	for i, v := range selections {
		if i >= 0 && i < len(f.plan.Steps) {
			f.plan.Steps[i].Selected = v
		}
	}
	return f.plan.Clone(), nil
}

func (f *fakeGateway) UpdatePlan(ctx context.Context, videoID string, plan *backend.ManualPlan) (*backend.ManualPlan, error) {
	f.updateCalled.Add(1)
	f.record("update_plan:" + videoID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plan = plan.Clone()
	return f.plan.Clone(), nil
}

func (f *fakeGateway) Export(ctx context.Context, videoID string, format backend.Format, template string) (*backend.ExportResult, error) {
	f.exportCalled.Add(1)
	f.record("export:" + string(format))
	if f.exportFn != nil {
		return f.exportFn(ctx, videoID, format)
	}
	name := "manual.md"
	if format == backend.FormatPDF {
		name = "manual.pdf"
	}
	return &backend.ExportResult{
		VideoID:     videoID,
		Format:      format,
		OutputPath:  "/data/exports/" + videoID + "/" + name,
		DownloadURL: "/export/download/" + videoID + "/" + name,
	}, nil
}

func (f *fakeGateway) GetVideoInfo(ctx context.Context, videoID string) (*backend.VideoInfo, error) {
	f.record("get_video_info:" + videoID)
	return &backend.VideoInfo{ID: videoID, Filename: "clip.mp4", SizeBytes: 1024, Path: "/data/uploads/clip.mp4"}, nil
}

func (f *fakeGateway) GetTranscription(ctx context.Context, videoID string) (*backend.Transcription, error) {
	f.record("get_transcription:" + videoID)
	return &backend.Transcription{
		VideoFilename: "clip.mp4",
		DurationSec:   10,
		Segments:      []backend.TranscriptSegment{{Start: 0, End: 2, Text: "hello"}},
	}, nil
}

func (f *fakeGateway) GetScenes(ctx context.Context, videoID string) (*backend.SceneDetectionResult, error) {
	f.record("get_scenes:" + videoID)
	return &backend.SceneDetectionResult{
		VideoFilename: "clip.mp4",
		Scenes:        []backend.SceneInfo{{Time: 0, FramePath: "f0.jpg"}, {Time: 4, FramePath: "f1.jpg"}},
	}, nil
}

func processingError(op, msg string) error {
	return &backend.RemoteError{Op: op, Kind: backend.KindProcessing, StatusCode: 200, Message: msg}
}
