// Package workflow holds the per-session state machines: the analysis
// pipeline, the plan selection model and the export coordinator.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/logging"
)

type Stage string

const (
	StageIdle            Stage = "idle"
	StageTranscribing    Stage = "transcribing"
	StageDetectingScenes Stage = "detecting_scenes"
	StageCreatingPlan    Stage = "creating_plan"
	StageDone            Stage = "done"
	StageFailed          Stage = "failed"
)

// FallbackFailureMessage is shown when a failed stage carried no message.
const FallbackFailureMessage = "Processing failed"

var (
	ErrPipelineRunning = errors.New("analysis is already running")
	// ErrRunDiscarded is returned by a run whose results were dropped because
	// the pipeline was discarded or restarted while it was in flight.
	ErrRunDiscarded = errors.New("analysis run was discarded")
)

var stageStatus = map[Stage]string{
	StageIdle:            "Waiting to start",
	StageTranscribing:    "Transcribing audio...",
	StageDetectingScenes: "Detecting scenes...",
	StageCreatingPlan:    "Creating manual plan...",
	StageDone:            "Analysis complete",
}

// Terminal reports whether no further transition happens without a new Run.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// Analyzer is the slice of the gateway the pipeline drives.
type Analyzer interface {
	Transcribe(ctx context.Context, videoID string) (*backend.ProcessStatus, error)
	DetectScenes(ctx context.Context, videoID string) (*backend.ProcessStatus, error)
	CreatePlan(ctx context.Context, videoID, title string) (*backend.ManualPlan, error)
}

// PipelineSnapshot is an immutable view of the pipeline for display and
// persistence.
type PipelineSnapshot struct {
	VideoID     string            `json:"video_id"`
	Stage       Stage             `json:"stage"`
	Status      string            `json:"status"`
	FailedStage Stage             `json:"failed_stage,omitempty"`
	ErrorKind   backend.ErrorKind `json:"error_kind,omitempty"`
	Details     map[Stage]string  `json:"details,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (s PipelineSnapshot) Failed() bool {
	return s.Stage == StageFailed
}

type stageFunc func(ctx context.Context) (string, error)

// Pipeline runs transcribe, scene detection and plan creation in that order
// for one video. Each stage issues one call and the first failure halts the
// run.
type Pipeline struct {
	analyzer Analyzer
	videoID  string
	title    string
	logger   *slog.Logger

	mu          sync.Mutex
	stage       Stage
	failure     string
	failedStage Stage
	failureKind backend.ErrorKind
	details     map[Stage]string
	updatedAt   time.Time
	generation  uint64
	running     bool
	listeners   []func(PipelineSnapshot)
}

// NewPipeline returns an idle pipeline. title is passed to plan creation and
// may be empty.
func NewPipeline(analyzer Analyzer, videoID, title string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		analyzer:  analyzer,
		videoID:   videoID,
		title:     title,
		logger:    logging.WithVideoID(logger, videoID),
		stage:     StageIdle,
		details:   make(map[Stage]string),
		updatedAt: time.Now(),
	}
}

// RestorePipeline rebuilds a pipeline in a previously persisted state. It
// does not resume; a restored pipeline only runs again on an explicit Run.
func RestorePipeline(analyzer Analyzer, snap PipelineSnapshot, title string, logger *slog.Logger) *Pipeline {
	p := NewPipeline(analyzer, snap.VideoID, title, logger)
	p.stage = snap.Stage
	p.failedStage = snap.FailedStage
	p.failureKind = snap.ErrorKind
	if snap.Stage == StageFailed {
		p.failure = snap.Status
	}
	for k, v := range snap.Details {
		p.details[k] = v
	}
	if !snap.UpdatedAt.IsZero() {
		p.updatedAt = snap.UpdatedAt
	}
	return p
}

func (p *Pipeline) VideoID() string {
	return p.videoID
}

// OnChange registers fn to receive a snapshot after every transition. fn is
// called without the pipeline lock held.
func (p *Pipeline) OnChange(fn func(PipelineSnapshot)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *Pipeline) Snapshot() PipelineSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run executes the whole sequence and blocks until it reaches done or failed.
// It always starts over from transcription.
func (p *Pipeline) Run(ctx context.Context) error {
	gen, err := p.begin()
	if err != nil {
		return err
	}
	return p.execute(ctx, gen)
}

// Start is Run in the background. The returned channel receives the run's
// result and is then closed.
func (p *Pipeline) Start(ctx context.Context) (<-chan error, error) {
	gen, err := p.begin()
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- p.execute(ctx, gen)
	}()
	return done, nil
}

// Discard invalidates the current run. Whatever an in-flight call returns
// afterwards is dropped without touching state.
func (p *Pipeline) Discard() {
	p.mu.Lock()
	p.generation++
	p.running = false
	p.mu.Unlock()
}

func (p *Pipeline) begin() (uint64, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return 0, ErrPipelineRunning
	}
	p.generation++
	p.running = true
	gen := p.generation
	p.failure = ""
	p.failedStage = ""
	p.failureKind = ""
	p.details = make(map[Stage]string)
	p.mu.Unlock()
	return gen, nil
}

func (p *Pipeline) execute(ctx context.Context, gen uint64) error {
	stages := []struct {
		stage Stage
		run   stageFunc
	}{
		{StageTranscribing, p.transcribe},
		{StageDetectingScenes, p.detectScenes},
		{StageCreatingPlan, p.createPlan},
	}

	start := time.Now()
	p.logger.Info("analysis started")

	for _, s := range stages {
		if !p.transition(gen, s.stage, "", nil) {
			return ErrRunDiscarded
		}

		stageStart := time.Now()
		detail, err := s.run(ctx)
		if err != nil {
			p.logger.Warn("analysis stage failed", "stage", s.stage, "error", err)
			if !p.transition(gen, StageFailed, "", err) {
				return ErrRunDiscarded
			}
			return fmt.Errorf("%s: %w", s.stage, err)
		}

		if !p.transition(gen, s.stage, detail, nil) {
			return ErrRunDiscarded
		}
		p.logger.Info("analysis stage completed",
			"stage", s.stage,
			"duration_ms", time.Since(stageStart).Milliseconds(),
		)
	}

	if !p.transition(gen, StageDone, "", nil) {
		return ErrRunDiscarded
	}
	p.logger.Info("analysis completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context) (string, error) {
	status, err := p.analyzer.Transcribe(ctx, p.videoID)
	if err != nil {
		return "", err
	}
	return status.Message, nil
}

func (p *Pipeline) detectScenes(ctx context.Context) (string, error) {
	status, err := p.analyzer.DetectScenes(ctx, p.videoID)
	if err != nil {
		return "", err
	}
	return status.Message, nil
}

func (p *Pipeline) createPlan(ctx context.Context) (string, error) {
	plan, err := p.analyzer.CreatePlan(ctx, p.videoID, p.title)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d steps proposed", len(plan.Steps)), nil
}

// transition applies a state change if gen is still the active run. With a
// non-empty detail and no error it only records the detail for the current
// stage. It reports false when the run is stale.
func (p *Pipeline) transition(gen uint64, stage Stage, detail string, err error) bool {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		p.logger.Debug("dropping stale analysis result", "stage", stage)
		return false
	}

	switch {
	case err != nil:
		p.failedStage = p.stage
		p.stage = StageFailed
		p.failure = backend.MessageOf(err)
		if p.failure == "" {
			p.failure = FallbackFailureMessage
		}
		p.failureKind = backend.KindOf(err)
		p.running = false
	case detail != "":
		p.details[stage] = detail
	default:
		p.stage = stage
		if stage.Terminal() {
			p.running = false
		}
	}
	p.updatedAt = time.Now()

	snap := p.snapshotLocked()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

func (p *Pipeline) snapshotLocked() PipelineSnapshot {
	snap := PipelineSnapshot{
		VideoID:     p.videoID,
		Stage:       p.stage,
		Status:      stageStatus[p.stage],
		FailedStage: p.failedStage,
		ErrorKind:   p.failureKind,
		UpdatedAt:   p.updatedAt,
	}
	if p.stage == StageFailed {
		snap.Status = p.failure
		if snap.Status == "" {
			snap.Status = FallbackFailureMessage
		}
	}
	if len(p.details) > 0 {
		snap.Details = make(map[Stage]string, len(p.details))
		for k, v := range p.details {
			snap.Details[k] = v
		}
	}
	return snap
}
