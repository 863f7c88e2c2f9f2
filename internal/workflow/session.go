package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/logging"
)

// Phase is the wizard page a session is on.
type Phase string

const (
	PhaseAnalyze Phase = "analyze"
	PhaseReview  Phase = "review"
	PhaseExport  Phase = "export"
)

var (
	ErrSessionClosed         = errors.New("session is closed")
	ErrAnalysisIncomplete    = errors.New("analysis has not completed")
	ErrSelectionNotSubmitted = errors.New("selection has not been submitted")
	ErrWrongPhase            = errors.New("operation not allowed in the current phase")
)

// SupportedVideoExtensions are the container types the backend accepts.
var SupportedVideoExtensions = map[string]bool{
	".mp4": true,
	".mov": true,
	".avi": true,
	".mkv": true,
}

// DefaultMaxUploadBytes mirrors the backend's upload limit.
const DefaultMaxUploadBytes int64 = 500 << 20

// ValidateUpload rejects files the backend would refuse, before any bytes are
// sent.
func ValidateUpload(filename string, size, maxBytes int64) error {
	const op = "upload video"
	ext := strings.ToLower(filepath.Ext(filename))
	if !SupportedVideoExtensions[ext] {
		return backend.NewValidationError(op, fmt.Sprintf("unsupported file type %q (use mp4, mov, avi or mkv)", ext))
	}
	if size <= 0 {
		return backend.NewValidationError(op, "file is empty")
	}
	if maxBytes > 0 && size > maxBytes {
		return backend.NewValidationError(op, fmt.Sprintf("file is %d MB, limit is %d MB", size>>20, maxBytes>>20))
	}
	return nil
}

// SessionGateway is everything a session needs from the backend.
type SessionGateway interface {
	Analyzer
	PlanGateway
	Exporter
	GetVideoInfo(ctx context.Context, videoID string) (*backend.VideoInfo, error)
	GetTranscription(ctx context.Context, videoID string) (*backend.Transcription, error)
	GetScenes(ctx context.Context, videoID string) (*backend.SceneDetectionResult, error)
}

// SessionSnapshot is what the browser and the store see of a session.
type SessionSnapshot struct {
	ID            string              `json:"id"`
	Video         backend.VideoHandle `json:"video"`
	Title         string              `json:"title,omitempty"`
	Phase         Phase               `json:"phase"`
	Pipeline      PipelineSnapshot    `json:"pipeline"`
	Exports       []FormatStatus      `json:"exports"`
	PlanLoaded    bool                `json:"plan_loaded"`
	StepCount     int                 `json:"step_count"`
	SelectedSteps int                 `json:"selected_steps"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Session is one review of one uploaded video. It exclusively owns the
// pipeline, selection model and export coordinator for that video.
type Session struct {
	id        string
	video     backend.VideoHandle
	title     string
	createdAt time.Time
	gateway   SessionGateway
	logger    *slog.Logger

	pipeline  *Pipeline
	selection *Selection
	exports   *ExportCoordinator

	mu        sync.Mutex
	phase     Phase
	closed    bool
	updatedAt time.Time
	listeners []func(SessionSnapshot)
}

// SessionState is the persisted part of a session used by RestoreSession.
type SessionState struct {
	ID        string
	Video     backend.VideoHandle
	Title     string
	Phase     Phase
	Pipeline  PipelineSnapshot
	Exports   []backend.ExportResult
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewSession(id string, video backend.VideoHandle, title string, gateway SessionGateway, logger *slog.Logger) *Session {
	now := time.Now()
	return newSession(SessionState{
		ID:        id,
		Video:     video,
		Title:     title,
		Phase:     PhaseAnalyze,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil, gateway, logger)
}

// RestoreSession rebuilds a session from persisted state. The plan is not
// fetched until it is asked for.
func RestoreSession(state SessionState, gateway SessionGateway, logger *slog.Logger) *Session {
	state.Pipeline.VideoID = state.Video.ID
	pl := RestorePipeline(gateway, state.Pipeline, state.Title, logger)
	s := newSession(state, pl, gateway, logger)
	for _, r := range state.Exports {
		s.exports.Restore(r)
	}
	return s
}

func newSession(state SessionState, pl *Pipeline, gateway SessionGateway, logger *slog.Logger) *Session {
	logger = logging.WithSessionID(logger, state.ID)
	if pl == nil {
		pl = NewPipeline(gateway, state.Video.ID, state.Title, logger)
	}
	if state.Phase == "" {
		state.Phase = PhaseAnalyze
	}

	s := &Session{
		id:        state.ID,
		video:     state.Video,
		title:     state.Title,
		createdAt: state.CreatedAt,
		gateway:   gateway,
		logger:    logger,
		pipeline:  pl,
		selection: NewSelection(gateway, logger),
		exports:   NewExportCoordinator(gateway, logger),
		phase:     state.Phase,
		updatedAt: state.UpdatedAt,
	}
	pl.OnChange(func(PipelineSnapshot) { s.changed() })
	s.exports.OnChange(func(FormatStatus) { s.changed() })
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Video() backend.VideoHandle {
	return s.video
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// OnChange registers fn to receive a snapshot whenever the session changes.
func (s *Session) OnChange(fn func(SessionSnapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	phase := s.phase
	updated := s.updatedAt
	s.mu.Unlock()

	sel := s.selection.Snapshot()
	snap := SessionSnapshot{
		ID:            s.id,
		Video:         s.video,
		Title:         s.title,
		Phase:         phase,
		Pipeline:      s.pipeline.Snapshot(),
		Exports:       s.exports.Status(),
		PlanLoaded:    sel.Plan != nil,
		SelectedSteps: sel.Selected(),
		CreatedAt:     s.createdAt,
		UpdatedAt:     updated,
	}
	if sel.Plan != nil {
		snap.StepCount = len(sel.Plan.Steps)
	}
	return snap
}

// Analyze starts the analysis pipeline in the background. It is only valid
// while the session is on the analyze page.
func (s *Session) Analyze(ctx context.Context) (<-chan error, error) {
	if err := s.requirePhase(PhaseAnalyze); err != nil {
		return nil, err
	}
	return s.pipeline.Start(ctx)
}

// RunAnalysis is Analyze but blocks until the pipeline finishes.
func (s *Session) RunAnalysis(ctx context.Context) error {
	if err := s.requirePhase(PhaseAnalyze); err != nil {
		return err
	}
	return s.pipeline.Run(ctx)
}

// VideoInfo asks the backend what it stored for the upload.
func (s *Session) VideoInfo(ctx context.Context) (*backend.VideoInfo, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.gateway.GetVideoInfo(ctx, s.video.ID)
}

func (s *Session) Transcription(ctx context.Context) (*backend.Transcription, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.gateway.GetTranscription(ctx, s.video.ID)
}

func (s *Session) Scenes(ctx context.Context) (*backend.SceneDetectionResult, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	return s.gateway.GetScenes(ctx, s.video.ID)
}

// LoadPlan fetches the plan and moves the session to review. Analysis must
// have reached done.
func (s *Session) LoadPlan(ctx context.Context) (SelectionSnapshot, error) {
	if err := s.requireOpen(); err != nil {
		return SelectionSnapshot{}, err
	}
	if st := s.pipeline.Stage(); st != StageDone {
		return SelectionSnapshot{}, fmt.Errorf("%w (stage %s)", ErrAnalysisIncomplete, st)
	}

	snap, err := s.selection.Load(ctx, s.video.ID)
	if err != nil {
		return SelectionSnapshot{}, err
	}

	s.mu.Lock()
	if s.phase == PhaseAnalyze {
		s.phase = PhaseReview
	}
	s.mu.Unlock()
	s.changed()
	return snap, nil
}

// Plan returns the working plan, loading it first if needed.
func (s *Session) Plan(ctx context.Context) (SelectionSnapshot, error) {
	if s.selection.Loaded() {
		if err := s.requireOpen(); err != nil {
			return SelectionSnapshot{}, err
		}
		return s.selection.Snapshot(), nil
	}
	return s.LoadPlan(ctx)
}

// Toggle flips one step. Changing the selection after a submit sends the
// session back to review.
func (s *Session) Toggle(index int) (bool, error) {
	if err := s.requireOpen(); err != nil {
		return false, err
	}
	if s.Phase() == PhaseAnalyze {
		return false, fmt.Errorf("%w: plan not loaded", ErrWrongPhase)
	}
	included, err := s.selection.Toggle(index)
	if err != nil {
		return false, err
	}
	s.backToReview()
	return included, nil
}

// SetSelections applies several flags at once. Indices not named keep their
// current value. If any index is out of range nothing changes.
func (s *Session) SetSelections(flags backend.SelectionMap) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	if s.Phase() == PhaseAnalyze {
		return fmt.Errorf("%w: plan not loaded", ErrWrongPhase)
	}
	if err := s.selection.SetMany(flags); err != nil {
		return err
	}
	s.backToReview()
	return nil
}

// UpdatePlan stores user edits of the plan and re-derives the selection.
func (s *Session) UpdatePlan(ctx context.Context, plan *backend.ManualPlan) (SelectionSnapshot, error) {
	if err := s.requireOpen(); err != nil {
		return SelectionSnapshot{}, err
	}
	if s.Phase() == PhaseAnalyze {
		return SelectionSnapshot{}, fmt.Errorf("%w: plan not loaded", ErrWrongPhase)
	}
	snap, err := s.selection.Update(ctx, s.video.ID, plan)
	if err != nil {
		return SelectionSnapshot{}, err
	}
	s.backToReview()
	return snap, nil
}

// SubmitSelection sends the selection and moves the session to export. A
// plan that was never loaded is loaded first, which needs analysis to be
// done. Every earlier export result belongs to the previous selection and is
// dropped.
func (s *Session) SubmitSelection(ctx context.Context) (SelectionSnapshot, error) {
	if err := s.requireOpen(); err != nil {
		return SelectionSnapshot{}, err
	}
	if !s.selection.Loaded() {
		if _, err := s.LoadPlan(ctx); err != nil {
			return SelectionSnapshot{}, err
		}
	}

	snap, err := s.selection.Submit(ctx, s.video.ID)
	if err != nil {
		return SelectionSnapshot{}, err
	}
	s.exports.Reset()

	s.mu.Lock()
	s.phase = PhaseExport
	s.mu.Unlock()
	s.changed()
	return snap, nil
}

// Export renders one format. The selection must have been submitted.
func (s *Session) Export(ctx context.Context, format backend.Format, template string) (*backend.ExportResult, error) {
	if err := s.requirePhase(PhaseExport); err != nil {
		return nil, err
	}
	return s.exports.Export(ctx, s.video.ID, format, template)
}

func (s *Session) ExportAll(ctx context.Context, template string, formats ...backend.Format) ([]ExportOutcome, error) {
	if err := s.requirePhase(PhaseExport); err != nil {
		return nil, err
	}
	return s.exports.ExportAll(ctx, s.video.ID, template, formats...)
}

func (s *Session) ExportResult(format backend.Format) (*backend.ExportResult, bool) {
	return s.exports.Result(format)
}

func (s *Session) ExportStatus() []FormatStatus {
	return s.exports.Status()
}

// Close discards every in-flight result. A closed session rejects all
// further operations.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listeners = nil
	s.mu.Unlock()

	s.pipeline.Discard()
	s.selection.Discard()
	s.exports.Discard()
	s.logger.Info("session closed")
}

func (s *Session) requireOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) requirePhase(want Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.phase != want {
		if want == PhaseExport {
			return ErrSelectionNotSubmitted
		}
		return fmt.Errorf("%w: session is in %s, want %s", ErrWrongPhase, s.phase, want)
	}
	return nil
}

func (s *Session) backToReview() {
	s.mu.Lock()
	if s.phase == PhaseExport {
		s.phase = PhaseReview
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Session) changed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.updatedAt = time.Now()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	if len(listeners) == 0 {
		return
	}
	notify(listeners, s.Snapshot())
}
