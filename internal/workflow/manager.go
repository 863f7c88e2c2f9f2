package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/store"
)

var ErrSessionNotFound = errors.New("session not found")

const (
	persistTimeout   = 5 * time.Second
	subscriberBuffer = 16
)

// ManagerGateway adds upload to what sessions need.
type ManagerGateway interface {
	SessionGateway
	UploadVideo(ctx context.Context, filename string, r io.Reader) (*backend.VideoHandle, error)
}

type ManagerOptions struct {
	MaxUploadBytes int64
}

// Manager owns every live session. Each session is an independent store of
// workflow state; nothing is shared between them.
type Manager struct {
	gateway  ManagerGateway
	repo     store.Repository
	logger   *slog.Logger
	maxBytes int64

	mu       sync.RWMutex
	sessions map[string]*Session

	subMu       sync.Mutex
	subscribers map[int]chan SessionSnapshot
	nextSubID   int
}

// NewManager returns a manager. repo may be nil, in which case nothing is
// persisted.
func NewManager(gateway ManagerGateway, repo store.Repository, logger *slog.Logger, opts ManagerOptions) *Manager {
	if opts.MaxUploadBytes == 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Manager{
		gateway:     gateway,
		repo:        repo,
		logger:      logger,
		maxBytes:    opts.MaxUploadBytes,
		sessions:    make(map[string]*Session),
		subscribers: make(map[int]chan SessionSnapshot),
	}
}

// Create validates and uploads a video, then opens a session for it. A
// rejected file never reaches the backend.
func (m *Manager) Create(ctx context.Context, filename string, size int64, r io.Reader, title string) (*Session, error) {
	if err := ValidateUpload(filename, size, m.maxBytes); err != nil {
		return nil, err
	}

	handle, err := m.gateway.UploadVideo(ctx, filename, r)
	if err != nil {
		return nil, err
	}

	s := NewSession(uuid.NewString(), *handle, title, m.gateway, m.logger)
	m.register(s)
	m.persist(s.Snapshot())

	m.logger.Info("session created",
		"session_id", s.ID(),
		"video_id", handle.ID,
		"filename", handle.Filename,
	)
	return s, nil
}

// CreateFromFile is Create for a local path.
func (m *Manager) CreateFromFile(ctx context.Context, path, title string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat video: %w", err)
	}
	if info.IsDir() {
		return nil, backend.NewValidationError("upload video", path+" is a directory")
	}
	return m.Create(ctx, path, info.Size(), f, title)
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns snapshots of every session, newest first.
func (m *Manager) List() []SessionSnapshot {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b SessionSnapshot) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Latest returns the most recently updated session.
func (m *Manager) Latest() (SessionSnapshot, bool) {
	var latest SessionSnapshot
	found := false
	for _, snap := range m.List() {
		if !found || snap.UpdatedAt.After(latest.UpdatedAt) {
			latest = snap
			found = true
		}
	}
	return latest, found
}

// Delete closes a session and forgets it.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.Close()
	if m.repo != nil {
		if err := m.repo.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	m.logger.Info("session deleted", "session_id", id)
	return nil
}

// Restore loads persisted sessions. Sessions already registered are left
// alone.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	recs, err := m.repo.ListSessions(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		m.mu.RLock()
		_, exists := m.sessions[rec.ID]
		m.mu.RUnlock()
		if exists {
			continue
		}

		exports, err := m.repo.ListExports(ctx, rec.ID)
		if err != nil {
			return restored, fmt.Errorf("list exports for %s: %w", rec.ID, err)
		}
		m.register(RestoreSession(stateFromRecord(rec, exports), m.gateway, m.logger))
		restored++
	}

	if restored > 0 {
		m.logger.Info("sessions restored", "count", restored)
	}
	return restored, nil
}

// Subscribe returns a channel of snapshots for every session change. Slow
// subscribers miss updates rather than block the workflow.
func (m *Manager) Subscribe() (<-chan SessionSnapshot, func()) {
	ch := make(chan SessionSnapshot, subscriberBuffer)

	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subscribers, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Close closes every session. Persisted state is kept.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) register(s *Session) {
	s.OnChange(func(snap SessionSnapshot) {
		m.persist(snap)
		m.publish(snap)
	})

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
}

func (m *Manager) publish(snap SessionSnapshot) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	for id, ch := range m.subscribers {
		select {
		case ch <- snap:
		default:
			m.logger.Debug("dropping session event for slow subscriber", "subscriber", id, "session_id", snap.ID)
		}
	}
}

func (m *Manager) persist(snap SessionSnapshot) {
	if m.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.repo.SaveSession(ctx, recordFromSnapshot(snap)); err != nil {
		m.logger.Warn("failed to persist session", "session_id", snap.ID, "error", err)
		return
	}
	var results []backend.ExportResult
	for _, st := range snap.Exports {
		if st.Result != nil {
			results = append(results, *st.Result)
		}
	}
	if err := m.repo.ReplaceExports(ctx, snap.ID, results); err != nil {
		m.logger.Warn("failed to persist export results", "session_id", snap.ID, "error", err)
	}
}

func recordFromSnapshot(snap SessionSnapshot) *store.SessionRecord {
	rec := &store.SessionRecord{
		ID:          snap.ID,
		VideoID:     snap.Video.ID,
		Filename:    snap.Video.Filename,
		SizeBytes:   snap.Video.SizeBytes,
		DurationSec: snap.Video.DurationSec,
		Title:       snap.Title,
		Phase:       string(snap.Phase),
		Stage:       string(snap.Pipeline.Stage),
		FailedStage: string(snap.Pipeline.FailedStage),
		Status:      snap.Pipeline.Status,
		ErrorKind:   string(snap.Pipeline.ErrorKind),
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}
	if len(snap.Pipeline.Details) > 0 {
		rec.Details = make(map[string]string, len(snap.Pipeline.Details))
		for k, v := range snap.Pipeline.Details {
			rec.Details[string(k)] = v
		}
	}
	return rec
}

func stateFromRecord(rec *store.SessionRecord, exports []backend.ExportResult) SessionState {
	pl := PipelineSnapshot{
		VideoID:     rec.VideoID,
		Stage:       Stage(rec.Stage),
		Status:      rec.Status,
		FailedStage: Stage(rec.FailedStage),
		ErrorKind:   backend.ErrorKind(rec.ErrorKind),
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.Details) > 0 {
		pl.Details = make(map[Stage]string, len(rec.Details))
		for k, v := range rec.Details {
			pl.Details[Stage(k)] = v
		}
	}

	return SessionState{
		ID: rec.ID,
		Video: backend.VideoHandle{
			ID:          rec.VideoID,
			Filename:    rec.Filename,
			SizeBytes:   rec.SizeBytes,
			DurationSec: rec.DurationSec,
		},
		Title:     rec.Title,
		Phase:     Phase(rec.Phase),
		Pipeline:  pl,
		Exports:   exports,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
