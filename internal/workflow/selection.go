package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

var (
	ErrPlanNotFound   = errors.New("no manual plan exists for this video yet")
	ErrNoPlanLoaded   = errors.New("no plan loaded")
	ErrStepOutOfRange = errors.New("step index out of range")
	ErrSubmitInFlight = errors.New("selection is being submitted")
)

// PlanGateway is the slice of the gateway the selection model uses.
type PlanGateway interface {
	GetPlan(ctx context.Context, videoID string) (*backend.ManualPlan, error)
	ApplySelection(ctx context.Context, videoID string, selections backend.SelectionMap) (*backend.ManualPlan, error)
	UpdatePlan(ctx context.Context, videoID string, plan *backend.ManualPlan) (*backend.ManualPlan, error)
}

// SelectionSnapshot is the working plan plus the local inclusion flags.
type SelectionSnapshot struct {
	Plan       *backend.ManualPlan  `json:"plan"`
	Selections backend.SelectionMap `json:"selections"`
	Submitted  bool                 `json:"submitted"`
}

// Selected counts the steps currently flagged for inclusion.
func (s SelectionSnapshot) Selected() int {
	n := 0
	for _, v := range s.Selections {
		if v {
			n++
		}
	}
	return n
}

// Selection owns one session's working plan and its selection map. The map
// is keyed by step position in the plan as last returned by the backend and
// always holds exactly one entry per step.
type Selection struct {
	gateway PlanGateway
	logger  *slog.Logger

	mu         sync.Mutex
	plan       *backend.ManualPlan
	selections backend.SelectionMap
	submitted  bool
	submitting bool
	generation uint64
}

func NewSelection(gateway PlanGateway, logger *slog.Logger) *Selection {
	return &Selection{
		gateway:    gateway,
		logger:     logger,
		selections: make(backend.SelectionMap),
	}
}

// Load fetches the current plan and replaces the working state with it.
func (s *Selection) Load(ctx context.Context, videoID string) (SelectionSnapshot, error) {
	gen := s.currentGeneration()

	plan, err := s.gateway.GetPlan(ctx, videoID)
	if err != nil {
		if backend.IsNotFound(err) {
			return SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrPlanNotFound, err)
		}
		return SelectionSnapshot{}, fmt.Errorf("load plan: %w", err)
	}

	snap, ok := s.adopt(gen, plan, false)
	if !ok {
		return SelectionSnapshot{}, ErrRunDiscarded
	}
	s.logger.Info("plan loaded", "video_id", videoID, "steps", len(plan.Steps))
	return snap, nil
}

// Toggle flips the inclusion flag of step index. It is purely local.
func (s *Selection) Toggle(index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIndexLocked(index); err != nil {
		return false, err
	}
	s.selections[index] = !s.selections[index]
	s.submitted = false
	return s.selections[index], nil
}

// SetMany assigns several inclusion flags. Every index is checked first, so
// a rejected call changes nothing.
func (s *Selection) SetMany(flags backend.SelectionMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range flags.Keys() {
		if err := s.checkIndexLocked(i); err != nil {
			return err
		}
	}
	for i, include := range flags {
		if s.selections[i] != include {
			s.selections[i] = include
			s.submitted = false
		}
	}
	return nil
}

// checkIndexLocked reports whether step index may be edited now.
func (s *Selection) checkIndexLocked(index int) error {
	if s.plan == nil {
		return ErrNoPlanLoaded
	}
	if s.submitting {
		return ErrSubmitInFlight
	}
	if index < 0 || index >= len(s.plan.Steps) {
		return fmt.Errorf("%w: %d (plan has %d steps)", ErrStepOutOfRange, index, len(s.plan.Steps))
	}
	return nil
}

// Submit sends the complete selection map and adopts the plan the backend
// returns. Steps are never filtered locally. Edits are refused until the
// backend answers.
func (s *Selection) Submit(ctx context.Context, videoID string) (SelectionSnapshot, error) {
	s.mu.Lock()
	if s.plan == nil {
		s.mu.Unlock()
		return SelectionSnapshot{}, ErrNoPlanLoaded
	}
	if s.submitting {
		s.mu.Unlock()
		return SelectionSnapshot{}, ErrSubmitInFlight
	}
	s.submitting = true
	payload := s.selections.Clone()
	gen := s.generation
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
	}()

	plan, err := s.gateway.ApplySelection(ctx, videoID, payload)
	if err != nil {
		if backend.IsNotFound(err) {
			return SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrPlanNotFound, err)
		}
		return SelectionSnapshot{}, fmt.Errorf("apply selection: %w", err)
	}

	snap, ok := s.adopt(gen, plan, true)
	if !ok {
		return SelectionSnapshot{}, ErrRunDiscarded
	}
	s.logger.Info("selection submitted",
		"video_id", videoID,
		"steps", len(payload),
		"selected", snap.Selected(),
	)
	return snap, nil
}

// Update replaces the backend's plan with an edited copy and adopts the
// result. It is how step titles and narration get corrected.
func (s *Selection) Update(ctx context.Context, videoID string, plan *backend.ManualPlan) (SelectionSnapshot, error) {
	if plan == nil {
		return SelectionSnapshot{}, backend.NewValidationError("update plan", "plan is required")
	}
	s.mu.Lock()
	if s.submitting {
		s.mu.Unlock()
		return SelectionSnapshot{}, ErrSubmitInFlight
	}
	gen := s.generation
	s.mu.Unlock()

	updated, err := s.gateway.UpdatePlan(ctx, videoID, plan)
	if err != nil {
		if backend.IsNotFound(err) {
			return SelectionSnapshot{}, fmt.Errorf("%w: %w", ErrPlanNotFound, err)
		}
		return SelectionSnapshot{}, fmt.Errorf("update plan: %w", err)
	}

	snap, ok := s.adopt(gen, updated, false)
	if !ok {
		return SelectionSnapshot{}, ErrRunDiscarded
	}
	return snap, nil
}

func (s *Selection) Snapshot() SelectionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Loaded reports whether a plan is held.
func (s *Selection) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan != nil
}

func (s *Selection) Submitted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// Discard drops results of calls still in flight.
func (s *Selection) Discard() {
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
}

func (s *Selection) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// adopt replaces the working plan and rebuilds the map from the steps'
// own selected flags.
func (s *Selection) adopt(gen uint64, plan *backend.ManualPlan, submitted bool) (SelectionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return SelectionSnapshot{}, false
	}

	s.plan = plan.Clone()
	s.selections = make(backend.SelectionMap, len(plan.Steps))
	for i, step := range plan.Steps {
		s.selections[i] = step.Selected
	}
	s.submitted = submitted
	return s.snapshotLocked(), true
}

func (s *Selection) snapshotLocked() SelectionSnapshot {
	return SelectionSnapshot{
		Plan:       s.plan.Clone(),
		Selections: s.selections.Clone(),
		Submitted:  s.submitted,
	}
}
