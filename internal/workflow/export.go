package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

type ExportState string

const (
	ExportNotExported ExportState = "not_exported"
	ExportExporting   ExportState = "exporting"
	ExportExported    ExportState = "exported"
)

var ErrExportInFlight = errors.New("export already in progress for this format")

// Exporter is the slice of the gateway the coordinator drives.
type Exporter interface {
	Export(ctx context.Context, videoID string, format backend.Format, template string) (*backend.ExportResult, error)
}

// FormatStatus is the display state of one export format.
type FormatStatus struct {
	Format    backend.Format        `json:"format"`
	State     ExportState           `json:"state"`
	Result    *backend.ExportResult `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorKind backend.ErrorKind     `json:"error_kind,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ExportOutcome is the per-format result of ExportAll.
type ExportOutcome struct {
	Format backend.Format
	Result *backend.ExportResult
	Err    error
}

type exportSlot struct {
	state     ExportState
	result    *backend.ExportResult
	lastErr   error
	updatedAt time.Time
}

// ExportCoordinator tracks exports per format. At most one call per format
// is in flight, and a recorded result is kept until Reset.
type ExportCoordinator struct {
	exporter Exporter
	logger   *slog.Logger

	mu         sync.Mutex
	slots      map[backend.Format]*exportSlot
	generation uint64
	listeners  []func(FormatStatus)
}

func NewExportCoordinator(exporter Exporter, logger *slog.Logger) *ExportCoordinator {
	c := &ExportCoordinator{
		exporter: exporter,
		logger:   logger,
		slots:    make(map[backend.Format]*exportSlot, len(backend.Formats)),
	}
	for _, f := range backend.Formats {
		c.slots[f] = &exportSlot{state: ExportNotExported}
	}
	return c
}

// Restore seeds a previously recorded result. Formats that already hold one
// keep it.
func (c *ExportCoordinator) Restore(result backend.ExportResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[result.Format]
	if !ok || slot.result != nil {
		return
	}
	r := result
	slot.state = ExportExported
	slot.result = &r
	slot.updatedAt = time.Now()
}

// OnChange registers fn to receive a format's status after each change.
func (c *ExportCoordinator) OnChange(fn func(FormatStatus)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Export renders format once per round. If a result is already recorded it is
// returned without a new call, whatever template is passed; the template only
// shapes the first successful call after a Reset. If a call for the same
// format is in flight ErrExportInFlight is returned.
func (c *ExportCoordinator) Export(ctx context.Context, videoID string, format backend.Format, template string) (*backend.ExportResult, error) {
	c.mu.Lock()
	slot, ok := c.slots[format]
	if !ok {
		c.mu.Unlock()
		return nil, backend.NewValidationError("export", fmt.Sprintf("unsupported export format %q", format))
	}
	switch slot.state {
	case ExportExported:
		r := *slot.result
		c.mu.Unlock()
		return &r, nil
	case ExportExporting:
		c.mu.Unlock()
		return nil, ErrExportInFlight
	}
	slot.state = ExportExporting
	slot.lastErr = nil
	slot.updatedAt = time.Now()
	gen := c.generation
	status := c.statusLocked(format)
	listeners := c.copyListeners()
	c.mu.Unlock()
	notify(listeners, status)

	c.logger.Info("export started", "video_id", videoID, "format", format)
	start := time.Now()

	result, err := c.exporter.Export(ctx, videoID, format, template)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		c.logger.Debug("dropping stale export result", "video_id", videoID, "format", format)
		return nil, ErrRunDiscarded
	}
	slot.updatedAt = time.Now()
	if err != nil {
		slot.state = ExportNotExported
		slot.lastErr = err
	} else {
		stored := *result
		slot.state = ExportExported
		slot.result = &stored
	}
	status = c.statusLocked(format)
	listeners = c.copyListeners()
	c.mu.Unlock()
	notify(listeners, status)

	if err != nil {
		c.logger.Warn("export failed", "video_id", videoID, "format", format, "error", err)
		return nil, fmt.Errorf("export %s: %w", format, err)
	}
	c.logger.Info("export completed",
		"video_id", videoID,
		"format", format,
		"download_url", result.DownloadURL,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	r := *result
	return &r, nil
}

// ExportAll exports formats concurrently. A failure of one format does not
// stop the others.
func (c *ExportCoordinator) ExportAll(ctx context.Context, videoID, template string, formats ...backend.Format) ([]ExportOutcome, error) {
	if len(formats) == 0 {
		formats = backend.Formats
	}
	outcomes := make([]ExportOutcome, len(formats))

	var g errgroup.Group
	for i, f := range formats {
		g.Go(func() error {
			res, err := c.Export(ctx, videoID, f, template)
			outcomes[i] = ExportOutcome{Format: f, Result: res, Err: err}
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

// Status reports every format in display order.
func (c *ExportCoordinator) Status() []FormatStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]FormatStatus, 0, len(backend.Formats))
	for _, f := range backend.Formats {
		out = append(out, c.statusLocked(f))
	}
	return out
}

// Result returns the recorded result for format, if any.
func (c *ExportCoordinator) Result(format backend.Format) (*backend.ExportResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[format]
	if !ok || slot.result == nil {
		return nil, false
	}
	r := *slot.result
	return &r, true
}

// Discard drops the results of exports still in flight and frees their
// slots.
func (c *ExportCoordinator) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	for _, slot := range c.slots {
		if slot.state == ExportExporting {
			slot.state = ExportNotExported
		}
	}
}

// Reset forgets every recorded result and error and drops exports still in
// flight. It starts a new round after the selection behind the documents
// changed.
func (c *ExportCoordinator) Reset() {
	c.mu.Lock()
	c.generation++
	now := time.Now()
	statuses := make([]FormatStatus, 0, len(c.slots))
	for _, f := range backend.Formats {
		c.slots[f] = &exportSlot{state: ExportNotExported, updatedAt: now}
		statuses = append(statuses, c.statusLocked(f))
	}
	listeners := c.copyListeners()
	c.mu.Unlock()

	for _, st := range statuses {
		notify(listeners, st)
	}
}

func (c *ExportCoordinator) statusLocked(format backend.Format) FormatStatus {
	slot := c.slots[format]
	st := FormatStatus{
		Format:    format,
		State:     slot.state,
		UpdatedAt: slot.updatedAt,
	}
	if slot.result != nil {
		r := *slot.result
		st.Result = &r
	}
	if slot.lastErr != nil {
		st.Error = backend.MessageOf(slot.lastErr)
		if st.Error == "" {
			st.Error = slot.lastErr.Error()
		}
		st.ErrorKind = backend.KindOf(slot.lastErr)
	}
	return st
}

func (c *ExportCoordinator) copyListeners() []func(FormatStatus) {
	return slices.Clone(c.listeners)
}

func notify[T any](listeners []func(T), v T) {
	for _, fn := range listeners {
		fn(v)
	}
}
