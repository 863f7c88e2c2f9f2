// Package backend is the typed boundary to the manual-generation backend.
// Each capability maps to exactly one HTTP request; failures are normalized
// into *RemoteError.
package backend

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Format is an export document format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// Formats lists every export format in display order.
var Formats = []Format{FormatMarkdown, FormatPDF}

// ParseFormat validates a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatMarkdown:
		return FormatMarkdown, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

// VideoHandle is returned by a successful upload and identifies the video in
// every later call.
type VideoHandle struct {
	ID          string   `json:"video_id"`
	Filename    string   `json:"filename"`
	SizeBytes   int64    `json:"size_bytes"`
	DurationSec *float64 `json:"duration_sec,omitempty"`
}

// VideoInfo is the backend's view of a stored upload.
type VideoInfo struct {
	ID        string `json:"video_id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path"`
}

const (
	ProcessStatusCompleted  = "completed"
	ProcessStatusProcessing = "processing"
	ProcessStatusFailed     = "failed"
)

// ProcessStatus is the reply of the transcribe and scene-detect calls.
type ProcessStatus struct {
	VideoID    string `json:"video_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	OutputPath string `json:"output_path,omitempty"`
}

type TranscriptSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

type Transcription struct {
	VideoFilename string              `json:"video_filename"`
	DurationSec   float64             `json:"duration_sec"`
	Segments      []TranscriptSegment `json:"segments"`
	Summary       string              `json:"summary,omitempty"`
}

type SceneInfo struct {
	Time      float64 `json:"time"`
	FramePath string  `json:"frame_path"`
}

type SceneDetectionResult struct {
	VideoFilename string      `json:"video_filename"`
	Scenes        []SceneInfo `json:"scenes"`
}

// ManualStep is one proposed step of the manual. Selected is the backend's
// own inclusion judgment.
type ManualStep struct {
	Title     string  `json:"title"`
	Narration string  `json:"narration"`
	Note      string  `json:"note,omitempty"`
	Image     string  `json:"image,omitempty"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Selected  bool    `json:"selected"`
}

type ManualPlan struct {
	Title       string       `json:"title"`
	SourceVideo string       `json:"source_video"`
	CreatedAt   Timestamp    `json:"created_at,omitzero"`
	Steps       []ManualStep `json:"steps"`
}

// Clone returns a deep copy so callers can't mutate a model's working plan.
func (p *ManualPlan) Clone() *ManualPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = append([]ManualStep(nil), p.Steps...)
	return &out
}

// SelectionMap maps a step index to its inclusion flag. It encodes as a JSON
// object keyed by the decimal index.
type SelectionMap map[int]bool

// Keys returns the indices in ascending order.
func (m SelectionMap) Keys() []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (m SelectionMap) Clone() SelectionMap {
	out := make(SelectionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExportResult describes one rendered document.
type ExportResult struct {
	VideoID     string `json:"video_id"`
	Format      Format `json:"format"`
	OutputPath  string `json:"output_path"`
	DownloadURL string `json:"download_url"`
}

// Filename is the last path element of the download URL.
func (r ExportResult) Filename() string {
	u := strings.TrimRight(r.DownloadURL, "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

type Health struct {
	Status string            `json:"status"`
	Config map[string]string `json:"config,omitempty"`
}

func (h Health) IsHealthy() bool {
	return h.Status == "healthy" || h.Status == "ok"
}

type createPlanRequest struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title,omitempty"`
}

type applySelectionRequest struct {
	VideoID    string       `json:"video_id"`
	Selections SelectionMap `json:"selections"`
}

type exportRequest struct {
	VideoID  string `json:"video_id"`
	Format   Format `json:"format"`
	Template string `json:"template,omitempty"`
}

// Timestamp accepts RFC 3339 as well as the zone-less ISO timestamps the
// backend writes for plan creation times.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, unquoted); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", unquoted)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
