package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is used when no backend URL is configured.
	DefaultBaseURL = "http://localhost:8000"

	maxResponseBytes = 8 << 20
	maxErrorBytes    = 64 << 10

	requestIDHeader = "X-Request-Id"
)

// Gateway is the full set of backend capabilities the agent consumes.
type Gateway interface {
	UploadVideo(ctx context.Context, filename string, r io.Reader) (*VideoHandle, error)
	GetVideoInfo(ctx context.Context, videoID string) (*VideoInfo, error)
	Transcribe(ctx context.Context, videoID string) (*ProcessStatus, error)
	DetectScenes(ctx context.Context, videoID string) (*ProcessStatus, error)
	GetTranscription(ctx context.Context, videoID string) (*Transcription, error)
	GetScenes(ctx context.Context, videoID string) (*SceneDetectionResult, error)
	CreatePlan(ctx context.Context, videoID, title string) (*ManualPlan, error)
	ApplySelection(ctx context.Context, videoID string, selections SelectionMap) (*ManualPlan, error)
	GetPlan(ctx context.Context, videoID string) (*ManualPlan, error)
	UpdatePlan(ctx context.Context, videoID string, plan *ManualPlan) (*ManualPlan, error)
	Export(ctx context.Context, videoID string, format Format, template string) (*ExportResult, error)
	Download(ctx context.Context, videoID, filename string) (io.ReadCloser, error)
	Health(ctx context.Context) (*Health, error)
}

// HTTPClient talks to the backend over HTTP. It never retries and never
// caches.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient returns a client for baseURL. A zero timeout disables the
// per-request deadline; uploads and analysis calls can take minutes.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// ResolveURL turns a backend-relative path such as a download URL into an
// absolute URL. Absolute inputs are returned unchanged.
func (c *HTTPClient) ResolveURL(p string) string {
	if u, err := url.Parse(p); err == nil && u.IsAbs() {
		return p
	}
	return c.baseURL + "/" + strings.TrimLeft(p, "/")
}

func (c *HTTPClient) UploadVideo(ctx context.Context, filename string, r io.Reader) (*VideoHandle, error) {
	const op = "upload video"

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(filename)))
		h.Set("Content-Type", mimeFromExt(filepath.Ext(filename)))
		part, err := mw.CreatePart(h)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	c.logger.Info("uploading video to backend", "filename", filepath.Base(filename))

	var handle VideoHandle
	if err := c.do(ctx, op, http.MethodPost, "/videos/upload", pr, mw.FormDataContentType(), &handle); err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	if handle.ID == "" {
		return nil, &RemoteError{Op: op, Kind: KindProcessing, Message: "backend returned an empty video id"}
	}

	c.logger.Info("video uploaded", "video_id", handle.ID, "size_bytes", handle.SizeBytes)
	return &handle, nil
}

func (c *HTTPClient) GetVideoInfo(ctx context.Context, videoID string) (*VideoInfo, error) {
	var info VideoInfo
	if err := c.getJSON(ctx, "get video info", "/videos/"+url.PathEscape(videoID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *HTTPClient) Transcribe(ctx context.Context, videoID string) (*ProcessStatus, error) {
	return c.process(ctx, "transcribe", "/process/transcribe/"+url.PathEscape(videoID))
}

func (c *HTTPClient) DetectScenes(ctx context.Context, videoID string) (*ProcessStatus, error) {
	return c.process(ctx, "detect scenes", "/process/scene-detect/"+url.PathEscape(videoID))
}

// process issues one analysis call. The backend answers engine failures with
// HTTP 200 and status "failed"; that is reported as a processing error.
func (c *HTTPClient) process(ctx context.Context, op, p string) (*ProcessStatus, error) {
	var status ProcessStatus
	if err := c.do(ctx, op, http.MethodPost, p, nil, "", &status); err != nil {
		return nil, err
	}
	if status.Status == ProcessStatusFailed {
		return &status, &RemoteError{Op: op, Kind: KindProcessing, StatusCode: http.StatusOK, Message: status.Message}
	}
	return &status, nil
}

func (c *HTTPClient) GetTranscription(ctx context.Context, videoID string) (*Transcription, error) {
	var t Transcription
	if err := c.getJSON(ctx, "get transcription", "/process/transcribe/"+url.PathEscape(videoID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *HTTPClient) GetScenes(ctx context.Context, videoID string) (*SceneDetectionResult, error) {
	var s SceneDetectionResult
	if err := c.getJSON(ctx, "get scenes", "/process/scene-detect/"+url.PathEscape(videoID), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) CreatePlan(ctx context.Context, videoID, title string) (*ManualPlan, error) {
	var plan ManualPlan
	body := createPlanRequest{VideoID: videoID, Title: title}
	if err := c.postJSON(ctx, "create plan", http.MethodPost, "/manual/plan", body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *HTTPClient) ApplySelection(ctx context.Context, videoID string, selections SelectionMap) (*ManualPlan, error) {
	var plan ManualPlan
	body := applySelectionRequest{VideoID: videoID, Selections: selections}
	if err := c.postJSON(ctx, "apply selection", http.MethodPost, "/manual/apply-selection", body, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *HTTPClient) GetPlan(ctx context.Context, videoID string) (*ManualPlan, error) {
	var plan ManualPlan
	if err := c.getJSON(ctx, "get plan", "/manual/plan/"+url.PathEscape(videoID), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (c *HTTPClient) UpdatePlan(ctx context.Context, videoID string, plan *ManualPlan) (*ManualPlan, error) {
	var updated ManualPlan
	if err := c.postJSON(ctx, "update plan", http.MethodPut, "/manual/plan/"+url.PathEscape(videoID), plan, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *HTTPClient) Export(ctx context.Context, videoID string, format Format, template string) (*ExportResult, error) {
	op := "export " + string(format)
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, NewValidationError(op, err.Error())
	}

	var result ExportResult
	body := exportRequest{VideoID: videoID, Format: format, Template: template}
	if err := c.postJSON(ctx, op, http.MethodPost, "/export/"+string(format), body, &result); err != nil {
		return nil, err
	}
	if result.Format == "" {
		result.Format = format
	}
	return &result, nil
}

// Download streams an exported file. The caller must close the reader.
func (c *HTTPClient) Download(ctx context.Context, videoID, filename string) (io.ReadCloser, error) {
	const op = "download"
	p := path.Join("/export/download", url.PathEscape(videoID), url.PathEscape(filename))

	resp, err := c.send(ctx, op, http.MethodGet, p, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, statusError(op, resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var raw struct {
		Status string         `json:"status"`
		Config map[string]any `json:"config"`
	}
	if err := c.getJSON(ctx, "health", "/health", &raw); err != nil {
		return nil, err
	}
	h := &Health{Status: raw.Status, Config: make(map[string]string, len(raw.Config))}
	for k, v := range raw.Config {
		h.Config[k] = fmt.Sprint(v)
	}
	return h, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, op, p string, out any) error {
	return c.do(ctx, op, http.MethodGet, p, nil, "", out)
}

func (c *HTTPClient) postJSON(ctx context.Context, op, method, p string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &RemoteError{Op: op, Kind: KindValidation, Message: fmt.Sprintf("marshal request: %v", err), Err: err}
	}
	return c.do(ctx, op, method, p, bytes.NewReader(body), "application/json", out)
}

// do sends one request and decodes a 2xx JSON reply into out.
func (c *HTTPClient) do(ctx context.Context, op, method, p string, body io.Reader, contentType string, out any) error {
	resp, err := c.send(ctx, op, method, p, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		re := statusError(op, resp.StatusCode, respBody)
		c.logger.Warn("backend call failed",
			"op", op,
			"status", resp.StatusCode,
			"kind", re.Kind,
			"message", re.Message,
		)
		return re
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(op, fmt.Errorf("read response: %w", err))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &RemoteError{
			Op:         op,
			Kind:       KindProcessing,
			StatusCode: resp.StatusCode,
			Message:    "malformed response from backend",
			Err:        err,
		}
	}
	return nil
}

func (c *HTTPClient) send(ctx context.Context, op, method, p string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, body)
	if err != nil {
		return nil, transportError(op, fmt.Errorf("create request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend request failed", "op", op, "request_id", requestID, "error", err)
		return nil, transportError(op, err)
	}

	c.logger.Debug("backend request",
		"op", op,
		"method", method,
		"path", p,
		"status", resp.StatusCode,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	default:
		return "application/octet-stream"
	}
}
