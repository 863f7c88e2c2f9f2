// Package downloads keeps local copies of exported documents and serves them
// to the browser.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/export"
)

// Fetcher streams an exported file from the backend.
type Fetcher interface {
	Download(ctx context.Context, videoID, filename string) (io.ReadCloser, error)
}

// Cache downloads each export at most once into dir. Concurrent requests for
// the same file share one download.
type Cache struct {
	fetcher Fetcher
	dir     string
	logger  *slog.Logger
	group   singleflight.Group
}

func NewCache(fetcher Fetcher, dir string, logger *slog.Logger) *Cache {
	return &Cache{fetcher: fetcher, dir: dir, logger: logger}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Path is where the cached copy of result lives, whether or not it exists yet.
func (c *Cache) Path(result backend.ExportResult) (string, error) {
	name := result.Filename()
	if name == "" {
		return "", backend.NewValidationError("download", "export result has no download url")
	}
	videoDir := export.SanitizeName(result.VideoID, 80)
	if videoDir == "" || videoDir == "." || videoDir == ".." {
		return "", backend.NewValidationError("download", "export result has no video id")
	}
	return filepath.Join(c.dir, videoDir, export.Filename(name, string(result.Format), "")), nil
}

// Fetch returns the local path of result, downloading it first if needed.
func (c *Cache) Fetch(ctx context.Context, result backend.ExportResult) (string, error) {
	path, err := c.Path(result)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	_, err, shared := c.group.Do(path, func() (any, error) {
		return nil, c.download(ctx, result, path)
	})
	if err != nil {
		return "", err
	}
	if shared {
		c.logger.Debug("shared export download", "path", path)
	}
	return path, nil
}

// Evict removes every cached file of a video.
func (c *Cache) Evict(videoID string) error {
	videoDir := export.SanitizeName(videoID, 80)
	if videoDir == "" || videoDir == "." || videoDir == ".." {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(c.dir, videoDir)); err != nil {
		return fmt.Errorf("evict %s: %w", videoID, err)
	}
	return nil
}

func (c *Cache) download(ctx context.Context, result backend.ExportResult, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	body, err := c.fetcher.Download(ctx, result.VideoID, result.Filename())
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("finalize %s: %w", filepath.Base(path), err)
	}

	c.logger.Info("export cached",
		"video_id", result.VideoID,
		"format", result.Format,
		"bytes", n,
	)
	return nil
}
