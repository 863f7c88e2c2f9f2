package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/config"
	"github.com/vidmanual/vidmanual-agent/internal/logging"
	"github.com/vidmanual/vidmanual-agent/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.EnvConfig
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

// ensureConfig loads the configuration once and creates the data and cache
// directories it names.
func (c *commandContext) ensureConfig() (*config.EnvConfig, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("failed to load config: %w", err)
			return
		}
		if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
			c.configErr = fmt.Errorf("failed to create data dir: %w", err)
			return
		}
		if err := os.MkdirAll(cfg.CacheDir(), 0755); err != nil {
			c.configErr = fmt.Errorf("failed to create cache dir: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// newLogger builds the process logger. One-shot commands log to stderr so
// their tables stay clean on stdout.
func (c *commandContext) newLogger(w io.Writer) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return logging.New(w, cfg.LogLevel(), cfg.LogFormat()), nil
}

func (c *commandContext) openStore(logger *slog.Logger) (*store.DB, *store.SQLiteRepository, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	database, err := store.New(cfg.DBPath(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, store.NewRepository(database.Conn()), nil
}

func (c *commandContext) backendClient(logger *slog.Logger) (*backend.HTTPClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return backend.NewHTTPClient(cfg.BackendURL(), cfg.RequestTimeout(), logger), nil
}
