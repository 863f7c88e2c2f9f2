// Package config provides configuration management for the vidmanual agent.
// Values are layered: defaults, then an optional TOML file, then a .env file,
// then the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort           = 8787
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "auto"
	DefaultDataDir        = ".vidmanual"
	DefaultBackendURL     = "http://localhost:8000"
	DefaultRequestTimeout = 0 // no deadline; analysis calls can run for minutes
	DefaultMaxUploadMB    = 500
	DefaultWizardURL      = "http://localhost:3000"

	// Environment variable names
	EnvPort           = "VIDMANUAL_PORT"
	EnvLogLevel       = "VIDMANUAL_LOG_LEVEL"
	EnvLogFormat      = "VIDMANUAL_LOG_FORMAT"
	EnvDataDir        = "VIDMANUAL_DATA_DIR"
	EnvBackendURL     = "VIDMANUAL_BACKEND_URL"
	EnvRequestTimeout = "VIDMANUAL_REQUEST_TIMEOUT"
	EnvMaxUploadMB    = "VIDMANUAL_MAX_UPLOAD_MB"
	EnvHeadless       = "VIDMANUAL_HEADLESS"
	EnvWizardURL      = "VIDMANUAL_WIZARD_URL"

	// Database filename
	DBFilename   = "vidmanual.db"
	LockFilename = "agent.lock"

	defaultConfigPath = "~/.config/vidmanual/config.toml"
	dotEnvFile        = ".env"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	CacheDir() string
	LockPath() string
	BackendURL() string
	RequestTimeout() time.Duration
	MaxUploadBytes() int64
	Headless() bool
	WizardURL() string
}

// fileConfig is the TOML layout.
type fileConfig struct {
	Backend struct {
		URL            string `toml:"url"`
		RequestTimeout string `toml:"request_timeout"`
		MaxUploadMB    int    `toml:"max_upload_mb"`
	} `toml:"backend"`
	Server struct {
		Port      int    `toml:"port"`
		Headless  bool   `toml:"headless"`
		WizardURL string `toml:"wizard_url"`
	} `toml:"server"`
	Paths struct {
		DataDir string `toml:"data_dir"`
	} `toml:"paths"`
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
}

// EnvConfig holds the resolved configuration
type EnvConfig struct {
	port           int
	logLevel       string
	logFormat      string
	dataDir        string
	backendURL     string
	requestTimeout time.Duration
	maxUploadMB    int
	headless       bool
	wizardURL      string

	configFile string
}

// New loads configuration from the default file location and the environment
func New() (*EnvConfig, error) {
	return Load("")
}

// Load resolves configuration. path names a TOML file; when empty the default
// location is tried and silently skipped if missing. An explicit path that
// does not exist is an error.
func Load(path string) (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:           DefaultPort,
		logLevel:       DefaultLogLevel,
		logFormat:      DefaultLogFormat,
		dataDir:        defaultDataDir(),
		backendURL:     DefaultBackendURL,
		requestTimeout: DefaultRequestTimeout,
		maxUploadMB:    DefaultMaxUploadMB,
		wizardURL:      DefaultWizardURL,
	}

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// .env never overrides variables already set in the environment
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", expanded, err)
	}
	c.configFile = expanded

	if fc.Backend.URL != "" {
		c.backendURL = fc.Backend.URL
	}
	if fc.Backend.RequestTimeout != "" {
		d, err := time.ParseDuration(fc.Backend.RequestTimeout)
		if err != nil {
			return fmt.Errorf("backend.request_timeout: %w", err)
		}
		c.requestTimeout = d
	}
	if fc.Backend.MaxUploadMB != 0 {
		c.maxUploadMB = fc.Backend.MaxUploadMB
	}
	if fc.Server.Port != 0 {
		c.port = fc.Server.Port
	}
	c.headless = fc.Server.Headless
	if fc.Server.WizardURL != "" {
		c.wizardURL = fc.Server.WizardURL
	}
	if fc.Paths.DataDir != "" {
		dir, err := ExpandPath(fc.Paths.DataDir)
		if err != nil {
			return fmt.Errorf("paths.data_dir: %w", err)
		}
		c.dataDir = dir
	}
	if fc.Logging.Level != "" {
		c.logLevel = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		c.logFormat = fc.Logging.Format
	}
	return nil
}

func (c *EnvConfig) loadEnv() error {
	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		c.logLevel = ll
	}
	if lf := os.Getenv(EnvLogFormat); lf != "" {
		c.logFormat = lf
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		dir, err := ExpandPath(dd)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDataDir, err)
		}
		c.dataDir = dir
	}

	if u := os.Getenv(EnvBackendURL); u != "" {
		c.backendURL = u
	}

	if t := os.Getenv(EnvRequestTimeout); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRequestTimeout, err)
		}
		c.requestTimeout = d
	}

	if m := os.Getenv(EnvMaxUploadMB); m != "" {
		mb, err := strconv.Atoi(m)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxUploadMB, err)
		}
		c.maxUploadMB = mb
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.headless = headless
	}

	if w := os.Getenv(EnvWizardURL); w != "" {
		c.wizardURL = w
	}
	return nil
}

func (c *EnvConfig) validate() error {
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.port)
	}

	u, err := url.Parse(c.backendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend url %q: must be an absolute http(s) URL", c.backendURL)
	}
	c.backendURL = strings.TrimRight(c.backendURL, "/")

	if w, err := url.Parse(c.wizardURL); err != nil || (w.Scheme != "http" && w.Scheme != "https") || w.Host == "" {
		return fmt.Errorf("invalid wizard url %q: must be an absolute http(s) URL", c.wizardURL)
	}

	if c.requestTimeout < 0 {
		return fmt.Errorf("invalid request timeout %s", c.requestTimeout)
	}
	if c.maxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size %d MB", c.maxUploadMB)
	}

	switch strings.ToLower(c.logFormat) {
	case "auto", "json", "text":
		c.logFormat = strings.ToLower(c.logFormat)
	default:
		return fmt.Errorf("invalid log format %q: want auto, json or text", c.logFormat)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// LogFormat returns auto, json or text
func (c *EnvConfig) LogFormat() string {
	return c.logFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CacheDir returns the directory downloaded exports are cached in
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

// LockPath returns the single-instance lock file path
func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, LockFilename)
}

// BackendURL returns the base URL of the manual-generation backend
func (c *EnvConfig) BackendURL() string {
	return c.backendURL
}

func (c *EnvConfig) RequestTimeout() time.Duration {
	return c.requestTimeout
}

func (c *EnvConfig) MaxUploadBytes() int64 {
	return int64(c.maxUploadMB) << 20
}

// Headless disables the system tray
func (c *EnvConfig) Headless() bool {
	return c.headless
}

// WizardURL is the browser wizard the tray opens
func (c *EnvConfig) WizardURL() string {
	return c.wizardURL
}

// ConfigFile returns the TOML file that was loaded, or "" if none
func (c *EnvConfig) ConfigFile() string {
	return c.configFile
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
