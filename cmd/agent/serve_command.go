package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/vidmanual/vidmanual-agent/internal/api"
	"github.com/vidmanual/vidmanual-agent/internal/backend"
	"github.com/vidmanual/vidmanual-agent/internal/config"
	"github.com/vidmanual/vidmanual-agent/internal/downloads"
	"github.com/vidmanual/vidmanual-agent/internal/logging"
	"github.com/vidmanual/vidmanual-agent/internal/store"
	"github.com/vidmanual/vidmanual-agent/internal/ui"
	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

const (
	shutdownTimeout    = 10 * time.Second
	initialProbeBudget = 5 * time.Second
)

type serveOptions struct {
	headless bool
	out      io.Writer
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API server and system tray",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.out = cmd.OutOrStdout()
			return runServe(cmd.Context(), ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Run without the system tray")
	return cmd
}

func runServe(parent context.Context, cc *commandContext, opts serveOptions) error {
	startTime := time.Now()

	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}

	logger := logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
	logger.Info("starting vidmanual agent",
		"version", config.Version,
		"data_dir", logging.SanitizePath(cfg.DataDir()),
		"config_file", cfg.ConfigFile(),
	)

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another agent is already running (lock held at %s)", cfg.LockPath())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release instance lock", "error", err)
		}
	}()

	database, repo, err := cc.openStore(logger)
	if err != nil {
		return err
	}
	defer database.Close()

	authToken, err := ensureAuthToken(parent, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	printBanner(opts.out, cfg, authToken)

	client := backend.NewHTTPClient(cfg.BackendURL(), cfg.RequestTimeout(), logger)
	health := backend.NewCachedHealth(client, logger)

	probeCtx, probeCancel := context.WithTimeout(parent, initialProbeBudget)
	if snap, err := health.Refresh(probeCtx); err != nil {
		logger.Warn("initial backend probe failed", "backend_url", cfg.BackendURL(), "error", err)
	} else {
		logger.Info("backend reachable", "backend_url", cfg.BackendURL(), "status", snap.Health.Status)
	}
	probeCancel()

	manager := workflow.NewManager(client, repo, logger, workflow.ManagerOptions{
		MaxUploadBytes: cfg.MaxUploadBytes(),
	})
	defer manager.Close()

	if n, err := manager.Restore(parent); err != nil {
		logger.Warn("failed to restore sessions", "error", err)
	} else if n > 0 {
		logger.Info("restored sessions", "count", n)
	}

	uploadDir := filepath.Join(cfg.CacheDir(), "uploads")
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload dir: %w", err)
	}

	sigCtx, stopSignals := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	runCtx, quit := context.WithCancel(sigCtx)
	defer quit()

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Manager:        manager,
		Health:         health,
		BackendURL:     cfg.BackendURL(),
		Downloads:      downloads.NewCache(client, filepath.Join(cfg.CacheDir(), "exports"), logger),
		Tokens:         repo,
		AllowedOrigins: []string{originOf(cfg.WizardURL())},
		UploadDir:      uploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
		StartTime:      startTime,
		Version:        config.Version,
		Background:     runCtx,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Start()
	}()

	if opts.headless || cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Sessions: manager,
			Logger:   logger,
			OnOpen: func() error {
				return openBrowser(cfg.WizardURL())
			},
			OnQuit: quit,
		})
		go tray.Run()
		defer tray.Quit()
	}

	var result error
	select {
	case <-runCtx.Done():
		logger.Info("received shutdown request")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			result = err
		}
	}

	logger.Info("initiating graceful shutdown")
	quit()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete", "uptime", time.Since(startTime).Round(time.Second).String())
	return result
}

// ensureAuthToken returns the stored API token, generating one on first run.
func ensureAuthToken(ctx context.Context, repo store.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}
	return rotateAuthToken(ctx, repo)
}

// rotateAuthToken replaces the stored token. A running agent reads the token
// per request, so the old one stops working immediately.
func rotateAuthToken(ctx context.Context, repo store.Repository) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}
	return token, nil
}

// originOf reduces a URL to the scheme://host form browsers send in Origin.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func printBanner(w io.Writer, cfg *config.EnvConfig, authToken string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintf(w, "║  %-56s ║\n", "VIDMANUAL AGENT v"+config.Version)
	fmt.Fprintln(w, "╠═══════════════════════════════════════════════════════════╣")
	fmt.Fprintf(w, "║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Fprintf(w, "║  Backend:    %-44s ║\n", cfg.BackendURL())
	fmt.Fprintf(w, "║  Wizard:     %-44s ║\n", cfg.WizardURL())
	fmt.Fprintf(w, "║  Auth Token: %-44s ║\n", authToken)
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)
}
