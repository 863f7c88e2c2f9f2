// Package ui is the system tray menu of the agent.
package ui

import (
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"

	"github.com/vidmanual/vidmanual-agent/internal/workflow"
)

//go:embed icon.png
var iconBytes []byte

// SessionSource is what the tray shows.
type SessionSource interface {
	Count() int
	Latest() (workflow.SessionSnapshot, bool)
	Subscribe() (<-chan workflow.SessionSnapshot, func())
}

type Tray struct {
	sessions SessionSource
	logger   *slog.Logger

	statusItem   *systray.MenuItem
	sessionsItem *systray.MenuItem

	mu sync.Mutex

	onOpen func() error
	onQuit func()
	stop   func()
}

type TrayConfig struct {
	Sessions SessionSource
	Logger   *slog.Logger
	OnOpen   func() error
	OnQuit   func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		sessions: cfg.Sessions,
		logger:   cfg.Logger,
		onOpen:   cfg.OnOpen,
		onQuit:   cfg.OnQuit,
	}
}

// Run blocks on the tray event loop. It must be called from the main
// goroutine on macOS.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("VidManual")
	systray.SetTooltip("VidManual Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Latest session activity")
	t.statusItem.Disable()

	t.sessionsItem = systray.AddMenuItem(sessionsLabel(0), "Open sessions")
	t.sessionsItem.Disable()

	systray.AddSeparator()

	openItem := systray.AddMenuItem("Open Wizard", "Open the manual wizard in the browser")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit VidManual Agent")

	t.refresh()

	updates, cancel := t.sessions.Subscribe()
	t.mu.Lock()
	t.stop = cancel
	t.mu.Unlock()

	go func() {
		for range updates {
			t.refresh()
		}
	}()

	go func() {
		for {
			select {
			case <-openItem.ClickedCh:
				t.handleOpen()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	t.logger.Info("system tray exiting")
}

func (t *Tray) handleOpen() {
	if t.onOpen != nil {
		if err := t.onOpen(); err != nil {
			t.logger.Error("failed to open wizard", "error", err)
		}
	}
}

func (t *Tray) refresh() {
	latest, ok := t.sessions.Latest()
	status := "Idle"
	if ok {
		status = statusLine(latest)
	}
	count := t.sessions.Count()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusItem.SetTitle("Status: " + status)
	t.sessionsItem.SetTitle(sessionsLabel(count))
}

func (t *Tray) Quit() {
	systray.Quit()
}

func sessionsLabel(n int) string {
	if n == 1 {
		return "1 session"
	}
	return fmt.Sprintf("%d sessions", n)
}

const maxStatusRunes = 48

// statusLine summarizes a session for the tray menu.
func statusLine(s workflow.SessionSnapshot) string {
	var line string
	switch s.Phase {
	case workflow.PhaseReview:
		line = fmt.Sprintf("Reviewing plan (%d/%d steps)", s.SelectedSteps, s.StepCount)
	case workflow.PhaseExport:
		done := 0
		for _, e := range s.Exports {
			if e.State == workflow.ExportExporting {
				line = "Exporting " + string(e.Format) + "..."
				break
			}
			if e.State == workflow.ExportExported {
				done++
			}
		}
		if line == "" {
			line = fmt.Sprintf("Ready to export (%d/%d done)", done, len(s.Exports))
		}
	default:
		line = s.Pipeline.Status
		if s.Pipeline.Failed() {
			line = "Failed: " + line
		}
	}

	if r := []rune(line); len(r) > maxStatusRunes {
		line = string(r[:maxStatusRunes-3]) + "..."
	}
	return line
}
