package main

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/vidmanual/vidmanual-agent/internal/backend"
)

var errBackendUnhealthy = errors.New("backend is not healthy")

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the manual-generation backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.newLogger(os.Stderr)
			if err != nil {
				return err
			}
			client, err := ctx.backendClient(logger)
			if err != nil {
				return err
			}

			probe := backend.NewCachedHealth(client, logger)
			start := time.Now()
			snap, probeErr := probe.Refresh(cmd.Context())
			return writeHealth(cmd.OutOrStdout(), client.BaseURL(), snap, probeErr, time.Since(start))
		},
	}
}

func writeHealth(w io.Writer, baseURL string, snap *backend.HealthSnapshot, probeErr error, latency time.Duration) error {
	status := "unreachable"
	healthy := false
	if snap != nil {
		status = snap.Health.Status
		healthy = snap.Health.IsHealthy()
	}

	fmt.Fprintln(w, renderTable(
		[]string{"Backend", "Status", "Healthy", "Latency"},
		[][]string{{baseURL, status, yesNo(healthy), latency.Round(time.Millisecond).String()}},
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))

	if snap != nil && len(snap.Health.Config) > 0 {
		keys := slices.Sorted(maps.Keys(snap.Health.Config))
		rows := make([][]string, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, []string{k, snap.Health.Config[k]})
		}
		fmt.Fprintln(w, renderTable([]string{"Setting", "Value"}, rows, nil))
	}

	if probeErr != nil {
		return fmt.Errorf("%w: %v", errBackendUnhealthy, probeErr)
	}
	if !healthy {
		return fmt.Errorf("%w: status %q", errBackendUnhealthy, status)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
