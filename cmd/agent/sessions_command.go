package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vidmanual/vidmanual-agent/internal/store"
)

const timeLayout = "2006-01-02 15:04"

func newSessionsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List persisted wizard sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.newLogger(os.Stderr)
			if err != nil {
				return err
			}
			database, repo, err := ctx.openStore(logger)
			if err != nil {
				return err
			}
			defer database.Close()

			records, err := repo.ListSessions(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "No sessions")
				return nil
			}
			fmt.Fprintln(out, renderSessions(records))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of sessions to show")
	return cmd
}

func renderSessions(records []*store.SessionRecord) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		name := rec.Title
		if name == "" {
			name = rec.Filename
		}
		rows = append(rows, []string{
			rec.ID,
			name,
			rec.Phase,
			rec.Stage,
			rec.Status,
			rec.UpdatedAt.Local().Format(timeLayout),
		})
	}
	return renderTable(
		[]string{"ID", "Video", "Phase", "Stage", "Status", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}
