package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var rotate bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print the API token the wizard authenticates with",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.newLogger(io.Discard)
			if err != nil {
				return err
			}
			database, repo, err := ctx.openStore(logger)
			if err != nil {
				return err
			}
			defer database.Close()

			var token string
			if rotate {
				token, err = rotateAuthToken(cmd.Context(), repo)
			} else {
				token, err = ensureAuthToken(cmd.Context(), repo)
			}
			if err != nil {
				return fmt.Errorf("auth token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "Replace the token with a new one")
	return cmd
}
