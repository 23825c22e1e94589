package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/InfinityXOneSystems/safecrawl/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl job API and its workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("init services: %w", err)
			}
			defer a.Close()
			return a.ListenAndServe(cmd.Context())
		},
	}
}
