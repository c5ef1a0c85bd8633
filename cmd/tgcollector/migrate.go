package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/tgcollector/internal/migrate"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			apply := migrate.Up
			if down {
				apply = migrate.Down
			}
			v, err := apply(cmd.Context(), opts.cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			opts.log.Info("migrations applied", zap.Int64("version", v), zap.Bool("down", down))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return err
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}
