package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/tokenguard/internal/stores/postgres"
)

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			// newApp already migrated when auto_migrate is on; running
			// again is a no-op.
			if err := postgres.Migrate(ctx, a.pool); err != nil {
				return err
			}
			version, err := postgres.MigrationVersion(ctx, a.pool)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}
