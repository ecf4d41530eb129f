package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/tokenguard/internal/stores/postgres"
)

func newTokensCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Issue and revoke tokens for a user",
	}

	var tenantID string
	issue := &cobra.Command{
		Use:   "issue <user-id>",
		Short: "Issue a bearer and refresh token pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true, requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			pair, err := a.engine.IssueTokens(ctx, args[0], tenantID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"access_token":       pair.AccessToken,
				"access_expires_at":  pair.AccessExpiresAt,
				"refresh_token":      pair.RefreshToken,
				"refresh_expires_at": pair.RefreshExpiresAt,
			})
		},
	}
	issue.Flags().StringVar(&tenantID, "tenant", "", "tenant id embedded in the tokens")

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke-user <user-id>",
		Short: "Revoke every bearer and refresh token of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true, requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.RevokeAllForUser(ctx, args[0], reason); err != nil {
				return err
			}
			n, err := a.engine.RevokeRefresh(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked user %s, %d refresh tokens consumed\n", args[0], n)
			return nil
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "admin", "reason recorded in the audit trail")

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete refresh records that expired before now minus --older-than",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			n, err := postgres.NewRefreshStore(a.pool).PurgeExpired(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d refresh records\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "grace period after expiry")

	cmd.AddCommand(issue, revoke, purge)
	return cmd
}
