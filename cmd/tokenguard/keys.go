package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrEthical07/tokenguard/keys"
)

func newKeysCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}

	rotate := &cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active key and start the overlap window of the old one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true, requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.RotateKeys(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "active key %s\n", res.NewKey.ID)
			for _, id := range res.DeprecatedKeyIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "rotating  %s\n", id)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every stored key with its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			ks, err := a.keys.List(ctx)
			if err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), ks)
		},
	}

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <kid>",
		Short: "Revoke a key on every instance immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true, requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.RevokeKey(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}
	revoke.Flags().StringVar(&reason, "reason", "compromised", "reason stored with the key")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Run one lifecycle pass: deprecate, delete and scheduled rotation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, appOptions{engine: true, requirePostgres: true})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.SweepKeys(ctx)
			if err != nil {
				return err
			}
			for _, id := range res.Deprecated {
				fmt.Fprintf(cmd.OutOrStdout(), "deprecated %s\n", id)
			}
			for _, id := range res.Deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted    %s\n", id)
			}
			if res.Rotated != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "rotated to %s\n", res.Rotated.NewKey.ID)
			}
			return nil
		},
	}

	cmd.AddCommand(rotate, list, revoke, sweep)
	return cmd
}

func printKeys(out io.Writer, ks []*keys.SigningKeyPair) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KID\tSTATUS\tCREATED\tEXPIRES\tISSUED")
	for _, k := range ks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n",
			k.ID, k.Status, formatTime(k.CreatedAt), formatTime(k.ExpiresAt), k.Usage.TokensIssued)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
