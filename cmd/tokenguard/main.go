// Command tokenguard serves the token endpoints and manages signing keys and
// refresh records from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{
		configPath: os.Getenv("TOKENGUARD_CONFIG"),
	}

	root := &cobra.Command{
		Use:           "tokenguard",
		Short:         "Signing keys, bearer tokens, refresh rotation and request guards",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", flags.configPath, "YAML config file (env TOKENGUARD_CONFIG)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file loaded before env overrides (default ./.env if present)")

	root.AddCommand(
		newServeCmd(flags),
		newMigrateCmd(flags),
		newKeysCmd(flags),
		newTokensCmd(flags),
	)
	return root
}
