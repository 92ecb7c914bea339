package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edgeproxy/internal/cli"
	"edgeproxy/internal/config"
	"edgeproxy/internal/gateway"
	"edgeproxy/internal/logging"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func defaultAdminURL() string {
	if v := os.Getenv("EDGECTL_ADMIN_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:9090"
}

func newRootCmd() *cobra.Command {
	var adminURL string

	rootCmd := &cobra.Command{
		Use:   "edgectl",
		Short: "Operate an edgeproxy gateway",
		Long: `edgectl manages the reputation lists of a running edgeproxy gateway
through its admin API, and runs request-event partition maintenance.

The admin API only answers trusted addresses, so run edgectl on the gateway
host or from a trusted network.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url", defaultAdminURL(), "Admin API base URL (env EDGECTL_ADMIN_URL)")

	blockCmd := &cobra.Command{
		Use:     "block <ip>",
		Short:   "Blacklist an address",
		Example: "  edgectl block 203.0.113.9 --reason SCANNER --country DE",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			country, _ := cmd.Flags().GetString("country")
			return cli.Block(cmd.OutOrStdout(), cli.NewAPIClient(adminURL), &cli.BlacklistRequest{
				IP:      args[0],
				Reason:  reason,
				Country: country,
			})
		},
	}
	blockCmd.Flags().String("reason", "", "Reason stored with the entry")
	blockCmd.Flags().String("country", "", "Two-letter country code")

	allowCmd := &cobra.Command{
		Use:   "allow <ip>",
		Short: "Allowlist an address and clear any block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			return cli.Allow(cmd.OutOrStdout(), cli.NewAPIClient(adminURL), &cli.AllowlistRequest{
				IP:   args[0],
				Note: note,
			})
		},
	}
	allowCmd.Flags().String("note", "", "Note stored with the entry")

	checkCmd := &cobra.Command{
		Use:   "check <ip>",
		Short: "Show the reputation of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Check(cmd.OutOrStdout(), cli.NewAPIClient(adminURL), args[0])
		},
	}

	maintainCmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one request-event partition maintenance pass",
		Long: `Connects to the database named by the gateway configuration (EDGE_CONFIG and
environment), ensures the current and next monthly partitions exist, drops
partitions older than the retention window and prunes the default partition.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, logFile, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logFile.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := gateway.Maintain(ctx, cfg, logger)
			cli.PrintReport(cmd.OutOrStdout(), report)
			return err
		},
	}

	rootCmd.AddCommand(blockCmd, allowCmd, checkCmd, maintainCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, cli.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
