// Package main provides the schedgeup command, which scrapes users, schedules
// and event assignments from SchedgeUp and prints them as JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath  string
	metricsAddr string
	pretty      bool
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "schedgeup",
		Short: "Scrape users, schedules and assignments from SchedgeUp",
		Long: `Scrape users, schedules and assignments from SchedgeUp.

Credentials and the theatre come from the environment:
  THEATRE_ID         theatre whose data is scraped
  SCHEDGEUP_EMAIL    operator login
  SCHEDGEUP_PASS     operator password

Every command shares one logged-in browser page. Results are printed to
stdout as JSON; logs go to ~/.schedgeup/logs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Indent JSON output")

	rootCmd.AddCommand(usersCmd(opts))
	rootCmd.AddCommand(scheduleCmd(opts))
	rootCmd.AddCommand(eventsCmd(opts))
	rootCmd.AddCommand(syncCmd(opts))

	return rootCmd
}
