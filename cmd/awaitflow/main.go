// Command awaitflow runs the HelloAwait sample, serves the HTTP API and
// inspects stored executions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "awaitflow",
		Short:         "Durable wait-for-condition workflows",
		Long:          "awaitflow hosts workflows that wait for a signal-driven condition with a timeout, and survive restarts.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("db", "", "SQLite DSN (overrides AWAITFLOW_DB)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides AWAITFLOW_LOG_LEVEL)")
	rootCmd.PersistentFlags().String("log-format", "", "pretty, json or text (overrides AWAITFLOW_LOG_FORMAT)")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newVerifyCommand())
	return rootCmd
}
