package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/dpsgd"
	"github.com/absmach/dpsgd/cli"
	"github.com/spf13/cobra"
)

var logLevel slog.Level

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rootCmd := &cobra.Command{
		Use:   "dpsgd",
		Short: "Federated DP-SGD training",
		Long:  "Runs the arbiter, host and guest roles of a differentially private federated training job.",
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			logger := configureLogger(level)
			slog.SetDefault(logger)
			cli.SetLogger(logger)
		},
	}
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		cli.NewRoleCmd(dpsgd.RoleArbiter),
		cli.NewRoleCmd(dpsgd.RoleHost),
		cli.NewRoleCmd(dpsgd.RoleGuest),
		cli.NewSimulateCmd(),
		cli.NewPrivacyCmd(),
		cli.NewConfigCmd(),
	)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		slog.Info("Received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return rootCmd.ExecuteContext(ctx)
}

func configureLogger(level string) *slog.Logger {
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		log.Printf("Invalid log level: %s. Defaulting to info.\n", level)
		logLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})

	return slog.New(logHandler)
}
