package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"postcast/internal/app"
	"postcast/internal/config"
)

var Version = "dev"

type rootFlags struct {
	config  string
	envFile []string
}

func main() {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "postcast",
		Short:         "Publish scheduled blog posts to a Telegram channel",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(f.envFile...)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.json", "path to config (json or yaml)")
	root.PersistentFlags().StringSliceVar(&f.envFile, "env", []string{".env"}, "dotenv files loaded before the config")

	serve := serveCmd(f)
	root.RunE = serve.RunE
	root.AddCommand(serve, scanCmd(f), publishCmd(f), migrateCmd(f))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan trigger, control API and operator bot (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, config.NewConfigManager(f.config))
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			select {
			case <-ctx.Done():
			case <-a.Done():
			}
			// The app context derives from ctx, so a signal closes both.
			reason := app.StopSignal
			if ctx.Err() == nil {
				reason = app.StopFatalError
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				a.Logger().Warn("shutdown incomplete")
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}
