package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/app"
	"github.com/JJ-Ju/multi-cli/internal/config"
	"github.com/JJ-Ju/multi-cli/internal/daemon"
	"github.com/JJ-Ju/multi-cli/internal/logging"
	"github.com/JJ-Ju/multi-cli/internal/version"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "multid",
		Short:   "multi-cli daemon service",
		Version: version.Full(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := app.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("provider initialization failed: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+time.Second)
				defer cancel()
				if err := rt.Close(shutdownCtx); err != nil {
					logger.Warn("runtime shutdown", zap.Error(err))
				}
			}()

			return daemon.NewServer(rt).Run(ctx)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: configs/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
