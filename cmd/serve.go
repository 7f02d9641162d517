package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vzahanych/storeguard/internal/app"
)

const shutdownTimeout = 30 * time.Second

func serveCommand(flags *globalFlags, info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the analytics engine and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("Starting storeguard",
				"version", info.Version,
				"build_time", info.BuildTime,
				"git_commit", info.GitCommit,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := app.New(ctx, cfg, log, info.Version)
			if err != nil {
				return err
			}

			startErr := engine.Start(ctx)
			if startErr != nil {
				log.Error("Failed to start services", "error", startErr)
			} else {
				<-ctx.Done()
				log.Info("Received shutdown signal")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := engine.Shutdown(shutdownCtx); err != nil {
				log.Error("Error during shutdown", "error", err)
				if startErr == nil {
					return err
				}
			}
			if startErr != nil {
				return startErr
			}

			log.Info("Shutdown complete")
			return nil
		},
	}
}

// Execute runs the root command until it returns
func Execute(info BuildInfo) int {
	if err := RootCommand(info).ExecuteContext(context.Background()); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 1
	}
	return 0
}
