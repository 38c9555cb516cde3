package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/woxQAQ/chart-worker/internal/config"
	"github.com/woxQAQ/chart-worker/internal/server"
)

var (
	transportMode string
	address       string
	extensionDirs []string
	watch         bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the worker protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		logger.Info("Starting chartworker",
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("date", date),
		)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		srv, err := server.NewServer(ctx, cfg, logger)
		if err != nil {
			return err
		}

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case sig := <-sigChan:
				logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()

		runErr := srv.Run(ctx)
		if err := srv.Close(context.Background()); err != nil {
			logger.Error("Failed to close server", zap.Error(err))
		}
		if runErr != nil {
			logger.Error("Server error", zap.Error(runErr))
			return runErr
		}
		logger.Info("Server shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&transportMode, "transport", "", "Transport (stdio, websocket)")
	serveCmd.Flags().StringVar(&address, "addr", "", "Websocket listen address")
	serveCmd.Flags().StringSliceVar(&extensionDirs, "extensions", nil, "Extension pack directories")
	serveCmd.Flags().BoolVar(&watch, "watch", false, "Reload extension packs when their files change")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the configuration and applies flags that were set.
func loadConfig(cmd *cobra.Command) (*config.WorkerConfig, error) {
	cfg, err := config.LoadWorkerConfig(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("transport") {
		cfg.Transport.Mode = transportMode
	}
	if flags.Changed("addr") {
		cfg.Transport.Address = address
	}
	if flags.Changed("extensions") {
		cfg.ExtensionPaths = extensionDirs
	}
	if flags.Changed("watch") {
		cfg.WatchExtensions = watch
	}
	return cfg, cfg.Validate()
}
