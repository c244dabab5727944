package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/SkynetNext/zeroalloc/internal/config"
	"github.com/SkynetNext/zeroalloc/internal/logger"
	"github.com/SkynetNext/zeroalloc/internal/soak"
	"github.com/SkynetNext/zeroalloc/internal/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var soakInstance string

func init() {
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Run the soak workload until interrupted",
		Long: `The soak command leases root buffers, slices them into owner trees and
releases every claim in shuffled order across concurrent workers. It serves
/health, /ready and /metrics on the configured metrics port.

Example:
  zeroalloc soak --config config/config.yaml
  zeroalloc soak --instance soak-a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSoak(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&soakInstance, "instance", os.Getenv("POD_NAME"), "Instance name used in published stats")
	rootCmd.AddCommand(cmd)
}

func runSoak(parent context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// LOG_LEVEL overrides the configuration file
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if err := logger.Init(logLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.Tracing.Endpoint != "" {
		if err := tracing.Init("zeroalloc", version, cfg.Tracing.Endpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", cfg.Tracing.Endpoint))
		}
	}

	svc, err := soak.New(cfg, soakInstance)
	if err != nil {
		return fmt.Errorf("failed to create soak service: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start soak service: %w", err)
	}

	if cfg.ReloadInterval > 0 {
		reloader := config.NewHotReloadManager(cfg, svc.UpdateConfig)
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, cfg.ReloadInterval); err != nil && err != context.Canceled {
				logger.L.Error("Configuration watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("Soak service started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("config", configPath),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.L.Info("Received stop signal, starting graceful shutdown...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), svc.GetConfig().GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during soak service shutdown", zap.Error(err))
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Soak service closed")
	return nil
}
