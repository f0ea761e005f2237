package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadenza-audio/cadenza/internal/backend"
	"github.com/cadenza-audio/cadenza/internal/config"
	"github.com/cadenza-audio/cadenza/internal/service"
	"github.com/cadenza-audio/cadenza/internal/storage"
	"github.com/cadenza-audio/cadenza/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the generation service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			level := slog.LevelInfo
			if verbose || cfg.LogLevel == "debug" {
				level = slog.LevelDebug
			}
			logger := telemetry.NewLogger(os.Stdout, level)
			metrics := telemetry.NewMetrics()

			store, err := buildStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			gen := backend.NewHTTPGenerator(backend.HTTPConfig{
				BaseURL: cfg.Backend.BaseURL,
				APIKey:  cfg.Backend.APIKey,
				Timeout: cfg.Backend.Timeout(),
			})
			logger.Info("backend configured",
				"base_url", cfg.Backend.BaseURL,
				"api_key", backend.MaskAPIKey(cfg.Backend.APIKey))

			core := service.New(cfg, gen, store, logger, metrics)
			if err := core.Start(); err != nil {
				return err
			}

			watcher, err := config.Watch(configFile, logger, core.ApplyConfig)
			if err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}

			server := service.NewServer(core, metrics,
				service.WithLogger(logger),
				service.WithAPIKey(cfg.APIKey))

			errCh := make(chan error, 1)
			go func() {
				if err := server.ListenAndServe(cfg.Listen); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig.String())
			case err := <-errCh:
				return err
			}

			// Stop intake first, then scheduled tasks, then drain workers.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server shutdown", "error", err)
			}
			if watcher != nil {
				_ = watcher.Close()
			}
			core.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	return cmd
}

func buildStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	switch cfg.Storage.Kind {
	case "s3":
		return storage.NewS3Store(ctx, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.Region)
	case "fs":
		return storage.NewFSStore(cfg.Storage.BaseDir)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}
