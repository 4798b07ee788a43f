// Command warden-device runs the device security core: boot validation,
// lifecycle state machine, intrusion detection and the local claim/admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/haasonsaas/warden/pkg/logging"
	"github.com/haasonsaas/warden/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	configPath = flag.String("config", config.DefaultPath, "Device config path")
	Version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	logger := logging.Setup(cfg.Logging)
	logger.Info().Str("version", Version).Str("device_id", cfg.Device.ID).Msg("Warden device starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, cfg.Tracing, cfg.Device.ID, Version, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Tracer shutdown failed")
		}
	}()

	db, err := openDatabase(cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open secure storage")
	}
	dev, err := newDevice(cfg, db, keystore.NewFileKeyStore(cfg.Storage.MasterKeyPath), linuxPlatform(cfg.Boot), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise security core")
	}
	defer dev.Close()

	if err := dev.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start security core")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Admin.Listen,
		Handler:           dev.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.Admin.Listen).Msg("Serving local API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Local API stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown failed")
	}
}
