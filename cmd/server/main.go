// Package main boots the plant-care assistant API: configuration, logging,
// tracing, the SQLite store, the Gemini client and the HTTP server with
// graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/tbourn/go-plant-backend/docs"
	"github.com/tbourn/go-plant-backend/internal/config"
	httpapi "github.com/tbourn/go-plant-backend/internal/http"
	"github.com/tbourn/go-plant-backend/internal/llm"
	"github.com/tbourn/go-plant-backend/internal/observability"
	"github.com/tbourn/go-plant-backend/internal/repo"
	"github.com/tbourn/go-plant-backend/internal/storage"
	"github.com/tbourn/go-plant-backend/internal/sysutil"
)

const version = "1.0.0"

// @title           Plant Care Assistant API
// @version         1.0
// @description     Conversational plant-care backend: chat turns with slot extraction, a per-user plant catalog, generated care plans and image-assisted identification.
// @BasePath        /api/v1
func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if sysutil.IsTruthy(os.Getenv("LOG_CALLER")) {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Error().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database failed")
	}

	oracle, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatal().Err(err).Msg("gemini client init failed")
	}

	var uploader storage.Uploader
	if cfg.GCSBucket != "" {
		gcs, err := storage.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.GCSBucket).Msg("gcs client init failed")
		}
		uploader = gcs
	} else {
		log.Warn().Msg("GCS_BUCKET not set; image uploads disabled")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	httpapi.RegisterRoutes(r, db, oracle, uploader, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}
