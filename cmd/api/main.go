package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"refmanager/api/internal/app"
	"refmanager/api/internal/config"
	"refmanager/api/internal/events"
	"refmanager/api/internal/export"
	"refmanager/api/internal/ingest"
	"refmanager/api/internal/library"
	"refmanager/api/internal/logging"
	"refmanager/api/internal/metrics"
	"refmanager/api/internal/objectstore"
	"refmanager/api/internal/search"
	"refmanager/api/internal/store"
	"refmanager/api/internal/uploads"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger = zap.NewExample()
		logger.Warn("falling back to example logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.LibraryDir, 0o755); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	pending, err := uploads.NewRedisRegistry(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer pending.Close()
	bus := events.NewBus(pending.Client())

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		Region:    cfg.MinioRegion,
		Secure:    cfg.MinioSecure,
	}, logger.Named("objectstore"))
	if err != nil {
		return err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(db)
	history := library.New(cfg.LibraryDir)

	pgfts := search.NewPgFTS(db)
	var primary search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.Named("meili"))
		defer meili.Close()
		primary = meili
	}
	searchService := search.NewService(primary, pgfts, logger)
	go searchService.ReindexAllFromPG(ctx)

	exporter := export.NewService(dataStore, export.ChromeRenderer{Timeout: cfg.ChromeTimeout})

	service := app.New(cfg, app.Deps{
		Store:   dataStore,
		Uploads: pending,
		Objects: objects,
		History: history,
		Search:  searchService,
		Export:  exporter,
		Events:  bus,
		Metrics: m,
		Logger:  logger.Named("app"),
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	worker := ingest.NewWorker(ingest.Config{
		Pending:     pending,
		Objects:     objects,
		Citations:   dataStore,
		History:     history,
		Search:      searchService,
		Publisher:   bus,
		Metrics:     m,
		Logger:      logger.Named("ingest"),
		Concurrency: cfg.IngestConcurrency,
		MaxBytes:    cfg.MaxUploadBytes,
		PendingTTL:  cfg.PendingTTL,
	})
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
		}
		close(serverDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverDone:
		runErr = err
	case err := <-workerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return runErr
}
