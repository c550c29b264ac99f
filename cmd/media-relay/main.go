package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kenneth/media-relay/internal/api"
	"github.com/kenneth/media-relay/internal/audit"
	"github.com/kenneth/media-relay/internal/config"
	"github.com/kenneth/media-relay/internal/envelope"
	"github.com/kenneth/media-relay/internal/metrics"
	"github.com/kenneth/media-relay/internal/relay"
	"github.com/kenneth/media-relay/internal/s3"
	"github.com/kenneth/media-relay/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to YAML config file (optional)")
		envFile     = flag.String("env-file", ".env", "Dotenv file loaded before reading the environment")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Fatal("Failed to load env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger); err != nil {
		logger.WithError(err).Fatal("media-relay stopped")
	}
}

func run(ctx context.Context, configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	configureLogger(logger, cfg)
	metrics.SetVersion(version)

	logger.WithFields(logrus.Fields{
		"version":      version,
		"bucket":       cfg.Storage.Bucket,
		"provider":     cfg.Storage.Provider,
		"aes_hardware": envelope.HasAESHardwareSupport(),
	}).Info("Starting media relay")

	tracer, shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, version, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	var m *metrics.Metrics
	var s3Recorder s3.OperationRecorder
	var relayRecorder relay.Recorder
	if cfg.Metrics.Enabled {
		m = metrics.NewMetricsWithConfig(prometheus.NewRegistry(), metrics.Config{
			EnableBucketLabel: true,
			EnableExemplars:   cfg.Metrics.EnableExemplars,
		})
		s3Recorder = m
		relayRecorder = m
	}

	storage, err := s3.NewClient(ctx, cfg.Storage, logger, s3Recorder)
	if err != nil {
		return fmt.Errorf("failed to create storage client: %w", err)
	}
	if cfg.Storage.EnsureBucket {
		if err := storage.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to provision bucket: %w", err)
		}
	}

	source, err := envelope.NewSource(envelope.SourceOptions{
		MediaHost:    cfg.Media.Host,
		FetchTimeout: cfg.Media.FetchTimeout,
		ReadSize:     cfg.Media.ReadSize,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}
	defer auditLogger.Close()

	pipeline := relay.NewPipeline(relay.Options{
		Source:   source,
		Storage:  storage,
		Tracer:   tracer,
		Recorder: relayRecorder,
		Audit:    auditLogger,
		Logger:   logger,
		Folder:   cfg.Storage.Folder,
	})

	handler := api.NewHandler(api.Options{
		Runner:       pipeline,
		Logger:       logger,
		Checks:       []metrics.Check{{Name: "storage", Fn: storage.HealthCheck}},
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	routerOpts := api.RouterOptions{
		Logger:      logger,
		MetricsPath: cfg.Metrics.Path,
		Tracer:      tracer,
		CORSOrigins: cfg.CORS.AllowedOrigins,
		Metrics:     m,
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger, func(next *config.Config) {
			config.ApplyLogLevel(logger, next)
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Config hot reload disabled")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      api.NewRouter(handler, routerOpts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", server.Addr).Info("Listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func configureLogger(logger *logrus.Logger, cfg *config.Config) {
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	config.ApplyLogLevel(logger, cfg)
}
