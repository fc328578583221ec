package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/waytrail/routes/internal/config"
	"github.com/waytrail/routes/internal/db"
	"github.com/waytrail/routes/internal/events"
	"github.com/waytrail/routes/internal/httpapi"
	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/objstore"
	"github.com/waytrail/routes/internal/queue"
	"github.com/waytrail/routes/internal/store"
	"github.com/waytrail/routes/internal/worker"
)

func main() {
	configPath, logLevelOverride := parseFlags(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting photo-worker",
		zap.String("instance_id", cfg.Service.InstanceID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConnections)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	nats, err := queue.Connect(cfg.NATSURL, "photo-worker-"+cfg.Service.InstanceID, logger.Named("nats"))
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer nats.Close()

	if err := nats.EnsureStream(); err != nil {
		logger.Fatal("failed to ensure task stream", zap.Error(err))
	}

	objects, err := objstore.New(ctx, objstore.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
	}, logger.Named("objstore"))
	if err != nil {
		logger.Fatal("failed to create object store client", zap.Error(err))
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.Fatal("failed to ensure photo bucket", zap.Error(err))
	}

	consumer, err := queue.NewConsumer(nats)
	if err != nil {
		logger.Fatal("failed to create durable consumer", zap.Error(err))
	}

	routes := store.NewRoutes(pool, logger.Named("store"))
	archiver := events.NewArchiver(pool, logger.Named("events"), true)
	processor := worker.NewProcessor(routes, objects, nats, archiver, worker.Config{
		PhotoMaxWidth:  cfg.PhotoMaxWidth,
		PhotoQuality:   cfg.PhotoQuality,
		ThumbnailWidth: cfg.ThumbnailWidth,
		PhotoBaseURL:   cfg.PhotoBaseURL,
	}, logger.Named("worker"))

	opsServer := httpapi.NewOpsServer(cfg.Service.HTTPListen, pool, nats, logger.Named("http"))
	if err := opsServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		processor.Run(ctx, consumer)
	}()

	logger.Info("photo-worker started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	select {
	case <-done:
		logger.Info("worker stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout reached, task left for redelivery")
	}

	logger.Info("photo-worker stopped")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
