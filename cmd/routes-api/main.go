package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/waytrail/routes/internal/auth"
	"github.com/waytrail/routes/internal/config"
	"github.com/waytrail/routes/internal/db"
	"github.com/waytrail/routes/internal/httpapi"
	"github.com/waytrail/routes/internal/metrics"
	"github.com/waytrail/routes/internal/queue"
	"github.com/waytrail/routes/internal/realtime"
	"github.com/waytrail/routes/internal/route"
	"github.com/waytrail/routes/internal/store"
	"github.com/waytrail/routes/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "sweep":
		runSweep()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: routes-api <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the route API service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  sweep     Re-enqueue routes stuck with pending photos")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
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

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
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

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting routes-api",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConnections)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	nats, err := queue.Connect(cfg.NATSURL, "routes-api-"+cfg.Service.InstanceID, logger.Named("nats"))
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer nats.Close()

	if err := nats.EnsureStream(); err != nil {
		logger.Fatal("failed to ensure task stream", zap.Error(err))
	}

	routes := store.NewRoutes(pool, logger.Named("store"))
	svc := route.NewService(routes, nats, logger.Named("routes"))
	verifier := auth.NewVerifier(cfg.Service.JWTSecret)
	hub := realtime.NewHub()

	// Bridge completion events from the transport into the local hub.
	sub, err := nats.SubscribeCompletions(func(routeID uuid.UUID, payload []byte) {
		if hub.Publish(routeID, payload) {
			metrics.CompletionEventsTotal.WithLabelValues("delivered").Inc()
		}
	})
	if err != nil {
		logger.Fatal("failed to subscribe to completion events", zap.Error(err))
	}
	defer sub.Unsubscribe()

	server := httpapi.NewServer(cfg.Service.HTTPListen, svc, hub, verifier, pool, nats, logger.Named("http"))
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("routes-api started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first, then release websocket
	// subscribers so in-flight connections drain cleanly.
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	cancel()

	logger.Info("routes-api stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.DatabaseURL)),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConnections)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runSweep() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	maxAge := time.Duration(cfg.Sweep.PendingAgeMinutes) * time.Minute
	logger.Info("sweeping stale pending photos",
		zap.Duration("max_age", maxAge),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConnections)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	nats, err := queue.Connect(cfg.NATSURL, "routes-sweep", logger.Named("nats"))
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer nats.Close()

	if err := nats.EnsureStream(); err != nil {
		logger.Fatal("failed to ensure task stream", zap.Error(err))
	}

	routes := store.NewRoutes(pool, logger.Named("store"))
	sweeper := worker.NewSweeper(routes, nats, logger.Named("sweeper"))

	n, err := sweeper.Sweep(ctx, maxAge)
	if err != nil {
		logger.Fatal("sweep failed", zap.Error(err))
	}

	logger.Info("sweep complete", zap.Int("requeued", n))
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
