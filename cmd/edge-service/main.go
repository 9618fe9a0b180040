package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qms/edge-service/internal/announce"
	"qms/edge-service/internal/config"
	"qms/edge-service/internal/dispatch"
	"qms/edge-service/internal/httpapi"
	"qms/edge-service/internal/logging"
	"qms/edge-service/internal/metrics"
	"qms/edge-service/internal/notify"
	"qms/edge-service/internal/realtime"
	"qms/edge-service/internal/receipt"
	"qms/edge-service/internal/store"
	"qms/edge-service/internal/store/postgres"
	"qms/edge-service/internal/store/sqlite"
	"qms/edge-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "edge-service"

type flags struct {
	configPath  string
	addr        string
	seedPath    string
	migrateOnly bool
}

type backend interface {
	store.TicketStore
	SeedDirectory(ctx context.Context, seed store.DirectorySeed) error
}

func main() {
	var f flags
	flag.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	flag.StringVar(&f.addr, "addr", "", "listen address, overrides PORT")
	flag.StringVar(&f.seedPath, "seed", "", "directory seed file, overrides SEED_FILE")
	flag.BoolVar(&f.migrateOnly, "migrate", false, "apply migrations and exit")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Port = f.addr
	}
	if f.seedPath != "" {
		cfg.SeedFile = f.seedPath
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := telemetry.Setup(ctx, serviceName, telemetry.Config{
		Endpoint: cfg.Telemetry.Endpoint,
		Insecure: cfg.Telemetry.Insecure,
	}, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	if f.migrateOnly {
		logger.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
		return nil
	}

	if cfg.SeedFile != "" {
		seed, err := store.LoadDirectorySeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := db.SeedDirectory(ctx, seed); err != nil {
			return fmt.Errorf("seed directory: %w", err)
		}
		logger.Info("directory seeded", zap.String("file", cfg.SeedFile), zap.String("tenant", seed.Tenant.TenantID))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	g, gctx := errgroup.WithContext(ctx)

	var notifier notify.Notifier = notify.NewHub()
	if cfg.Redis.URL != "" {
		redisNotifier, err := notify.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.Channel, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisNotifier.Close() }()
		g.Go(func() error { return redisNotifier.Run(gctx) })
		notifier = redisNotifier
	}

	provider := announce.NewProvider(announce.ProviderConfig{
		Kind:     cfg.TTS.Provider,
		URL:      cfg.TTS.URL,
		Voice:    cfg.TTS.Voice,
		Speed:    cfg.TTS.Speed,
		CacheDir: cfg.TTS.CacheDir,
	}, logger)
	announcer := announce.NewQueue(provider, cfg.TTS.QueueSize, logger, m)
	g.Go(func() error { return announcer.Run(gctx) })

	var printer receipt.Printer = receipt.NewLogPrinter(logger)
	if cfg.PrinterEnabled() {
		printer = receipt.NewDevicePrinter(cfg.Printer.Device, cfg.Location(), logger, m)
	}

	engine := dispatch.New(dispatch.Options{
		Store:     db,
		Announcer: announcer,
		Printer:   printer,
		Waker:     notifier,
		Logger:    logger,
		Metrics:   m,
		Location:  cfg.Location(),
	})
	g.Go(func() error {
		return engine.RunNoShowSweeper(gctx, cfg.NoShow.Interval, cfg.NoShow.Grace, cfg.NoShow.BatchSize)
	})

	distributor := realtime.NewDistributor(db, notifier, realtime.Config{
		PollInterval:      cfg.Realtime.PollInterval,
		KeepAliveInterval: cfg.Realtime.KeepAliveInterval,
		BatchSize:         cfg.Realtime.BatchSize,
		RetryMax:          cfg.Realtime.RetryMax,
	}, logger, m)

	handler := httpapi.NewHandler(httpapi.Options{
		Engine:   engine,
		Store:    db,
		Streamer: distributor,
		Auth: httpapi.NewAuthenticator(httpapi.AuthConfig{
			TenantID:    cfg.TenantID,
			DeviceToken: cfg.DeviceToken,
			JWTSecret:   cfg.JWTSecret,
			JWTIssuer:   cfg.JWTIssuer,
		}),
		Logger:  logger,
		Metrics: m,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimit.PerMinute,
		IPBurst:         cfg.RateLimit.Burst,
		TenantPerMinute: cfg.RateLimit.TenantPerMinute,
		TenantBurst:     cfg.RateLimit.TenantBurst,
	}, cfg.TenantID)

	mux := handler.Routes()
	mux.Handle("GET /metrics", promhttp.Handler())

	// Event streams stay open, so there is no write timeout.
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, m, limiter.Middleware(mux)), serviceName),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("edge-service listening",
			zap.String("addr", server.Addr),
			zap.String("tenant", cfg.TenantID),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("edge-service stopped")
	return err
}

// openStore connects the configured backend and applies its migrations.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return postgres.NewStore(pool, postgres.Options{Location: cfg.Location()}), pool.Close, nil
	default:
		s, err := sqlite.Open(ctx, cfg.Database.SQLitePath, sqlite.Options{Location: cfg.Location()})
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite", zap.Error(err))
			}
		}, nil
	}
}
