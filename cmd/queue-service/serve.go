package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clinicq/queue-service/internal/audit"
	"clinicq/queue-service/internal/config"
	"clinicq/queue-service/internal/httpapi"
	"clinicq/queue-service/internal/noshow"
	"clinicq/queue-service/internal/queue"
	"clinicq/queue-service/internal/realtime"
	"clinicq/queue-service/internal/store"
	"clinicq/queue-service/internal/store/memory"
	"clinicq/queue-service/internal/store/postgres"
	"clinicq/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// app holds the wired dependencies shared by the serve and sweep commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	store  store.Store
	audit  *audit.PostgresSink
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{cfg: cfg, logger: telemetry.NewLogger(cfg.LogLevel, cfg.IsDev())}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		a.logger.Warn().Msg("using in-memory store, queue state is lost on restart")
		a.store = memory.NewStore()
	default:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		a.store = postgres.NewStore(pool)
		a.audit = audit.NewPostgresSink(pool)
	}
	return a, nil
}

// sweep runs one no-show pass whose changes are published through
// broadcaster.
func (a *app) sweep(ctx context.Context, broadcaster queue.Broadcaster) (noshow.Result, error) {
	return a.monitor(a.engine(broadcaster)).Sweep(ctx)
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) auditSink() queue.AuditSink {
	logSink := audit.NewLogSink(a.logger)
	if a.audit == nil {
		return logSink
	}
	return audit.Multi(logSink, a.audit)
}

func (a *app) engine(broadcaster queue.Broadcaster) *queue.Engine {
	return queue.NewEngine(a.store, queue.Options{
		Logger:      a.logger,
		Broadcaster: broadcaster,
		Audit:       a.auditSink(),
		Retry: queue.RetryPolicy{
			MaxAttempts:     a.cfg.RetryMaxAttempts,
			InitialInterval: a.cfg.RetryInitialInterval(),
		},
		AutoCallChainLimit: a.cfg.AutoCallChainLimit,
	})
}

// redisClient returns nil when REDIS_URL is unset.
func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (a *app) monitor(engine *queue.Engine) *noshow.Monitor {
	return noshow.New(a.store, engine, noshow.Config{
		Schedule:  a.cfg.NoShowSchedule,
		BatchSize: a.cfg.NoShowBatchSize,
	}, a.logger)
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg, logger := a.cfg, a.logger

	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "queue-service",
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		Version:     version,
	}, logger)

	hub := realtime.NewHub(logger)
	group, groupCtx := errgroup.WithContext(ctx)

	var broadcaster queue.Broadcaster = realtime.NewLocalBroadcaster(hub, logger)
	client, err := a.redisClient(ctx)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
		redisBroadcaster := realtime.NewRedisBroadcaster(client, cfg.RedisChannelPrefix, 0, logger)
		relay := realtime.NewRelay(client, cfg.RedisChannelPrefix, hub, logger)
		group.Go(func() error { return redisBroadcaster.Run(groupCtx) })
		group.Go(func() error { return relay.Run(groupCtx) })
		broadcaster = redisBroadcaster
		logger.Info().Msg("queue events fan out through redis")
	}

	engine := a.engine(broadcaster)
	monitor := a.monitor(engine)
	sessions := realtime.NewServer(hub, engine, cfg.RealtimeSendBuffer, logger)

	handler := httpapi.NewHandler(engine, httpapi.Options{Audit: auditReader(a.audit)})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	api := http.NewServeMux()
	handler.Register(api)

	mux := http.NewServeMux()
	mux.Handle("/", limiter.Middleware(api))
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", realtime.SockJSHandler("/realtime", sessions))
	mux.Handle("/ws", realtime.NewWebSocketHandler(sessions, cfg.AllowedOrigins()))

	// Realtime transports hold connections open, so only the header read is
	// bounded here.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, mux), "queue-service"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error { return monitor.Run(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		logger.Info().Msg("shutting down")
		err := server.Shutdown(shutdownCtx)
		if tracingErr := shutdownTracing(shutdownCtx); tracingErr != nil {
			logger.Error().Err(tracingErr).Msg("tracer shutdown")
		}
		return err
	})

	return group.Wait()
}

// auditReader keeps a nil sink from becoming a non-nil interface.
func auditReader(sink *audit.PostgresSink) httpapi.AuditReader {
	if sink == nil {
		return nil
	}
	return sink
}

func runMigrate(parent context.Context, dir string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DB_DSN is required to run migrations")
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.IsDev())

	pool, err := postgres.NewPool(parent, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := postgres.NewMigrator(pool, dir).Up(parent)
	if err != nil {
		return err
	}
	logger.Info().Int("applied", applied).Str("dir", dir).Msg("migrations complete")
	return nil
}

func runSweep(parent context.Context) error {
	a, err := newApp(parent)
	if err != nil {
		return err
	}
	defer a.close()

	client, err := a.redisClient(parent)
	if err != nil {
		return err
	}
	var broadcaster queue.Broadcaster
	stopPublishing := func() {}
	if client != nil {
		defer client.Close()
		redisBroadcaster := realtime.NewRedisBroadcaster(client, a.cfg.RedisChannelPrefix, 0, a.logger)
		publishCtx, cancel := context.WithCancel(parent)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			_ = redisBroadcaster.Run(publishCtx)
		}()
		broadcaster = redisBroadcaster
		stopPublishing = func() {
			cancel()
			<-drained
		}
	} else {
		a.logger.Warn().Msg("REDIS_URL is not set, sweep changes are not pushed to realtime subscribers")
	}

	result, err := a.sweep(parent, broadcaster)
	// Run flushes queued events once its context is cancelled.
	stopPublishing()
	if err != nil {
		return err
	}
	a.logger.Info().
		Int("scanned", result.Scanned).
		Int("expired", result.Expired).
		Int("failed", result.Failed).
		Msg("no-show sweep complete")
	return nil
}
