package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	admissionapp "github.com/chatsaas/backend/internal/application/admission"
	"github.com/chatsaas/backend/internal/domain/admission"
	"github.com/chatsaas/backend/internal/domain/shared"
	"github.com/chatsaas/backend/internal/infrastructure/auth"
	"github.com/chatsaas/backend/internal/infrastructure/cache"
	"github.com/chatsaas/backend/internal/infrastructure/config"
	"github.com/chatsaas/backend/internal/infrastructure/event"
	"github.com/chatsaas/backend/internal/infrastructure/logger"
	"github.com/chatsaas/backend/internal/infrastructure/persistence"
	"github.com/chatsaas/backend/internal/infrastructure/scheduler"
	"github.com/chatsaas/backend/internal/infrastructure/telemetry"
	"github.com/chatsaas/backend/internal/interfaces/http/handler"
	"github.com/chatsaas/backend/internal/interfaces/http/middleware"
	"github.com/chatsaas/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// storeSet is the admission storage selected by admission.backend
type storeSet struct {
	counters    admission.UsageCounterStore
	memberships admission.MembershipStore
	idempotency shared.IdempotencyStore
	health      []admission.HealthChecker
	janitor     *scheduler.RetentionJanitor
	closers     []func() error
}

func (s *storeSet) close(log *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Error("Error closing admission store", zap.Error(err))
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	baseCore, err := logger.NewCore(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	bootLog := logger.WithCores(baseCore)

	ctx := context.Background()

	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, bootLog)
	if err != nil {
		bootLog.Fatal("Failed to initialize OTEL logs", zap.Error(err))
	}
	log := telemetry.NewBridgedLogger(baseCore, telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		LoggerProvider: logsProvider,
		Level:          logger.ParseLevel(cfg.Log.Level),
	}))
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting admission service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("backend", cfg.Admission.Backend),
		zap.String("version", version),
	)

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.ProfilingServerAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
		ProfileMutex:    cfg.Telemetry.ProfilingLocks,
		ProfileBlock:    cfg.Telemetry.ProfilingLocks,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if cfg.Telemetry.SpanProfilesEnabled && profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	stores, err := openStores(cfg, meterProvider, log)
	if err != nil {
		log.Fatal("Failed to open admission stores", zap.Error(err))
	}

	catalog := admission.DefaultCatalog()
	if cfg.Admission.CatalogFile != "" {
		catalog, err = admission.LoadCatalogFile(cfg.Admission.CatalogFile)
		if err != nil {
			log.Fatal("Failed to load tier catalog", zap.String("path", cfg.Admission.CatalogFile), zap.Error(err))
		}
	}
	log.Info("Tier catalog loaded", zap.String("catalog_version", catalog.Version()))

	engineCfg := admissionapp.QuotaEngineConfig{
		StoreTimeout:       cfg.Admission.StoreTimeout,
		MaxConflictRetries: cfg.Admission.MaxConflictRetries,
		RetryBaseDelay:     cfg.Admission.RetryBaseDelay,
	}
	clock := admission.SystemClock{}
	engine := admissionapp.NewQuotaEngine(catalog, stores.counters, clock, log, engineCfg)
	limiter := admissionapp.NewMembershipLimiter(catalog, stores.memberships, clock, log, engineCfg)

	var recorder admissionapp.MetricsRecorder
	if meterProvider.IsEnabled() {
		m, err := telemetry.NewAdmissionMetrics(meterProvider.Meter("admission"))
		if err != nil {
			log.Warn("Admission metrics disabled", zap.Error(err))
		} else {
			recorder = m
		}
	}

	failOpen := make([]admission.ResourceKey, 0, len(cfg.Admission.FailOpenResources))
	for _, r := range cfg.Admission.FailOpenResources {
		failOpen = append(failOpen, admission.ResourceKey(r))
	}
	service, err := admissionapp.NewService(catalog, engine, limiter, clock, recorder, log, admissionapp.ServiceConfig{
		Engine:            engineCfg,
		FailOpenResources: failOpen,
	})
	if err != nil {
		log.Fatal("Invalid admission configuration", zap.Error(err))
	}
	service.UseIdempotency(stores.idempotency, cfg.Admission.IdempotencyTTL)

	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is required to authenticate calling services")
	}
	jwtService := auth.NewJWTService(cfg.JWT)
	sharedRedis := openSharedRedis(cfg, stores, log)
	var blacklist auth.TokenBlacklist = auth.NewInMemoryTokenBlacklist()
	if sharedRedis != nil {
		blacklist = auth.NewRedisTokenBlacklist(sharedRedis, cfg.Admission.KeyPrefix)
	}

	bus := openEventBus(cfg, sharedRedis, log)
	if err := bus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	service.UseEvents(bus)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := middleware.SetupValidator(); err != nil {
		log.Fatal("Failed to register request validators", zap.Error(err))
	}

	r, stopRateLimiter := router.NewEngine(router.EngineConfig{
		HTTP:           cfg.HTTP,
		Telemetry:      cfg.Telemetry,
		JWTService:     jwtService,
		TokenBlacklist: blacklist,
		MeterProvider:  meterProvider,
		RequestTimeout: cfg.HTTP.WriteTimeout,
		Logger:         log,
	}, handler.NewSystemHandler(service, version, stores.health...), router.WithAPIVersion("v1"))
	r.Register(handler.NewAdmissionHandler(service)).
		Register(handler.NewTierHandler(service)).
		Setup()

	if stores.janitor != nil {
		if err := stores.janitor.Start(ctx); err != nil {
			log.Warn("Counter retention janitor not started", zap.Error(err))
		}
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        r.Engine(),
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	stopRateLimiter()
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Warn("Event bus did not stop cleanly", zap.Error(err))
	}
	if stores.janitor != nil {
		if err := stores.janitor.Stop(shutdownCtx); err != nil {
			log.Warn("Counter retention janitor did not stop cleanly", zap.Error(err))
		}
	}
	stores.close(log)

	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("Meter provider shutdown failed", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracer provider shutdown failed", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Warn("Profiler stop failed", zap.Error(err))
	}
	log.Info("Server exited gracefully")
	if err := logsProvider.Shutdown(shutdownCtx); err != nil {
		bootLog.Warn("Logger provider shutdown failed", zap.Error(err))
	}
}

// openStores builds the counter, membership and idempotency stores for the
// configured backend
func openStores(cfg *config.Config, mp *telemetry.MeterProvider, log *zap.Logger) (*storeSet, error) {
	factory := cache.NewStoreFactory(cfg.Redis, cfg.Admission,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	)

	switch cfg.Admission.Backend {
	case config.BackendRedis:
		s, err := factory.CreateRedisStores()
		if err != nil {
			return nil, err
		}
		return &storeSet{
			counters:    s.Counters,
			memberships: s.Memberships,
			idempotency: s.Idempotency,
			health:      s.Health,
			closers:     []func() error{s.Close},
		}, nil

	case config.BackendMemory:
		s := factory.CreateInMemoryStores()
		return &storeSet{
			counters:    s.Counters,
			memberships: s.Memberships,
			idempotency: s.Idempotency,
			health:      s.Health,
			closers:     []func() error{s.Close},
		}, nil
	}

	return openPostgresStores(cfg, factory, mp, log)
}

func openPostgresStores(cfg *config.Config, factory *cache.StoreFactory, mp *telemetry.MeterProvider, log *zap.Logger) (*storeSet, error) {
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
	)
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		return nil, err
	}
	set := &storeSet{closers: []func() error{db.Close}}
	log.Info("Database connected successfully")

	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		plugin := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:         true,
			LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		}, log)
		if err := plugin.Register(db.DB); err != nil {
			log.Warn("Database tracing disabled", zap.Error(err))
		}
	}
	if mp.IsEnabled() {
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, mp.Meter("database"), log)
		if err != nil {
			log.Warn("Database metrics disabled", zap.Error(err))
		} else {
			set.closers = append(set.closers, func() error {
				dbMetrics.Stop()
				return nil
			})
		}
	}

	counters := persistence.NewUsageCounterRepository(db.DB)
	set.counters = counters
	set.memberships = persistence.NewMembershipRepository(db.DB)
	set.health = []admission.HealthChecker{db}

	idem, closeIdem, err := factory.CreateIdempotencyStore()
	if err != nil {
		set.close(log)
		return nil, err
	}
	set.idempotency = idem
	set.closers = append(set.closers, closeIdem)

	janitorCfg := scheduler.DefaultRetentionConfig()
	janitorCfg.Retention = cfg.Admission.CounterRetention
	set.janitor, err = scheduler.NewRetentionJanitor(janitorCfg, counters, log)
	if err != nil {
		log.Warn("Counter retention janitor disabled", zap.Error(err))
	}
	return set, nil
}

// openSharedRedis connects to Redis for state shared between instances:
// token revocations and eviction events. It returns nil when Redis is not
// configured or not reachable.
func openSharedRedis(cfg *config.Config, stores *storeSet, log *zap.Logger) *redis.Client {
	if cfg.Admission.Backend == config.BackendMemory {
		return nil
	}
	client, err := cache.NewRedisClient(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err != nil {
		log.Warn("Redis unavailable, token revocations and eviction events stay local to this instance", zap.Error(err))
		return nil
	}
	stores.closers = append(stores.closers, client.Close)
	return client
}

// openEventBus forwards eviction events to Redis subscribers when Redis is
// available
func openEventBus(cfg *config.Config, client *redis.Client, log *zap.Logger) *event.InMemoryEventBus {
	bus := event.NewInMemoryEventBus(log)
	if client != nil {
		channel := cfg.Admission.KeyPrefix + "events"
		bus.Subscribe(event.NewRedisForwarder(client, channel, admission.EventTypeMembershipEvicted))
		log.Info("Eviction events forwarded to Redis", zap.String("channel", channel))
	}
	return bus
}
