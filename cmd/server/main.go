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

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/handlers"
	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/connectors"
	"github.com/Ramsey-B/clover/pkg/credentials"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/health"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/kintone"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/providers"
	"github.com/Ramsey-B/clover/pkg/recordsync"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/scheduler"
	"github.com/Ramsey-B/clover/pkg/schemasync"
	"github.com/Ramsey-B/clover/pkg/secretstore"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/targets"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/tracing/exporters"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clover: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	zl, err := zc.Build()
	if err != nil {
		return nil, nil, err
	}
	return zapadapter.NewZapEctoLogger(zl, nil), func() { _ = zl.Sync() }, nil
}

func newExporter(ctx context.Context, cfg *config.Config) (sdktrace.SpanExporter, error) {
	if !cfg.OTLPEnabled {
		return exporters.NoopExporter{}, nil
	}
	return exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.OTLPEndpoint,
		Protocol: cfg.OTLPProtocol,
		Insecure: cfg.OTLPInsecure,
	})
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}
	shutdownTracing := tracing.Setup(cfg.AppName, exporter)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	sealer, err := secretstore.New(cfg.EncryptionSecret)
	if err != nil {
		return err
	}

	var (
		db          database.DB
		redisClient *redis.Client
	)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(&startup.Dependency{
		Name: "database",
		StartFunc: func(ctx context.Context) error {
			sqlxDB, err := sqlx.Open(cfg.DatabaseDriver, cfg.DatabaseDSN())
			if err != nil {
				return err
			}
			sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
			sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
			sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
			if err := sqlxDB.PingContext(ctx); err != nil {
				_ = sqlxDB.Close()
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			if err := migrations.MigratePostgres(sqlxDB.DB, cfg.DatabaseName); err != nil {
				_ = sqlxDB.Close()
				return err
			}

			db = database.NewDatabaseInstance(sqlxDB, logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			return db.Close()
		},
	})
	boot.AddDependency(&startup.Dependency{
		Name: "redis",
		StartFunc: func(context.Context) error {
			redisClient, err = redis.NewClient(redis.Config{
				Host:     cfg.RedisHost,
				Port:     cfg.RedisPort,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, logger)
			return err
		},
		StopFunc: func(context.Context) error {
			return redisClient.Close()
		},
	})
	if err := boot.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = boot.Stop(stopCtx)
	}()

	var events connectors.EventPublisher
	if kcfg := kafka.ParseConfig(cfg.KafkaBrokers, cfg.KafkaConnectorEventsTopic); kcfg.Enabled() {
		producer := kafka.NewProducer(kcfg, logger)
		defer producer.Close()
		events = producer
	}

	connectorRepo := repositories.NewConnectorRepository(db, logger)
	appMappings := repositories.NewAppMappingRepository(db, logger)
	fieldMappings := repositories.NewFieldMappingRepository(db, logger)

	credStore := credentials.NewStore(repositories.NewCredentialRepository(db, logger), sealer, logger)
	manager := connectors.NewManager(connectorRepo, repositories.NewConnectorLogRepository(db, logger), credStore, events, logger)
	locker := redis.NewLocker(redisClient, "lock:")

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.KintoneTimeout
	httpClient := httpclient.New(httpCfg, logger)

	if cfg.DevBypassEnabled() {
		logger.Warn("OAuth development bypass is enabled; provider round trips are skipped")
	}
	authEngine := auth.NewEngine(
		manager,
		credStore,
		providers.NewResolver(credStore, providers.Defaults{
			KintoneClientID:     cfg.KintoneClientID,
			KintoneClientSecret: cfg.KintoneClientSecret,
		}),
		redis.NewPendingAuthorizationStore(redisClient),
		locker,
		auth.Config{
			StateSecret: cfg.StateSecret(),
			BaseURL:     cfg.AppBaseURL,
			SessionTTL:  cfg.OAuthSessionTTL,
			DevBypass:   cfg.DevBypassEnabled(),
			HTTPClient:  httpClient,
		},
		logger,
	)

	opener := kintone.NewOpener(manager, credStore, authEngine, kintone.NewClient(httpClient, logger))
	schemaEngine := schemasync.NewEngine(opener, repositories.NewKintoneSchemaRepository(db, logger), logger)
	catalog := targets.DefaultCatalog()
	recordEngine := recordsync.NewEngine(
		opener,
		appMappings,
		fieldMappings,
		repositories.NewRecordRepository(db, logger),
		catalog,
		recordsync.Config{},
		logger,
	)

	schedulerCfg := scheduler.DefaultConfig()
	schedulerCfg.LockTTL = cfg.SchedulerRunTimeout
	driver := scheduler.NewDriver(connectorRepo, recordEngine, manager, locker, schedulerCfg, logger)

	if cfg.SchedulerEnabled {
		cronScheduler, err := scheduler.NewScheduler(driver, cfg.SchedulerCron, cfg.SchedulerRunTimeout, logger)
		if err != nil {
			return err
		}
		if err := cronScheduler.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = cronScheduler.Stop(stopCtx)
		}()
	}

	checker := health.NewChecker(map[string]health.Pinger{
		"database": health.PingFunc(db.PingContext),
		"redis":    redisClient,
	}, connectorRepo, version)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context(!cfg.AuthEnabled))
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	handlers.NewAuthHandler(authEngine).RegisterRoutes(e)
	connectorHandler := handlers.NewConnectorHandler(manager)
	connectorHandler.RegisterDisconnect(e)
	handlers.NewCronHandler(driver).RegisterRoutes(e, middleware.CronAuth(cfg.CronSecret))

	var tenantAuth []echo.MiddlewareFunc
	if cfg.AuthEnabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			return err
		}
		tenantAuth = append(tenantAuth, middleware.Authentication(logger, verifier))
	}
	handlers.NewIntegrationHandler(manager, schemaEngine).RegisterRoutes(e, tenantAuth...)

	api := e.Group("/api/v1", tenantAuth...)
	connectorHandler.RegisterRoutes(api)
	handlers.NewMappingHandler(manager, appMappings, fieldMappings, catalog).RegisterRoutes(api)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting %s %s on %s", cfg.AppName, version, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	checker.SetReady(true)

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
