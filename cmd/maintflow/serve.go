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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/maintflow/internal/access"
	"github.com/pitabwire/maintflow/internal/config"
	"github.com/pitabwire/maintflow/internal/definition"
	"github.com/pitabwire/maintflow/internal/events"
	"github.com/pitabwire/maintflow/internal/observability"
	"github.com/pitabwire/maintflow/internal/openapi"
	"github.com/pitabwire/maintflow/internal/requirement"
	"github.com/pitabwire/maintflow/internal/sla"
	"github.com/pitabwire/maintflow/internal/transport"
	"github.com/pitabwire/maintflow/internal/workflow"
	"github.com/pitabwire/maintflow/model"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config) error {
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "maintflow", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
	readiness := observability.ReadinessChecks{}

	// Storage.
	pool, err := buildPool(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	var (
		defStore definition.Store
		wfStore  workflow.WorkflowStore
	)
	if pool != nil {
		defStore = definition.NewPgStore(pool)
		pgStore := workflow.NewPgWorkflowStore(pool)
		wfStore = pgStore
		readiness.WorkflowStore = pgStore
	} else {
		wfStore = workflow.NewMemoryWorkflowStore()
	}

	// Definitions: persisted ones first, then seeds for anything missing.
	registry := definition.NewRegistry(defStore)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("definition loading failed: %w", err)
	}
	files, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return fmt.Errorf("definition loading failed: %w", err)
	}
	seeded, err := registry.Seed(ctx, files)
	if err != nil {
		return fmt.Errorf("definition seeding failed: %w", err)
	}
	metrics.SetDefinitionsLoaded(countByStatus(registry.All()))
	readiness.DefinitionsLoaded = func() bool { return len(registry.All()) > 0 }

	drafts, err := definition.NewDraftDecoder()
	if err != nil {
		return fmt.Errorf("draft schema: %w", err)
	}

	api, err := openapi.Load(ctx)
	if err != nil {
		return fmt.Errorf("API description load failed: %w", err)
	}
	readiness.APIDocLoaded = func() bool { return len(api.AllOperationIDs()) > 0 }

	// Authorization.
	gate := access.NewGate(
		access.WithEmptyRolePolicy(cfg.Access.EmptyRoles),
		access.WithAdminRoles(cfg.Access.AdminRoles...),
	)
	if !gate.DeniesEmpty() {
		logger.Warn("states and transitions without roles are open to every user",
			zap.String("empty_roles", cfg.Access.EmptyRoles))
	}
	roles, err := buildRoleResolver(cfg.Access, metrics)
	if err != nil {
		return err
	}

	// Locking.
	locker, closeLocker, err := buildLocker(cfg.Workflow.Lock)
	if err != nil {
		return err
	}
	defer closeLocker()
	if hc, ok := locker.(observability.HealthChecker); ok {
		readiness.LockBackend = hc
	}

	// Events.
	publisher, closeEvents, err := events.New(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("event publisher: %w", err)
	}
	defer func() {
		if err := closeEvents(); err != nil {
			logger.Error("event publisher close error", zap.Error(err))
		}
	}()
	if cfg.Events.Driver == "kafka" {
		readiness.EventBroker = events.KafkaHealth{Brokers: cfg.Events.Brokers}
	}

	engine := workflow.NewEngine(registry, wfStore, workflow.NewRuntime(gate, requirement.NewEnforcer()), roles,
		workflow.WithLocker(locker, cfg.Workflow.Lock.TTL),
		workflow.WithPublisher(publisher),
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
	)

	var monitor *sla.Monitor
	if cfg.SLA.Enabled {
		monitor = sla.NewMonitor(wfStore, registry,
			sla.WithSchedule(cfg.SLA.Schedule),
			sla.WithScanSize(cfg.SLA.ScanSize),
			sla.WithPublisher(publisher),
			sla.WithMetrics(metrics),
			sla.WithLogger(logger),
		)
		if err := monitor.Start(ctx); err != nil {
			return fmt.Errorf("SLA monitor: %w", err)
		}
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Registry:     registry,
		Drafts:       drafts,
		Engine:       engine,
		API:          api,
		Publisher:    publisher,
		Metrics:      metrics,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", len(registry.All())),
		zap.Int("seeded", seeded),
		zap.String("definitions_checksum", registry.Checksum()),
		zap.String("api_version", api.Version()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if monitor != nil {
		monitor.Stop(shutdownCtx)
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// buildPool connects to PostgreSQL when the postgres store driver is
// selected. It returns a nil pool for the memory driver.
func buildPool(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.Driver != "postgres" {
		logger.Info("using in-memory workflow store")
		return nil, nil
	}

	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}

	if cfg.AutoMigrate {
		if err := workflow.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("workflow store: %w", err)
		}
	}
	return pool, nil
}

// buildRoleResolver returns nil when no directory file is configured, in
// which case only the roles carried by the token count.
func buildRoleResolver(cfg config.AccessConfig, metrics *observability.Metrics) (model.RoleResolver, error) {
	if cfg.DirectoryFile == "" {
		return nil, nil
	}
	directory, err := access.NewStaticDirectory(cfg.DirectoryFile)
	if err != nil {
		return nil, err
	}
	resolver := access.NewResolver(directory, cfg.CacheTTL)
	if metrics != nil {
		resolver.SetObserver(metrics)
	}
	return resolver, nil
}

func buildLocker(cfg config.LockConfig) (workflow.Locker, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("workflow lock: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return workflow.NewRedisLocker(client, cfg.Prefix), func() { _ = client.Close() }, nil
	default:
		return workflow.NewMemoryLocker(), func() {}, nil
	}
}

func countByStatus(defs []*model.WorkflowDefinition) map[string]int {
	counts := map[string]int{
		model.DefinitionStatusDraft:    0,
		model.DefinitionStatusActive:   0,
		model.DefinitionStatusArchived: 0,
	}
	for _, d := range defs {
		counts[d.Status]++
	}
	return counts
}
