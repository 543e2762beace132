package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/gzf09/agent-aigateway/internal/api"
	"github.com/gzf09/agent-aigateway/internal/auth"
	"github.com/gzf09/agent-aigateway/internal/changelog"
	"github.com/gzf09/agent-aigateway/internal/config"
	"github.com/gzf09/agent-aigateway/internal/metrics"
	"github.com/gzf09/agent-aigateway/internal/orchestrator"
	"github.com/gzf09/agent-aigateway/internal/resource"
	"github.com/gzf09/agent-aigateway/internal/server"
	"github.com/gzf09/agent-aigateway/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENT_CONFIG"), "path to YAML config file")
	flag.Parse()

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting agent server",
		zap.String("grpc_port", cfg.GRPCPort),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("resource_backend", cfg.Resource.Backend),
		zap.Duration("call_timeout", cfg.CallTimeout()),
	)

	ctx := context.Background()

	// Postgres pool (optional; backs the changelog when Redis is absent and operator auth)
	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Changelog store: Redis, then Postgres, then memory
	var store changelog.Store
	switch {
	case cfg.Redis.Addr != "":
		rdb, err := changelog.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		store = changelog.NewRedisStore(rdb, cfg.ChangelogTTL())
		logger.Info("changelog using redis", zap.String("addr", cfg.Redis.Addr))
	case db != nil:
		pg := changelog.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate changelog schema", zap.Error(err))
		}
		store = pg
		logger.Info("changelog using postgres")
	default:
		store = changelog.NewMemoryStore()
		logger.Info("no REDIS_ADDR or POSTGRES_DSN set, changelog is in-memory")
	}

	// Audit events: ClickHouse or LogWriter fallback
	var writer storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			writer = storage.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		writer = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// ClickHouse reader (for the audit events HTTP endpoint)
	var eventReader storage.EventReader
	if cfg.ClickHouseDSN != "" {
		chReader, err := storage.NewClickHouseReader(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
		} else {
			defer func() { _ = chReader.Close() }()
			eventReader = chReader
			logger.Info("clickhouse reader connected")
		}
	}

	// Operator authentication
	var authenticator auth.Authenticator
	if db != nil {
		if _, err := db.ExecContext(ctx, auth.OperatorsSchema); err != nil {
			logger.Fatal("failed to migrate operators schema", zap.Error(err))
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL(),
			Logger:   logger,
		})
		logger.Info("using postgres authenticator")
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Warn("no POSTGRES_DSN set, accepting any agw_ key (development mode)")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Gateway backend
	var backend resource.Client
	switch cfg.Resource.Backend {
	case config.BackendHTTP:
		backend = resource.NewHTTPClient(resource.HTTPClientConfig{
			ConsoleURL: cfg.Resource.ConsoleURL,
			Username:   cfg.Resource.Username,
			Password:   cfg.Resource.Password,
			Timeout:    cfg.CallTimeout(),
			Logger:     logger,
		})
		logger.Info("using higress console backend", zap.String("console_url", cfg.Resource.ConsoleURL))
	case config.BackendMCP:
		mcpClient, err := resource.DialMCP(ctx, cfg.Resource.MCPServerURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to mcp server", zap.String("url", cfg.Resource.MCPServerURL), zap.Error(err))
		}
		defer func() { _ = mcpClient.Close() }()
		backend = mcpClient
		logger.Info("using mcp backend", zap.String("url", cfg.Resource.MCPServerURL))
	default:
		backend = resource.NewMemoryClient()
		logger.Info("using in-memory gateway backend")
	}
	backend = resource.Instrument(backend, m)

	orch := orchestrator.New(orchestrator.Config{
		Client:        backend,
		Changelog:     changelog.NewManager(store, logger),
		Writer:        writer,
		Metrics:       m,
		Logger:        logger,
		CallTimeout:   cfg.CallTimeout(),
		TimelineLimit: cfg.Changelog.TimelineLimit,
	})

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(server.UnaryAuthInterceptor(authenticator, logger)),
	)
	server.RegisterAgentServiceServer(grpcServer, server.NewAgentServer(orch, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	go func() {
		logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Fatal("grpc server failed", zap.Error(err))
		}
	}()

	// HTTP dashboard API
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(&api.Dependencies{
			Orchestrator: orch,
			Client:       backend,
			Auth:         authenticator,
			Events:       eventReader,
			Gatherer:     registry,
			Logger:       logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("agent server stopped")
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
