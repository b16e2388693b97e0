package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/caseweave/orchestrator/internal/activities"
	"github.com/caseweave/orchestrator/internal/capabilities/agentclient"
	"github.com/caseweave/orchestrator/internal/caserepo"
	"github.com/caseweave/orchestrator/internal/checkpoint"
	cfg "github.com/caseweave/orchestrator/internal/config"
	"github.com/caseweave/orchestrator/internal/health"
	"github.com/caseweave/orchestrator/internal/httpapi"
	"github.com/caseweave/orchestrator/internal/progress"
	"github.com/caseweave/orchestrator/internal/signals"
	"github.com/caseweave/orchestrator/internal/streaming"
	"github.com/caseweave/orchestrator/internal/tracing"
	"github.com/caseweave/orchestrator/internal/workflows"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/orchestrator.yaml"
	}
	conf, err := cfg.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(conf.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if dump, err := conf.Dump(); err == nil {
		logger.Debug("Effective configuration", zap.String("config", dump))
	}

	if err := tracing.Initialize(tracing.Config{
		Enabled:      conf.Tracing.Enabled,
		ServiceName:  conf.Tracing.ServiceName,
		OTLPEndpoint: conf.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing init failed, continuing without", zap.Error(err))
	}

	// Checkpoint store
	store, err := checkpoint.NewSQLStore(checkpoint.SQLConfig{
		Driver: conf.Store.Driver,
		DSN:    conf.Store.DSN,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open checkpoint store", zap.Error(err))
	}
	defer store.Close()

	// Optional Redis event mirror
	var mirror *streaming.RedisMirror
	if conf.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr, DB: conf.Redis.DB})
		mirror = streaming.NewRedisMirror(redisClient, logger)
	}
	var eventMirror workflows.EventMirror
	if mirror != nil {
		eventMirror = mirror
	}

	streams := streaming.NewManager(256)
	mailbox := signals.NewMailbox()
	tracker := progress.NewTracker()

	// Activity executor with the standard retry policy
	policy := activities.RetryPolicy{
		InitialInterval:    time.Duration(conf.Retry.InitialIntervalMs) * time.Millisecond,
		BackoffCoefficient: conf.Retry.BackoffCoefficient,
		MaximumInterval:    time.Duration(conf.Retry.MaximumIntervalMs) * time.Millisecond,
		MaximumAttempts:    conf.Retry.MaximumAttempts,
	}
	var limiter *rate.Limiter
	if conf.Agent.RatePerSecond > 0 {
		burst := conf.Agent.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(conf.Agent.RatePerSecond), burst)
	}
	executor := activities.NewExecutor(policy, limiter, logger)

	// Collaborators: agent service for reasoning, case repo for lookups
	agent := agentclient.New(agentclient.Config{
		BaseURL: conf.Agent.BaseURL,
		Timeout: conf.Agent.Timeout,
	}, logger)
	cases, err := caserepo.New(store.DB(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize case repository", zap.Error(err))
	}
	caps := agent.Capabilities(cases)

	engine := workflows.NewEngine(engineConfigFrom(conf), workflows.Deps{
		Store:   store,
		Journal: store,
		Caps:    caps,
		Exec:    executor,
		Mailbox: mailbox,
		Tracker: tracker,
		Streams: streams,
		Mirror:  eventMirror,
		Logger:  logger,
	})

	// Resume runs interrupted by the previous process
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	recovered, err := engine.RecoverAll(recoverCtx)
	cancelRecover()
	if err != nil {
		logger.Error("Recovery sweep failed", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("Recovered interrupted runs", zap.Int("count", recovered))
	}

	// Config hot-reload for engine tunables
	if mgr, err := cfg.NewManager(configPath, logger); err == nil {
		mgr.OnChange(func(c *cfg.Config) {
			engine.UpdateConfig(engineConfigFrom(c))
			logger.Info("Workflow tunables reloaded",
				zap.Int("max_concurrent_analysts", c.Workflow.MaxConcurrentAnalysts),
				zap.Strings("fatal_phases", c.Workflow.FatalPhases))
		})
		watchCtx, cancelWatch := context.WithCancel(context.Background())
		defer cancelWatch()
		if err := mgr.Start(watchCtx); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		}
	} else {
		logger.Warn("Config manager init failed", zap.Error(err))
	}

	// HTTP surface: control API, streaming, health
	mux := http.NewServeMux()
	httpapi.NewControlHandler(engine, logger).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(streams, logger).RegisterRoutes(mux)

	hm := health.NewManager(logger)
	hm.Register(health.CheckerFunc{CheckerName: "checkpoint_store", Fn: store.Ping})
	if mirror != nil {
		hm.Register(health.CheckerFunc{CheckerName: "redis_mirror", Fn: mirror.Ping})
	}
	hm.RegisterRoutes(mux)

	server := &http.Server{
		Addr:        ":" + strconv.Itoa(conf.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", conf.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(conf.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", conf.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown timed out; runs will recover from checkpoints", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func engineConfigFrom(c *cfg.Config) workflows.Config {
	ec := workflows.DefaultConfig()
	ec.MaxConcurrentAnalysts = c.Workflow.MaxConcurrentAnalysts
	ec.CancelGraceTimeout = time.Duration(c.Workflow.CancelGraceTimeoutMs) * time.Millisecond
	if phases := c.Workflow.ParsedFatalPhases(); len(phases) > 0 {
		ec.FatalPhases = phases
	}
	return ec
}

func buildLogger(lc cfg.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if lc.Level != "" {
		if level, err := zapcore.ParseLevel(lc.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(level)
		}
	}
	return zc.Build()
}
