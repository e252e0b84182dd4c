// Package main wires together the audit service binary.
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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seolens/audit-service/internal/analyzer"
	"github.com/seolens/audit-service/internal/api"
	"github.com/seolens/audit-service/internal/audit"
	"github.com/seolens/audit-service/internal/broadcast"
	"github.com/seolens/audit-service/internal/clock/system"
	"github.com/seolens/audit-service/internal/config"
	"github.com/seolens/audit-service/internal/dispatcher"
	"github.com/seolens/audit-service/internal/fetcher"
	"github.com/seolens/audit-service/internal/id/uuid"
	"github.com/seolens/audit-service/internal/logging"
	"github.com/seolens/audit-service/internal/metrics"
	"github.com/seolens/audit-service/internal/pipeline"
	queuememory "github.com/seolens/audit-service/internal/queue/memory"
	"github.com/seolens/audit-service/internal/ratelimit"
	memorystore "github.com/seolens/audit-service/internal/store/memory"
	pgstore "github.com/seolens/audit-service/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auditStore, usageStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		os.Exit(1)
	}
	defer closeStores()

	clock := system.New()
	idGen := uuid.New()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	limiter, err := ratelimit.New(usageStore, cfg.RateLimit.PlanLimits, clock)
	if err != nil {
		logger.Error("rate limiter init failed", zap.Error(err))
		os.Exit(1)
	}

	broadcaster := broadcast.New(cfg.KeepAliveInterval(), logger.Named("broadcast"))
	pageFetcher := fetcher.New(fetcher.Config{
		UserAgent: cfg.Fetcher.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})

	var completer analyzer.Completer
	if cfg.Analyzer.APIKey != "" {
		claude, err := analyzer.NewClaude(analyzer.ClaudeConfig{
			APIKey:    cfg.Analyzer.APIKey,
			Model:     cfg.Analyzer.Model,
			MaxTokens: cfg.Analyzer.MaxTokens,
		})
		if err != nil {
			logger.Error("analyzer init failed", zap.Error(err))
			os.Exit(1)
		}
		completer = claude
	} else {
		logger.Warn("no analyzer API key configured, audits will use fallback findings")
	}
	seoAnalyzer := analyzer.New(completer, cfg.AnalyzeTimeout(), logger.Named("analyzer"))

	runner := pipeline.New(auditStore, pageFetcher, seoAnalyzer, broadcaster, m, clock, logger.Named("pipeline"))
	queue := queuememory.NewQueue(cfg.Pipeline.QueueDepth)
	dispatch := dispatcher.New(queue, runner, cfg.Pipeline.Concurrency, logger.Named("dispatcher"))

	apiServer := api.NewServer(
		auditStore,
		limiter,
		dispatch,
		broadcaster,
		idGen,
		clock,
		m,
		registry,
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("concurrency", cfg.Pipeline.Concurrency))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	logger.Info("shutdown complete")
}

// buildStores selects the persistence provider from config. The returned
// close function is safe to call once regardless of provider.
func buildStores(ctx context.Context, cfg config.Config) (audit.Store, audit.UsageStore, func(), error) {
	switch cfg.Store.Provider {
	case "memory":
		return memorystore.NewAuditStore(), memorystore.NewUsageStore(), func() {}, nil
	case "postgres":
		pgCfg := pgstore.Config{
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}
		auditStore, err := pgstore.NewAuditStore(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres audit store: %w", err)
		}
		usageStore, err := pgstore.NewUsageStore(ctx, pgCfg)
		if err != nil {
			auditStore.Close()
			return nil, nil, nil, fmt.Errorf("postgres usage store: %w", err)
		}
		return auditStore, usageStore, func() {
			auditStore.Close()
			usageStore.Close()
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
}
