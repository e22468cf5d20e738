// Command contentd serves WordPress content for every configured edition
// through the resilient fetching core, with health, status, metrics and
// purge endpoints.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"content-core/pkg/api"
	"content-core/pkg/breaker"
	"content-core/pkg/cache"
	"content-core/pkg/cache/adaptive"
	"content-core/pkg/cache/bloom"
	"content-core/pkg/cache/redis"
	"content-core/pkg/chain"
	"content-core/pkg/config"
	"content-core/pkg/content"
	"content-core/pkg/dedupe"
	"content-core/pkg/logging"
	"content-core/pkg/metrics"
	"content-core/pkg/metrics/memory"
	promMetrics "content-core/pkg/metrics/prometheus"
	"content-core/pkg/resilience"
	"content-core/pkg/upstream"
	"content-core/pkg/wordpress"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		log.Fatalf("contentd: %v", err)
	}

	logger, err := logging.NewLogger(settings.Logging())
	if err != nil {
		log.Fatalf("contentd: failed to initialize logger: %v", err)
	}
	logging.SetGlobal(logger)

	os.Exit(exitCode(logger, run(settings, logger)))
}

// exitCode reports a failed run and flushes the logger, since os.Exit skips
// deferred calls.
func exitCode(logger *logging.Logger, err error) int {
	if err != nil {
		logger.Error("contentd stopped", zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		return 1
	}
	return 0
}

func run(settings *config.Settings, logger *logging.Logger) error {
	editions, err := config.LoadEditions(settings.EditionsFile)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promCollector := promMetrics.NewPrometheusCollector("content")
	if err := promCollector.Register(registry); err != nil {
		return err
	}
	memCollector := memory.NewMemoryCollector()
	collector := metrics.NewMulti(promCollector, memCollector)

	breakers := breaker.NewManager(settings.Breaker(),
		breaker.WithMetrics(collector),
		breaker.WithLogger(logger.Named("breaker")))

	transport := upstream.NewTransport(
		upstream.WithDefaults(settings.Retry()),
		upstream.WithRetryBudget(upstream.NewRetryBudget(settings.RetryBudgetPerSecond, settings.RetryBudgetBurst)),
		upstream.WithMetrics(collector),
		upstream.WithLogger(logger.Named("upstream")))

	client, err := wordpress.NewClient(editions, transport, breakers,
		wordpress.WithRetryOptions(settings.Retry()),
		wordpress.WithMetrics(collector),
		wordpress.WithLogger(logger.Named("wordpress")))
	if err != nil {
		return err
	}

	layers := []cache.CacheLayer{
		adaptive.New(settings.Adaptive(),
			adaptive.WithMetrics(collector),
			adaptive.WithLogger(logger.Named("adaptive"))),
	}
	if settings.RedisEnabled() {
		shared, err := redis.NewRedisCache(settings.Redis())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := shared.Ping(ctx); err != nil {
			logger.Warn("shared cache not reachable yet", zap.String("addr", settings.RedisAddr), zap.Error(err))
		}
		cancel()
		layers = append(layers, shared)
	}

	index := bloom.NewEntityIndex(uint(settings.IndexExpectedTags), settings.IndexFPRate)
	cacheChain, err := chain.New(layers,
		chain.WithIndex(index),
		chain.WithBreakers(breakers, resilience.DefaultResilientConfig().WithTimeout(settings.RedisTimeout)),
		chain.WithMetrics(collector),
		chain.WithLogger(logger.Named("chain")))
	if err != nil {
		return err
	}
	defer cacheChain.Close()

	memo := dedupe.New(settings.Dedupe(),
		dedupe.WithMetrics(collector),
		dedupe.WithLogger(logger.Named("dedupe")))

	svc, err := content.NewService(client, breakers, cacheChain, memo, content.Config{
		EmptyResultTTL: settings.EmptyResultTTL,
		DefaultLimit:   10,
		TermLimit:      wordpress.MaxPerPage,
		WarmLimit:      10,
	},
		content.WithMetrics(collector),
		content.WithLogger(logger.Named("content")),
		content.WithIndex(index))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go breakers.Run(ctx)

	if settings.WarmOnStart {
		go func() {
			if err := svc.Warm(ctx); err != nil {
				logger.Warn("warm-up incomplete", zap.Error(err))
			}
		}()
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = settings.AdminAddr
	server, err := api.NewServer(svc, serverConfig,
		api.WithRegistry(registry),
		api.WithMemoryMetrics(memCollector),
		api.WithLogger(logger.Named("api")))
	if err != nil {
		return err
	}
	server.Start()

	logger.Info("contentd started",
		zap.Strings("editions", client.Editions()),
		zap.String("chain", cacheChain.String()),
		zap.String("addr", settings.AdminAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := cacheChain.Flush(settings.ShutdownTimeout / 2); err != nil {
		logger.Warn("pending cache writes dropped", zap.Error(err))
	}
	return nil
}
