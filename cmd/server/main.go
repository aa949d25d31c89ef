package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sourcefall/sourcefall/internal/access"
	"github.com/sourcefall/sourcefall/internal/catalog"
	"github.com/sourcefall/sourcefall/internal/config"
	"github.com/sourcefall/sourcefall/internal/dnscache"
	"github.com/sourcefall/sourcefall/internal/httputil"
	"github.com/sourcefall/sourcefall/internal/ledger"
	"github.com/sourcefall/sourcefall/internal/logger"
	"github.com/sourcefall/sourcefall/internal/monitoring"
	"github.com/sourcefall/sourcefall/internal/orchestrator"
	"github.com/sourcefall/sourcefall/internal/proxypool"
	"github.com/sourcefall/sourcefall/internal/server"
	"github.com/sourcefall/sourcefall/internal/stats"
	"github.com/sourcefall/sourcefall/internal/utils"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envPath := flag.String("env", "", "Optional .env file with resource secrets")
	flag.Parse()

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			slog.Error("Failed to load env file", "path", *envPath, "error", err)
			os.Exit(1)
		}
	} else {
		// Best effort: a .env next to the binary is convenient in development.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LoggingLevel)

	log.Info("Starting sourcefall",
		"logging_level", cfg.Server.LoggingLevel,
		"port", cfg.Server.Port,
	)

	resources, err := cfg.CatalogResources()
	if err != nil {
		log.Error("Failed to build catalog", "error", err)
		os.Exit(1)
	}
	cat, err := catalog.New(resources)
	if err != nil {
		log.Error("Failed to build catalog", "error", err)
		os.Exit(1)
	}

	log.Info("Loaded resources", "count", cat.Len())
	for i, res := range resources {
		log.Info("Resource configured",
			"index", i+1,
			"id", res.ID,
			"category", res.Category,
			"tier", res.Tier.String(),
			"restricted", res.Restricted,
		)
	}

	led := ledger.New(cfg.Tunables.FailureThreshold, cfg.Tunables.FixedCooldown, cfg.Tunables.RateLimitCooldown, log)

	dnsEndpoints := map[dnscache.Provider]string{}
	if cfg.DNS.CloudflareEndpoint != "" {
		dnsEndpoints[dnscache.ProviderCloudflare] = cfg.DNS.CloudflareEndpoint
	}
	if cfg.DNS.GoogleEndpoint != "" {
		dnsEndpoints[dnscache.ProviderGoogle] = cfg.DNS.GoogleEndpoint
	}
	dns := dnscache.NewResolver(&dnscache.Config{
		CacheSize: cfg.DNS.CacheSize,
		TTL:       cfg.DNS.CacheTTL,
		Endpoints: dnsEndpoints,
		Logger:    log,
	})

	proxies := proxypool.NewPool(&proxypool.Config{
		ListingURL:          cfg.ProxyPool.ListingURL,
		Seed:                cfg.ProxyPool.Seed,
		RefreshInterval:     cfg.ProxyPool.RefreshInterval,
		TargetSize:          cfg.ProxyPool.TargetSize,
		DeactivateThreshold: int64(cfg.ProxyPool.DeactivateThreshold),
		Logger:              log,
	})

	resolver := access.NewResolver(&access.Config{
		DNS:            dns,
		Proxies:        proxies,
		AttemptTimeout: cfg.Tunables.AttemptTimeout,
		ClientConfig:   &httputil.ClientConfig{Timeout: cfg.Tunables.AttemptTimeout},
		Logger:         log,
	})

	metrics := monitoring.New(cfg.Monitoring.PrometheusEnabled)
	orch := orchestrator.New(&orchestrator.Config{
		Catalog:      cat,
		Ledger:       led,
		Access:       resolver,
		Metrics:      metrics,
		Logger:       log,
		MaxRaceWidth: cfg.Tunables.MaxRaceWidth,
	})
	reporter := stats.NewReporter(cat, led, orch, proxies)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go proxies.Start(ctx)

	// Background availability gauges for the scrape endpoint.
	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for id, rec := range led.SnapshotAll() {
						available := rec.Status != ledger.StatusCircuitOpen ||
							!utils.NowUTC().Before(rec.CooldownUntil)
						metrics.UpdateResourceAvailability(id, available, rec.CooldownUntil.Sub(utils.NowUTC()))
					}
					metrics.UpdateProxyPoolActive(proxies.ActiveCount())
				}
			}
		}()
		log.Info("Metrics updater started (updates every 10 seconds)")
	}

	rtr := server.New(orch, reporter, led, cat, cfg.Monitoring.HealthCheckPath, log)

	mux := http.NewServeMux()
	mux.Handle("/", rtr)

	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		log.Info("Prometheus metrics enabled", "path", "/metrics")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server shutdown complete")
}
