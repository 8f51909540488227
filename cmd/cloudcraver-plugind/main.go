package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/cloudcraver/pkg/config"
	"github.com/platinummonkey/cloudcraver/pkg/dependencies"
	"github.com/platinummonkey/cloudcraver/pkg/httputil"
	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/orchestrator"
)

// Flags holds the command-line options of the daemon
type Flags struct {
	EnvFile      string
	LogLevel     string
	Install      string
	Force        bool
	CheckUpdates bool
	NoServe      bool
}

func main() {
	flags := parseFlags()

	cfg, err := config.LoadConfig(flags.EnvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if flags.LogLevel != "" {
		cfg.Observability.LogLevel = flags.LogLevel
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	logger.Info("Starting CloudCraver plugin daemon")

	if err := run(cfg, flags, logger); err != nil {
		logger.Fatalf("Plugin daemon failed: %v", err)
	}
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.EnvFile, "env-file", ".env", "Environment file loaded before CLOUDCRAVER_ variables")
	flag.StringVar(&f.LogLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	flag.StringVar(&f.Install, "install", "", "Comma-separated plugin packages to install in dependency order")
	flag.BoolVar(&f.Force, "force", false, "Replace existing installations with -install")
	flag.BoolVar(&f.CheckUpdates, "check-updates", false, "Check the marketplace for updates and exit")
	flag.BoolVar(&f.NoServe, "no-serve", false, "Exit after startup tasks instead of serving")

	flag.Parse()

	return f
}

func run(cfg *config.Config, flags *Flags, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}
	health := observability.NewHealthChecker(cfg.Observability.OTelServiceVersion)

	c, err := buildComponents(ctx, cfg, metrics, health, logger)
	if err != nil {
		observability.ShutdownTracing(context.Background(), tp, logger)
		return err
	}

	if flags.Install != "" {
		paths, err := c.orch.InstallBatch(ctx, splitList(flags.Install), flags.Force)
		for _, p := range paths {
			logger.Infof("Installed %s", p)
		}
		if err != nil {
			c.close(context.Background())
			return fmt.Errorf("install failed: %w", err)
		}
	}

	if flags.CheckUpdates {
		updates, err := c.orch.CheckUpdates(ctx)
		c.close(context.Background())
		if err != nil {
			return fmt.Errorf("update check failed: %w", err)
		}
		for _, u := range updates {
			fmt.Printf("%s %s -> %s\n", u.Name, u.Installed, u.Available.Version)
		}
		return nil
	}

	if cfg.Orchestrator.AutoLoad {
		loaded := c.orch.LoadAll(ctx)
		logger.Infof("Loaded %d plugins", loaded)
	}

	if flags.NoServe {
		st := c.orch.Status()
		logger.Infof("%d plugins installed, %d active", st.TotalPlugins, st.ActivePlugins)
		return c.close(context.Background())
	}

	if cfg.Orchestrator.WatchEnabled {
		if err := c.startWatcher(ctx, cfg, logger); err != nil {
			logger.WithError(err).Warn("Plugin directory watch disabled")
		}
	}
	if c.scheduler != nil {
		c.scheduler.Start()
	}

	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware, httputil.RecoveryMiddleware(logger), httputil.LoggingMiddleware(logger))
	api := router.PathPrefix("/api/v1").Subrouter()
	orchestrator.NewHandlers(c.orch).RegisterRoutes(api)
	dependencies.NewHandlers(c.orch.Resolver()).RegisterRoutes(api)
	if c.repoServer != nil {
		c.repoServer.RegisterRoutes(router.PathPrefix("/repository").Subrouter())
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, health)
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
	}
	healthServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	shutdown.RegisterShutdownFunc("plugins", c.close)
	shutdown.RegisterShutdownFunc("health server", healthServer.Shutdown)

	go func() {
		defer observability.RecoverPanic(logger, "health server")
		logger.Infof("Health and metrics listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Health server failed: %v", err)
		}
	}()
	go func() {
		defer observability.RecoverPanic(logger, "api server")
		logger.Infof("Plugin API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API server failed: %v", err)
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}

// reportCandidates logs plugins found under the search paths that are not
// installed at the version found
func reportCandidates(ctx context.Context, orch *orchestrator.Orchestrator, logger *logrus.Logger) {
	found, err := orch.Discover(ctx)
	if err != nil {
		logger.WithError(err).Warn("Plugin discovery failed")
		return
	}
	for _, m := range found {
		logger.WithFields(logrus.Fields{"plugin": m.Name, "version": m.Version}).Info("Plugin candidate available")
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var _ orchestrator.Marketplace = (*marketplace.Marketplace)(nil)
