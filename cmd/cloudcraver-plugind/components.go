package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/cloudcraver/pkg/config"
	"github.com/platinummonkey/cloudcraver/pkg/dependencies"
	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/orchestrator"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/platinummonkey/cloudcraver/pkg/plugins/builtin"
	"github.com/platinummonkey/cloudcraver/pkg/plugins/lua"
	"github.com/platinummonkey/cloudcraver/pkg/registry"
	"github.com/platinummonkey/cloudcraver/pkg/sandbox"
)

// components holds everything the daemon wires together
type components struct {
	orch       *orchestrator.Orchestrator
	sandbox    *sandbox.Sandbox
	loader     *plugins.Loader
	journal    *registry.SQLJournal
	redisCache *marketplace.RedisCache
	repoServer *marketplace.Server
	watcher    *orchestrator.Watcher
	scheduler  *orchestrator.UpdateScheduler
	log        *logrus.Logger
}

func buildComponents(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, health *observability.HealthChecker, logger *logrus.Logger) (*components, error) {
	c := &components{log: logger}

	var regOpts []registry.Option
	if cfg.Registry.JournalDriver != "" {
		journal, err := registry.OpenJournal(ctx, cfg.Registry.JournalDriver, cfg.Registry.JournalDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open registry journal: %w", err)
		}
		c.journal = journal
		regOpts = append(regOpts, registry.WithJournal(journal))
		health.AddDatabase("registry-journal", journal.DB())
		logger.Infof("Registry journal enabled (%s)", cfg.Registry.JournalDriver)
	}
	reg, err := registry.Open(cfg.Registry.Path, logger, regOpts...)
	if err != nil {
		c.close(ctx)
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	regPath := cfg.Registry.Path
	health.AddCheck("registry", true, func(context.Context) error {
		_, err := os.Stat(regPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})

	market, err := c.buildMarketplace(ctx, cfg, metrics, health, logger)
	if err != nil {
		c.close(ctx)
		return nil, err
	}

	c.sandbox = sandbox.New(sandbox.Config{
		Enabled:      cfg.Sandbox.Enabled,
		MaxCPUTime:   cfg.Sandbox.MaxCPUTime,
		MaxMemory:    cfg.Sandbox.MaxMemory,
		AddressSpace: cfg.Sandbox.AddressSpace,
		MaxFileSize:  cfg.Sandbox.MaxFileSize,
		AllowedPaths: cfg.Sandbox.AllowedPaths,
		TempRoot:     cfg.Sandbox.TempRoot,
		Timeout:      cfg.Sandbox.Timeout,
	}, logger, sandbox.WithMetrics(metrics))

	factories := plugins.NewFactoryRegistry()
	if err := builtin.Register(factories); err != nil {
		c.close(ctx)
		return nil, fmt.Errorf("failed to register built-in plugins: %w", err)
	}
	builtinDir := filepath.Join(cfg.Orchestrator.DataDir, "builtin")
	if _, err := builtin.WritePackages(builtinDir); err != nil {
		c.close(ctx)
		return nil, fmt.Errorf("failed to write built-in plugin packages: %w", err)
	}

	c.loader = plugins.NewLoader(plugins.LoaderOptions{
		Isolation:      cfg.Loader.Isolation,
		TempDir:        cfg.Loader.TempDir,
		MaxPackageSize: cfg.Loader.MaxPackageSize,
	}, logger,
		plugins.NewNativeRuntime(factories),
		lua.New(lua.Options{CallTimeout: cfg.Loader.LuaCallTimeout}, logger),
	)

	validator := plugins.NewValidator(plugins.ValidatorOptions{
		Strict:         cfg.Validator.Strict,
		MaxFileSize:    cfg.Validator.MaxFileSize,
		MaxPackageSize: cfg.Loader.MaxPackageSize,
		AllowedImports: cfg.Validator.AllowedImports,
	}, logger)

	discovery := plugins.NewDiscovery(plugins.DiscoveryOptions{
		ProjectDir: cfg.Discovery.ProjectDir,
		UserDir:    cfg.Discovery.UserDir,
		SystemDir:  cfg.Discovery.SystemDir,
		ExtraPaths: cfg.Discovery.ExtraPaths,
	}, logger)
	discovery.AddSearchPath(builtinDir)

	c.orch, err = orchestrator.New(orchestrator.Options{
		CoreVersion: cfg.Orchestrator.CoreVersion,
		InstallDir:  cfg.Loader.InstallDir,
		DataDir:     cfg.Orchestrator.DataDir,
		CacheDir:    cfg.Orchestrator.CacheDir,
		Discovery:   discovery,
		Validator:   validator,
		Resolver:    dependencies.NewResolver(market, logger),
		Loader:      c.loader,
		Sandbox:     c.sandbox,
		Registry:    reg,
		Marketplace: market,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		c.close(ctx)
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if cfg.Orchestrator.UpdateSchedule != "" {
		c.scheduler, err = orchestrator.NewUpdateScheduler(cfg.Orchestrator.UpdateSchedule, c.orch, cfg.Marketplace.RequestTimeout, logger)
		if err != nil {
			c.close(ctx)
			return nil, fmt.Errorf("failed to create update scheduler: %w", err)
		}
	}
	return c, nil
}

func (c *components) buildMarketplace(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, health *observability.HealthChecker, logger *logrus.Logger) (*marketplace.Marketplace, error) {
	mc := cfg.Marketplace
	opts := []marketplace.Option{marketplace.WithMetrics(metrics)}

	for _, raw := range mc.Repositories {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			logger.Warnf("Skipping invalid repository URL %q", raw)
			continue
		}
		opts = append(opts, marketplace.WithRepository(marketplace.NewHTTPRepository(raw, mc.APIKeys[u.Host], mc.RequestTimeout)))
	}
	for _, s3cfg := range mc.S3Repositories {
		repo, err := marketplace.NewS3Repository(ctx, marketplace.S3Config{
			Bucket:       s3cfg.Bucket,
			Prefix:       s3cfg.Prefix,
			Region:       mc.S3Region,
			Endpoint:     mc.S3Endpoint,
			AccessKey:    mc.S3AccessKey,
			SecretKey:    mc.S3SecretKey,
			UsePathStyle: mc.S3UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 repository %s: %w", s3cfg.Bucket, err)
		}
		opts = append(opts, marketplace.WithRepository(repo))
	}

	if mc.CacheBackend == "redis" {
		rc, err := marketplace.NewRedisCache(mc.RedisURL, mc.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis cache: %w", err)
		}
		c.redisCache = rc
		health.AddRedis("marketplace-cache", rc.Client())
		opts = append(opts, marketplace.WithCache(rc))
	} else {
		opts = append(opts, marketplace.WithCache(marketplace.NewLRUCache(mc.CacheSize, mc.CacheTTL)))
	}

	if mc.ServeIndex != "" {
		srv, err := marketplace.NewServer(mc.ServeIndex, mc.ServeArtifacts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load repository index: %w", err)
		}
		c.repoServer = srv
	}

	return marketplace.New(marketplace.Config{
		CacheTTL:         mc.CacheTTL,
		CacheSize:        mc.CacheSize,
		RequestTimeout:   mc.RequestTimeout,
		DownloadTimeout:  mc.DownloadTimeout,
		MaxDownloadSize:  mc.MaxDownloadSize,
		SecurityScanning: mc.SecurityScanning,
		Concurrency:      mc.Concurrency,
	}, logger, opts...), nil
}

// startWatcher watches the install dir and the discovery roots and reports
// new candidates after each burst of changes
func (c *components) startWatcher(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	dirs := []string{c.orch.InstallDir()}
	for _, d := range []string{cfg.Discovery.ProjectDir, cfg.Discovery.UserDir} {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	dirs = append(dirs, cfg.Discovery.ExtraPaths...)

	w, err := orchestrator.NewWatcher(dirs, cfg.Orchestrator.WatchDebounce, func(ctx context.Context, paths []string) {
		logger.Debugf("Plugin directories changed: %v", paths)
		reportCandidates(ctx, c.orch, logger)
	}, logger)
	if err != nil {
		return err
	}
	c.watcher = w
	go w.Run(ctx)
	return nil
}

// close stops background work, unloads plugins and releases resources
func (c *components) close(ctx context.Context) error {
	var errs []error
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("watcher: %w", err))
		}
	}
	if c.orch != nil {
		if err := c.orch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload plugins: %w", err))
		}
	}
	if c.loader != nil {
		c.loader.Cleanup()
	}
	if c.sandbox != nil {
		c.sandbox.Shutdown()
	}
	if c.redisCache != nil {
		if err := c.redisCache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis cache: %w", err))
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: %w", err))
		}
	}
	return errors.Join(errs...)
}
