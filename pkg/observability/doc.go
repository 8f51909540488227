// Package observability provides logrus logging, Prometheus metrics, health
// checks and OpenTelemetry tracing for the plugin daemon.
//
// # Logging
//
//	log := observability.NewLogger("info", "json", os.Stdout)
//	observability.PluginLogger(ctx, log, name).Info("Loaded plugin")
//
// # Metrics
//
// A nil *Metrics records nothing, so components accept it as optional:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordInstall(err)
//	metrics.ObserveHook("pre_generate", time.Since(start))
//
// # Tracing
//
//	tp, err := observability.InitTracing(ctx, cfg, log)
//	defer observability.ShutdownTracing(ctx, tp, log)
//	ctx, span := observability.StartSpan(ctx, "plugins.install")
//	defer func() { observability.EndSpan(span, err) }()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddDatabase("journal", db)
//	checker.AddRedis("cache", client)
//	observability.RegisterHealthRoutes(mux, checker)
package observability
