// Package plugins provides the CloudCraver plugin model: manifests, lifecycle,
// discovery, validation and loading.
//
// # Overview
//
// A plugin is a directory or archive holding a manifest (plugin.json,
// plugin.yaml or plugin.yml) and an implementation unit. The manifest names
// the plugin type, its main class, requested permissions, dependency
// constraints and the core versions it supports.
//
// # Plugin Types
//
// Template, Provider, Validator, Generator, Hook, Extension and Middleware.
// Every type implements Instance:
//
//	type Instance interface {
//		Initialize(ctx context.Context, pc *Context) error
//		Activate(ctx context.Context) error
//		Deactivate(ctx context.Context) error
//		Cleanup(ctx context.Context) error
//	}
//
// Template, Provider, Validator and Hook plugins must also provide the
// operations listed by RequiredOperations.
//
// # Lifecycle
//
//	Unloaded -> Loaded -> Configured -> Initialized -> Active <-> Suspended
//
// Any stage except Uninstalled may move to Error. Lifecycle records every
// transition and rejects illegal ones with ErrIllegalTransition.
//
// # Components
//
// Discovery: Scans project, user and extra directories for plugin packages
// Validator: Manifest checks plus a static scan of Lua and Go sources
// Loader: Installs packages and instantiates them through a Runtime
// FactoryRegistry: Compiled-in entry types served by NativeRuntime
//
// # Usage Example
//
//	loader := plugins.NewLoader(plugins.DefaultLoaderOptions(), logger,
//		plugins.NewNativeRuntime(factories), lua.New(lua.Options{}, logger))
//
//	path, err := loader.Install(ctx, "./aws-vpc-1.0.0.zip", installDir, false)
//	if err != nil {
//		log.Fatal(err)
//	}
//	p, err := loader.Load(ctx, path, pc)
package plugins
