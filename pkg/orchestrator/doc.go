// Package orchestrator drives the plugin workflows end to end.
//
// An Orchestrator is built from explicit collaborators: a Validator, a
// dependency Resolver, a Loader, a Sandbox, a Registry and optionally a
// Discovery and a Marketplace. It owns the set of running plugins and the
// hook subscriptions.
//
// Install validates the package, checks dependencies, places the files and
// registers the record. Load instantiates the plugin inside the sandbox,
// validates the instance and walks it through
//
//	Loaded -> Configured -> Initialized -> Active
//
// calling Initialize and Activate inside the sandbox. Hooks are subscribed
// only once the plugin is Active. Unload reverses the walk through Suspended
// to Unloaded. Every failure is appended to the plugin's registry record.
//
// Workflows on one plugin name are serialized; workflows on different names
// run concurrently.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Options{
//		DataDir:   "/var/lib/cloudcraver",
//		Validator: validator,
//		Loader:    loader,
//		Sandbox:   sb,
//		Registry:  reg,
//	})
//	if _, err := orch.Install(ctx, "./aws-vpc.zip", false); err != nil {
//		return err
//	}
//	if err := orch.Load(ctx, "aws-vpc"); err != nil {
//		return err
//	}
//	results := orch.EmitHook(ctx, "pre_generate", map[string]any{"template": "vpc"})
//
// Watcher reports changes under plugin directories after a debounce window,
// and UpdateScheduler checks the marketplace for newer versions on a cron
// schedule.
package orchestrator
