package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/platinummonkey/cloudcraver/pkg/sandbox"
)

// HookResult is the outcome of one plugin's handler for a broadcast hook
type HookResult struct {
	Plugin string `json:"plugin"`
	Value  any    `json:"value,omitempty"`
	Err    error  `json:"-"`
}

// registerHooks subscribes p to every manifest hook it has a handler for
func (o *Orchestrator) registerHooks(p *plugins.Plugin, log *logrus.Entry) {
	var handlers map[string]plugins.HookFunc
	if hp, ok := p.Instance.(plugins.HookProvider); ok {
		handlers = hp.Hooks()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, hook := range p.Manifest.Hooks {
		if _, ok := handlers[hook]; !ok {
			log.Warnf("Plugin %s declares hook %s without a handler", p.Name(), hook)
			continue
		}
		if contains(o.hooks[hook], p.Name()) {
			continue
		}
		o.hooks[hook] = append(o.hooks[hook], p.Name())
		log.Debugf("Registered hook %s", hook)
	}
}

func (o *Orchestrator) unregisterHooks(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for hook, names := range o.hooks {
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		if len(kept) == 0 {
			delete(o.hooks, hook)
			continue
		}
		o.hooks[hook] = kept
	}
}

// Subscribers returns the plugins registered for hook in registration order
func (o *Orchestrator) Subscribers(hook string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.hooks[hook]...)
}

// EmitHook calls every active plugin registered for hook. A failing handler
// does not stop the broadcast; its error is carried in its result.
func (o *Orchestrator) EmitHook(ctx context.Context, hook string, args map[string]any) []HookResult {
	ctx, span := observability.StartSpan(ctx, "plugins.emit_hook", trace.WithAttributes(attribute.String("plugin.hook", hook)))
	start := time.Now()
	defer func() {
		o.metrics.ObserveHook(hook, time.Since(start))
		observability.EndSpan(span, nil)
	}()

	o.mu.RLock()
	targets := make([]*plugins.Plugin, 0, len(o.hooks[hook]))
	for _, name := range o.hooks[hook] {
		if p, ok := o.handles[name]; ok {
			targets = append(targets, p)
		}
	}
	o.mu.RUnlock()

	results := make([]HookResult, 0, len(targets))
	for _, p := range targets {
		if ctx.Err() != nil {
			break
		}
		if p.Stage() != plugins.StageActive {
			continue
		}
		res := o.callHook(ctx, p, hook, args)
		if res.Err != nil {
			observability.PluginLogger(ctx, o.log, p.Name()).WithError(res.Err).
				WithField(observability.FieldHook, hook).Error("Hook handler failed")
			o.metrics.RecordHookFailure(hook, p.Name())
			o.recordError(ctx, p.Name(), fmt.Errorf("hook %s: %w", hook, res.Err))
		}
		results = append(results, res)
	}
	span.SetAttributes(attribute.Int("plugin.hook.calls", len(results)))
	return results
}

func (o *Orchestrator) callHook(ctx context.Context, p *plugins.Plugin, hook string, args map[string]any) HookResult {
	res := HookResult{Plugin: p.Name()}
	hp, ok := p.Instance.(plugins.HookProvider)
	if !ok {
		res.Err = fmt.Errorf("plugin %s provides no hook handlers", p.Name())
		return res
	}
	handler, ok := hp.Hooks()[hook]
	if !ok {
		res.Err = fmt.Errorf("plugin %s has no handler for %s", p.Name(), hook)
		return res
	}

	value := make(chan any, 1)
	res.Err = o.sandbox.ExecuteIn(ctx, o.invocation(p.Manifest, p.Path), func(ctx context.Context, _ *sandbox.SecurityContext) error {
		v, err := handler(ctx, args)
		value <- v
		return err
	})
	if res.Err == nil {
		res.Value = <-value
	}
	return res
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
