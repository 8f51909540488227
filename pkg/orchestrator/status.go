package orchestrator

import (
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// PluginStatus describes one installed plugin
type PluginStatus struct {
	Version   string        `json:"version"`
	Type      string        `json:"type"`
	Stage     plugins.Stage `json:"stage"`
	Status    string        `json:"status"`
	Enabled   bool          `json:"enabled"`
	LoadCount int           `json:"load_count"`
	LastError string        `json:"last_error,omitempty"`
	Hooks     []string      `json:"hooks,omitempty"`
}

// Status summarizes every installed plugin
type Status struct {
	TotalPlugins  int                     `json:"total_plugins"`
	ActivePlugins int                     `json:"active_plugins"`
	PluginsByType map[string]int          `json:"plugins_by_type"`
	Plugins       map[string]PluginStatus `json:"plugins"`
}

// Status reports the registry view merged with live lifecycle state
func (o *Orchestrator) Status() Status {
	records := o.registry.Records()
	st := Status{
		TotalPlugins:  len(records),
		PluginsByType: make(map[string]int),
		Plugins:       make(map[string]PluginStatus, len(records)),
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	subscribed := make(map[string][]string)
	for hook, names := range o.hooks {
		for _, n := range names {
			subscribed[n] = append(subscribed[n], hook)
		}
	}

	for _, rec := range records {
		name := rec.Manifest.Name
		ps := PluginStatus{
			Version:   rec.Manifest.Version,
			Type:      string(rec.Manifest.Type),
			Stage:     plugins.StageUnloaded,
			Status:    rec.Status,
			Enabled:   rec.Enabled,
			LoadCount: rec.LoadCount,
			LastError: rec.LastError(),
			Hooks:     subscribed[name],
		}
		if p, ok := o.handles[name]; ok {
			ps.Stage = p.Stage()
			if err := p.LastError(); err != nil && ps.Stage == plugins.StageError {
				ps.LastError = err.Error()
			}
		}
		if ps.Stage == plugins.StageActive {
			st.ActivePlugins++
			st.PluginsByType[ps.Type]++
		}
		st.Plugins[name] = ps
	}
	return st
}
