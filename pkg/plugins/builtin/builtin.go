// Package builtin holds the example plugins compiled into the daemon: an AWS
// S3 bucket template and a rule-based template validator.
//
// Register adds their entry types to a FactoryRegistry. WritePackages writes
// a manifest-only package for each under a directory, so they can be
// discovered and installed like any other plugin.
package builtin

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/platinummonkey/cloudcraver/pkg/plugins"
)

// Module is the native module path every built-in plugin names
const Module = "cloudcraver_builtin"

// Register adds the built-in entry types to r
func Register(r *plugins.FactoryRegistry) error {
	if err := r.Register(Module, S3TemplateClass, NewS3TemplatePlugin); err != nil {
		return err
	}
	return r.Register(Module, PolicyValidatorClass, NewPolicyValidator)
}

// Manifests returns fresh manifests for the built-in plugins
func Manifests() []*plugins.Manifest {
	return []*plugins.Manifest{s3TemplateManifest(), policyValidatorManifest()}
}

// WritePackages writes dir/<name>/plugin.json for every built-in plugin and
// returns the package directories. Existing packages are overwritten.
func WritePackages(dir string) ([]string, error) {
	var out []string
	for _, m := range Manifests() {
		pkgDir := filepath.Join(dir, m.Name)
		if err := os.MkdirAll(pkgDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", pkgDir, err)
		}
		if err := plugins.SaveManifest(m, filepath.Join(pkgDir, "plugin.json")); err != nil {
			return nil, err
		}
		out = append(out, pkgDir)
	}
	return out, nil
}

func baseMetadata(name, description string, keywords, categories []string) plugins.Metadata {
	return plugins.Metadata{
		Name:           name,
		Version:        "1.0.0",
		Description:    description,
		Author:         "CloudCraver Team",
		Email:          "plugins@cloudcraver.io",
		License:        "MIT",
		Keywords:       keywords,
		Categories:     categories,
		MinCoreVersion: "1.0.0",
	}
}

// configString reads a string setting, falling back to def
func configString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configBool reads a boolean setting, falling back to def
func configBool(config map[string]any, key string, def bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return def
}
