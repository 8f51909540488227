package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFileNames are the recognized manifest file names, in lookup order
var ManifestFileNames = []string{
	"plugin.json",
	"manifest.json",
	"cloudcraver.json",
	"plugin.yaml",
	"plugin.yml",
}

var requiredManifestFields = []string{"name", "version", "description", "author", "type", "main_class"}

// IsManifestFile reports whether name is a recognized manifest file name
func IsManifestFile(name string) bool {
	for _, candidate := range ManifestFileNames {
		if name == candidate {
			return true
		}
	}
	return false
}

// ParseManifest decodes manifest content. Format is "json" or "yaml".
func ParseManifest(data []byte, format string) (*Manifest, error) {
	var raw map[string]any
	var manifest Manifest

	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ManifestError{Reason: "invalid yaml", Err: err}
		}
		if err := checkRequiredFields(raw); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, &ManifestError{Reason: "invalid yaml", Err: err}
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ManifestError{Reason: "invalid json", Err: err}
		}
		if err := checkRequiredFields(raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, &ManifestError{Reason: "invalid json", Err: err}
		}
	}

	pluginType, err := ParsePluginType(string(manifest.Type))
	if err != nil {
		return nil, &ManifestError{Field: "type", Reason: err.Error()}
	}
	manifest.Type = pluginType

	if manifest.ModulePath == "" {
		manifest.ModulePath = manifest.MainClass
	}

	return &manifest, nil
}

func checkRequiredFields(raw map[string]any) error {
	if raw == nil {
		return &ManifestError{Reason: "manifest is empty"}
	}
	for _, field := range requiredManifestFields {
		value, ok := raw[field]
		if !ok || value == nil {
			return &ManifestError{Field: field, Reason: "missing required field"}
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return &ManifestError{Field: field, Reason: "required field is empty"}
		}
	}
	return nil
}

// FormatForFile returns the manifest format implied by a file name
func FormatForFile(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Reason: "failed to read manifest", Err: err}
	}

	manifest, err := ParseManifest(data, FormatForFile(path))
	if err != nil {
		if me, ok := err.(*ManifestError); ok {
			me.Path = path
		}
		return nil, err
	}
	manifest.Source = path

	return manifest, nil
}

// FindManifest returns the path of the first recognized manifest file in dir
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, true
		}
	}
	return "", false
}

// LoadManifestFromDir loads a plugin manifest from a plugin root directory
func LoadManifestFromDir(dir string) (*Manifest, error) {
	path, ok := FindManifest(dir)
	if !ok {
		return nil, &ManifestError{Path: dir, Reason: "no manifest file found"}
	}
	return LoadManifest(path)
}

// SaveManifest saves a plugin manifest to a file, as YAML when the name says so
func SaveManifest(manifest *Manifest, path string) error {
	var (
		data []byte
		err  error
	)
	if FormatForFile(path) == "yaml" {
		data, err = yaml.Marshal(manifest)
	} else {
		data, err = json.MarshalIndent(manifest, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// IsCompatibleCore checks the manifest's core version bounds
func IsCompatibleCore(manifest *Manifest, coreVersion string) bool {
	if coreVersion == "" {
		return true
	}
	if manifest.MinCoreVersion != "" && CompareVersions(coreVersion, manifest.MinCoreVersion) < 0 {
		return false
	}
	if manifest.MaxCoreVersion != "" && CompareVersions(coreVersion, manifest.MaxCoreVersion) > 0 {
		return false
	}
	return true
}
