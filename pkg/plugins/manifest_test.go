package plugins

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifestJSON = `{
  "name": "aws-vpc",
  "version": "1.2.0",
  "description": "VPC templates",
  "author": "acme",
  "type": "template",
  "main_class": "AwsVpc",
  "module_path": "main.lua",
  "permissions": ["file_read"],
  "hooks": ["pre_generate"],
  "dependencies": ["aws-core>=1.0.0"],
  "min_core_version": "1.0.0"
}`

const validManifestYAML = `name: aws-vpc
version: 1.2.0
description: VPC templates
author: acme
type: Provider
main_class: AwsVpc
keywords: [aws, network]
optional_dependencies:
  aws-iam: ">=2.0"
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON), "json")
	require.NoError(t, err)
	assert.Equal(t, "aws-vpc", m.Name)
	assert.Equal(t, PluginTypeTemplate, m.Type)
	assert.Equal(t, "main.lua", m.ModulePath)
	assert.Equal(t, []Permission{PermissionFileRead}, m.Permissions)
	assert.Equal(t, []string{"aws-core>=1.0.0"}, m.Dependencies)

	m, err = ParseManifest([]byte(validManifestYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, PluginTypeProvider, m.Type, "type is normalized")
	assert.Equal(t, "AwsVpc", m.ModulePath, "module path defaults to the main class")
	assert.Equal(t, []string{"aws", "network"}, m.Keywords)
	assert.Equal(t, ">=2.0", m.OptionalDependencies["aws-iam"])
}

func TestParseManifestErrors(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		format    string
		wantField string
	}{
		{"invalid json", `{"name":`, "json", ""},
		{"invalid yaml", "name: [unterminated", "yaml", ""},
		{"empty", `null`, "json", ""},
		{"missing author", `{"name":"x","version":"1.0.0","description":"d","type":"template","main_class":"X"}`, "json", "author"},
		{"blank name", `{"name":"  ","version":"1.0.0","description":"d","author":"a","type":"template","main_class":"X"}`, "json", "name"},
		{"null version", `{"name":"x","version":null,"description":"d","author":"a","type":"template","main_class":"X"}`, "json", "version"},
		{"unknown type", `{"name":"x","version":"1.0.0","description":"d","author":"a","type":"theme","main_class":"X"}`, "json", "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.data), tt.format)
			require.Error(t, err)
			var me *ManifestError
			require.ErrorAs(t, err, &me)
			assert.Equal(t, tt.wantField, me.Field)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plugin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifestYAML), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, path, m.Source)

	_, err = LoadManifest(filepath.Join(dir, "missing.json"))
	var me *ManifestError
	require.ErrorAs(t, err, &me)
	assert.Contains(t, me.Path, "missing.json")

	bad := filepath.Join(dir, "plugin.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":"x"}`), 0o644))
	_, err = LoadManifest(bad)
	require.ErrorAs(t, err, &me)
	assert.Equal(t, bad, me.Path, "parse errors carry the file path")
}

func TestLoadManifestFromDir(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadManifestFromDir(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yml"), []byte(validManifestYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(validManifestJSON), 0o644))

	path, ok := FindManifest(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "manifest.json"), path, "json names win over yaml")

	m, err := LoadManifestFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, PluginTypeTemplate, m.Type)
}

func TestSaveManifestRoundTrip(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON), "json")
	require.NoError(t, err)

	for _, name := range []string{"plugin.json", "plugin.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveManifest(m, path))
			loaded, err := LoadManifest(path)
			require.NoError(t, err)
			assert.Equal(t, m.Name, loaded.Name)
			assert.Equal(t, m.Dependencies, loaded.Dependencies)
			assert.Equal(t, m.Hooks, loaded.Hooks)
		})
	}
}

func TestManifestFileHelpers(t *testing.T) {
	assert.True(t, IsManifestFile("cloudcraver.json"))
	assert.False(t, IsManifestFile("package.json"))
	assert.Equal(t, "yaml", FormatForFile("x/plugin.YML"))
	assert.Equal(t, "json", FormatForFile("plugin.json"))
}

func TestIsCompatibleCore(t *testing.T) {
	m := &Manifest{Metadata: Metadata{MinCoreVersion: "1.2.0", MaxCoreVersion: "2.0.0"}}
	tests := []struct {
		core string
		want bool
	}{
		{"", true},
		{"1.1.9", false},
		{"1.2.0", true},
		{"2.0.0", true},
		{"2.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.core, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCompatibleCore(m, tt.core))
		})
	}
	assert.True(t, IsCompatibleCore(&Manifest{}, "9.9.9"))
}
