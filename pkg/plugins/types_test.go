package plugins

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePluginType(t *testing.T) {
	for _, pt := range PluginTypes {
		t.Run(string(pt), func(t *testing.T) {
			got, err := ParsePluginType(" " + string(pt) + " ")
			require.NoError(t, err)
			assert.Equal(t, pt, got)
			assert.True(t, got.Valid())
		})
	}

	got, err := ParsePluginType("TEMPLATE")
	require.NoError(t, err)
	assert.Equal(t, PluginTypeTemplate, got)

	_, err = ParsePluginType("theme")
	assert.Error(t, err)
	assert.False(t, PluginType("theme").Valid())
}

func TestManifestRuntimeName(t *testing.T) {
	tests := []struct {
		name     string
		manifest Manifest
		want     string
	}{
		{"explicit", Manifest{Runtime: "Native", ModulePath: "main.lua"}, RuntimeNative},
		{"lua by extension", Manifest{ModulePath: "src/main.lua"}, RuntimeLua},
		{"native default", Manifest{ModulePath: "github.com/acme/vpc"}, RuntimeNative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.manifest.RuntimeName())
		})
	}

	m := Manifest{Metadata: Metadata{Name: "aws-vpc", Version: "1.2.0"}}
	assert.Equal(t, "aws-vpc:1.2.0", m.Key())
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Equal(t, 0, Severity("unknown").Rank())
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"manifest", &ManifestError{Path: "p/plugin.json", Field: "name", Reason: "missing required field"},
			`manifest error in p/plugin.json: field "name": missing required field`},
		{"dependency", &DependencyError{Plugin: "web", Dependency: "net>=2.0", Reason: "not installed"},
			"dependency error for web (requires net>=2.0): not installed"},
		{"install", &InstallError{Plugin: "web", Source: "web.zip", Reason: "path traversal"},
			"install failed for web from web.zip: path traversal"},
		{"load", &LoadError{Plugin: "web", Path: "/p/web", Err: cause},
			"load failed for web at /p/web: boom"},
		{"registry", &RegistryError{Op: "save", Path: "registry.json", Err: cause},
			"registry save registry.json: boom"},
		{"marketplace", &MarketplaceError{Repository: "https://r", Op: "search", Err: cause},
			"marketplace search failed for https://r: boom"},
		{"violation", &SecurityViolation{Severity: SeverityHigh, Message: "uses os.execute", File: "main.lua", Line: 3},
			"[HIGH] uses os.execute at main.lua:3"},
		{"violation in file", &SecurityViolation{Severity: SeverityLow, Message: "large file", File: "data.json"},
			"[LOW] large file in data.json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	err := fmt.Errorf("install: %w", &InstallError{Plugin: "web", Err: ErrAlreadyInstalled})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)

	var ie *InstallError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "web", ie.Plugin)

	assert.ErrorIs(t, &LoadError{Err: ErrPluginNotFound}, ErrPluginNotFound)
	assert.ErrorIs(t, &DependencyError{Err: ErrCycle}, ErrCycle)
	assert.ErrorIs(t, &ManifestError{Err: ErrPermissionDenied}, ErrPermissionDenied)
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.0", "1.0.0", 0},
		{"v2.0.0", "1.9.9", 1},
		{"1.2.3", "1.10.0", -1},
		{"1.0.0-alpha", "1.0.0", -1},
		{"1.0.0-alpha.2", "1.0.0-alpha.10", -1},
		{"1.0.0-alpha", "1.0.0-beta", -1},
		{"1.0.0-1", "1.0.0-alpha", -1},
		{"1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"1.0.0+build.5", "1.0.0", 0},
		{"1.2.3.4", "1.2.3", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
			assert.Equal(t, -tt.want, CompareVersions(tt.b, tt.a))
		})
	}

	assert.Equal(t, -1, CompareVersions("latest", "stable"), "unparseable versions compare as strings")
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("v1.4.2-rc.1+sha.abc")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 2}, v.Parts)
	assert.Equal(t, "rc.1", v.Prerelease)
	assert.Equal(t, "1.4.2-rc.1", v.String())

	for _, bad := range []string{"", "one.two", "1..2", "1.2.3.4.5"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}

	assert.True(t, IsValidSemver("1.2.3"))
	assert.True(t, IsValidSemver("v1.2.3-beta+42"))
	assert.False(t, IsValidSemver("1.2"))
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Stage }{
		{StageUnloaded, StageLoaded},
		{StageUnloaded, StageUninstalled},
		{StageLoaded, StageConfigured},
		{StageLoaded, StageInitialized},
		{StageLoaded, StageUnloaded},
		{StageConfigured, StageInitialized},
		{StageInitialized, StageActive},
		{StageActive, StageSuspended},
		{StageSuspended, StageActive},
		{StageSuspended, StageUnloaded},
		{StageError, StageUnloaded},
		{StageError, StageUninstalled},
		{StageActive, StageError},
		{StageUnloaded, StageError},
	}
	for _, tt := range legal {
		assert.True(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	illegal := []struct{ from, to Stage }{
		{StageUnloaded, StageActive},
		{StageActive, StageUnloaded},
		{StageLoaded, StageActive},
		{StageError, StageError},
		{StageError, StageActive},
		{StageUninstalled, StageLoaded},
		{StageUninstalled, StageError},
	}
	for _, tt := range illegal {
		assert.False(t, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestLifecycle(t *testing.T) {
	lc := NewLifecycle()
	assert.Equal(t, StageUnloaded, lc.Stage())
	assert.False(t, lc.Stage().InUse())

	for _, s := range []Stage{StageLoaded, StageConfigured, StageInitialized, StageActive} {
		require.NoError(t, lc.Transition(s))
	}
	assert.True(t, lc.Stage().InUse())

	err := lc.Transition(StageUnloaded)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StageActive, lc.Stage(), "a refused transition leaves the stage unchanged")

	lc.Fail()
	lc.Fail()
	assert.Equal(t, StageError, lc.Stage())
	require.NoError(t, lc.Transition(StageUninstalled))
	lc.Fail()
	assert.Equal(t, StageUninstalled, lc.Stage(), "uninstalled is terminal")

	assert.Equal(t, []Stage{
		StageUnloaded, StageLoaded, StageConfigured, StageInitialized, StageActive, StageError, StageUninstalled,
	}, lc.History())
}

func TestPluginHandle(t *testing.T) {
	m := &Manifest{Metadata: Metadata{Name: "aws-vpc", Version: "1.0.0"}, Type: PluginTypeTemplate}
	p := NewPlugin(nil, m, "/plugins/aws-vpc", &Context{CoreVersion: "1.0.0"})

	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "aws-vpc", p.Name())
	assert.Equal(t, "1.0.0", p.Version())
	assert.Equal(t, StageLoaded, p.Stage())
	assert.True(t, p.Enabled())

	p.SetEnabled(false)
	assert.False(t, p.Enabled())

	p.SetError(nil)
	assert.Equal(t, StageLoaded, p.Stage())
	p.SetError(errors.New("activation failed"))
	assert.Equal(t, StageError, p.Stage())
	assert.EqualError(t, p.LastError(), "activation failed")

	other := NewPlugin(nil, m, "/plugins/aws-vpc", nil)
	assert.NotEqual(t, p.ID, other.ID)
}
