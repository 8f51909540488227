package sandbox

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/cloudcraver/pkg/observability"
	"github.com/platinummonkey/cloudcraver/pkg/plugins"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	applied  []Limits
	restored int
	cpuStep  time.Duration // added per CPUTime call
	cpuCalls int
	cpuErr   error
}

func (f *fakeLimiter) Apply(l Limits) (func() error, error) {
	f.applied = append(f.applied, l)
	return func() error { f.restored++; return nil }, nil
}

func (f *fakeLimiter) CPUTime() (time.Duration, error) {
	if f.cpuErr != nil {
		return 0, f.cpuErr
	}
	f.cpuCalls++
	return time.Duration(f.cpuCalls) * f.cpuStep, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSandbox(t *testing.T, mutate func(*Config)) (*Sandbox, *fakeLimiter) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TempRoot = t.TempDir()
	cfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	lim := &fakeLimiter{}
	return New(cfg, testLogger(), WithLimiter(lim)), lim
}

func TestDefaultPermissions(t *testing.T) {
	tests := []struct {
		typ  plugins.PluginType
		want []plugins.Permission
	}{
		{plugins.PluginTypeTemplate, []plugins.Permission{plugins.PermissionFileRead, plugins.PermissionTempWrite}},
		{plugins.PluginTypeProvider, []plugins.Permission{plugins.PermissionFileRead, plugins.PermissionTempWrite, plugins.PermissionNetworkAccess}},
		{plugins.PluginTypeValidator, []plugins.Permission{plugins.PermissionFileRead}},
		{plugins.PluginTypeGenerator, []plugins.Permission{plugins.PermissionFileRead, plugins.PermissionFileWrite, plugins.PermissionTempWrite}},
		{plugins.PluginTypeHook, []plugins.Permission{plugins.PermissionFileRead}},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultPermissions(tt.typ))
		})
	}

	m := &plugins.Manifest{Type: plugins.PluginTypeTemplate, Permissions: []plugins.Permission{plugins.PermissionNetworkAccess}}
	assert.Equal(t, []plugins.Permission{plugins.PermissionNetworkAccess}, PermissionsFor(m))
}

func TestExecute_FileRules(t *testing.T) {
	outside := t.TempDir()
	target := filepath.Join(outside, "out.txt")

	t.Run("file_read only cannot write", func(t *testing.T) {
		sb, _ := newTestSandbox(t, nil)
		err := sb.Execute(context.Background(), "reader", plugins.PluginTypeValidator, nil, func(ctx context.Context, sc *SecurityContext) error {
			err := sc.WriteFile(filepath.Join(sc.TempDir(), "x"), []byte("x"), 0644)
			assert.ErrorIs(t, err, plugins.ErrPermissionDenied)
			assert.Len(t, sc.Violations(), 1)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("temp_write only inside temp dir", func(t *testing.T) {
		sb, _ := newTestSandbox(t, func(c *Config) { c.AllowedPaths = []string{outside} })
		err := sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
			require.NoError(t, sc.WriteFile(filepath.Join(sc.TempDir(), "ok.txt"), []byte("ok"), 0644))

			err := sc.WriteFile(target, []byte("no"), 0644)
			assert.ErrorIs(t, err, plugins.ErrPermissionDenied)
			assert.Contains(t, err.Error(), "Write outside temp directory")
			return nil
		})
		require.NoError(t, err)
		_, statErr := os.Stat(target)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("file_write under allowed root", func(t *testing.T) {
		sb, _ := newTestSandbox(t, func(c *Config) { c.AllowedPaths = []string{outside} })
		err := sb.Execute(context.Background(), "gen", plugins.PluginTypeGenerator, nil, func(ctx context.Context, sc *SecurityContext) error {
			return sc.WriteFile(target, []byte("yes"), 0644)
		})
		require.NoError(t, err)
		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "yes", string(data))
	})

	t.Run("forbidden path", func(t *testing.T) {
		sb, _ := newTestSandbox(t, nil)
		err := sb.Execute(context.Background(), "gen", plugins.PluginTypeGenerator, nil, func(ctx context.Context, sc *SecurityContext) error {
			_, err := sc.ReadFile("/etc/passwd")
			assert.ErrorIs(t, err, plugins.ErrPermissionDenied)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("symlink escape", func(t *testing.T) {
		sb, _ := newTestSandbox(t, nil)
		err := sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
			link := filepath.Join(sc.TempDir(), "escape")
			require.NoError(t, os.Symlink(outside, link))
			err := sc.CheckWrite(filepath.Join(link, "evil.txt"))
			assert.ErrorIs(t, err, plugins.ErrPermissionDenied)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("size ceiling", func(t *testing.T) {
		sb, _ := newTestSandbox(t, func(c *Config) { c.MaxFileSize = 4 })
		err := sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
			path := filepath.Join(sc.TempDir(), "big.txt")
			assert.ErrorIs(t, sc.WriteFile(path, []byte("too large"), 0644), ErrFileTooLarge)

			f, err := sc.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
			require.NoError(t, err)
			defer f.Close()
			_, err = f.Write([]byte("abc"))
			require.NoError(t, err)
			_, err = f.Write([]byte("de"))
			assert.ErrorIs(t, err, ErrFileTooLarge)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("size ceiling through io.Copy", func(t *testing.T) {
		sb, _ := newTestSandbox(t, func(c *Config) { c.MaxFileSize = 10 })
		err := sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
			path := filepath.Join(sc.TempDir(), "copied.txt")
			f, err := sc.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
			require.NoError(t, err)
			defer f.Close()

			_, isReaderFrom := f.(io.ReaderFrom)
			assert.False(t, isReaderFrom)

			src := io.LimitReader(strings.NewReader(strings.Repeat("x", 100)), 100)
			written, err := io.Copy(f, src)
			assert.ErrorIs(t, err, ErrFileTooLarge)
			assert.LessOrEqual(t, written, int64(10))

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.LessOrEqual(t, info.Size(), int64(10))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestCheckImport(t *testing.T) {
	sb, _ := newTestSandbox(t, nil)

	err := sb.Execute(context.Background(), "p", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
		assert.NoError(t, sc.CheckImport("string"))
		for _, mod := range []string{"os", "io", "debug", "package", "os/exec", "syscall", "unsafe"} {
			assert.ErrorIs(t, sc.CheckImport(mod), plugins.ErrPermissionDenied, mod)
		}
		return nil
	})
	require.NoError(t, err)

	err = sb.Execute(context.Background(), "p", plugins.PluginTypeTemplate, []plugins.Permission{plugins.PermissionSystemAccess}, func(ctx context.Context, sc *SecurityContext) error {
		return sc.CheckImport("os")
	})
	assert.NoError(t, err)
}

func TestExecute_CapabilitiesOnContext(t *testing.T) {
	sb, lim := newTestSandbox(t, nil)

	var tempDir string
	err := sb.Execute(context.Background(), "p", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
		caps, ok := plugins.CapabilitiesFrom(ctx)
		require.True(t, ok)
		assert.Same(t, sc, caps)
		tempDir = sc.TempDir()
		assert.True(t, strings.HasPrefix(filepath.Base(tempDir), "plugin_p_"))
		assert.DirExists(t, tempDir)
		return nil
	})
	require.NoError(t, err)

	assert.NoDirExists(t, tempDir)
	require.Len(t, lim.applied, 1)
	assert.Equal(t, 30*time.Second, lim.applied[0].CPUTime)
	assert.Equal(t, 1, lim.restored)
}

func TestIsOperationAllowed(t *testing.T) {
	sb, _ := newTestSandbox(t, nil)

	assert.False(t, sb.IsOperationAllowed("network_request", "prov"))

	err := sb.Execute(context.Background(), "prov", plugins.PluginTypeProvider, nil, func(ctx context.Context, sc *SecurityContext) error {
		assert.True(t, sb.IsOperationAllowed("network_request", "prov"))
		assert.True(t, sb.IsOperationAllowed("file_read", "prov"))
		assert.False(t, sb.IsOperationAllowed("file_write", "prov"))
		assert.False(t, sb.IsOperationAllowed("system_exec", "prov"))
		assert.False(t, sb.IsOperationAllowed("teleport", "prov"))
		assert.False(t, sb.IsOperationAllowed("network_request", "other"))
		return nil
	})
	require.NoError(t, err)

	assert.False(t, sb.IsOperationAllowed("network_request", "prov"))
}

func TestReport(t *testing.T) {
	sb, _ := newTestSandbox(t, nil)

	_, ok := sb.Report("p")
	assert.False(t, ok)

	err := sb.Execute(context.Background(), "p", plugins.PluginTypeValidator, nil, func(ctx context.Context, sc *SecurityContext) error {
		live, ok := sb.Report("p")
		require.True(t, ok)
		assert.True(t, live.Live)
		sc.AddViolation("manual")
		return nil
	})
	require.NoError(t, err)

	report, ok := sb.Report("p")
	require.True(t, ok)
	assert.False(t, report.Live)
	assert.Equal(t, "p", report.PluginName)
	assert.Equal(t, []plugins.Permission{plugins.PermissionFileRead}, report.Permissions)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "manual", report.Violations[0].Message)

	sb.Forget("p")
	_, ok = sb.Report("p")
	assert.False(t, ok)
}

func TestExecute_CPUTimeUsage(t *testing.T) {
	noop := func(context.Context, *SecurityContext) error { return nil }

	t.Run("recorded", func(t *testing.T) {
		sb, lim := newTestSandbox(t, nil)
		lim.cpuStep = 7 * time.Millisecond
		require.NoError(t, sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, noop))

		report, ok := sb.Report("tmpl")
		require.True(t, ok)
		assert.Equal(t, int64(7), report.ResourceUsage["cpu_time_ms"])
	})

	t.Run("unreadable clock", func(t *testing.T) {
		sb, lim := newTestSandbox(t, nil)
		lim.cpuErr = errors.New("getrusage: not supported")
		require.NoError(t, sb.Execute(context.Background(), "tmpl", plugins.PluginTypeTemplate, nil, noop))

		report, ok := sb.Report("tmpl")
		require.True(t, ok)
		assert.NotContains(t, report.ResourceUsage, "cpu_time_ms")
	})
}

func TestExecute_ErrorsAndPanics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cfg := DefaultConfig()
	cfg.TempRoot = t.TempDir()
	sb := New(cfg, testLogger(), WithLimiter(&fakeLimiter{}), WithMetrics(metrics))

	boom := errors.New("boom")
	err := sb.Execute(context.Background(), "bad", plugins.PluginTypeHook, nil, func(context.Context, *SecurityContext) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = sb.Execute(context.Background(), "bad", plugins.PluginTypeHook, nil, func(context.Context, *SecurityContext) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	report, ok := sb.Report("bad")
	require.True(t, ok)
	require.Len(t, report.Violations, 1)
	assert.Contains(t, report.Violations[0].Message, "Exception during execution")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SandboxViolationsTotal.WithLabelValues("bad")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SandboxInvocations.WithLabelValues("failure")))
}

func TestExecute_Timeout(t *testing.T) {
	sb, lim := newTestSandbox(t, func(c *Config) { c.Timeout = 50 * time.Millisecond })

	returned := make(chan struct{})
	start := time.Now()
	err := sb.Execute(context.Background(), "slow", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
		defer close(returned)
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	<-returned
	require.Eventually(t, func() bool {
		r, ok := sb.Report("slow")
		return ok && !r.Live
	}, time.Second, 5*time.Millisecond)

	report, _ := sb.Report("slow")
	require.NotEmpty(t, report.Violations)
	assert.Contains(t, report.Violations[0].Message, "Execution interrupted")
	assert.Equal(t, 1, lim.restored)

	// the slot is free again
	err = sb.Execute(context.Background(), "next", plugins.PluginTypeTemplate, nil, func(context.Context, *SecurityContext) error { return nil })
	assert.NoError(t, err)
}

func TestExecute_Disabled(t *testing.T) {
	sb, lim := newTestSandbox(t, func(c *Config) { c.Enabled = false })

	err := sb.Execute(context.Background(), "p", plugins.PluginTypeValidator, nil, func(ctx context.Context, sc *SecurityContext) error {
		assert.True(t, sc.HasPermission(plugins.PermissionSystemAccess))
		assert.NoError(t, sc.CheckWrite("/anywhere"))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, lim.applied)
}

func TestRequire(t *testing.T) {
	sb, _ := newTestSandbox(t, nil)
	err := sb.Execute(context.Background(), "p", plugins.PluginTypeTemplate, nil, func(ctx context.Context, sc *SecurityContext) error {
		assert.NoError(t, Require(sc, plugins.PermissionFileRead))
		return Require(sc, plugins.PermissionNetworkAccess)
	})
	assert.ErrorIs(t, err, plugins.ErrPermissionDenied)
}
