package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/cloudcraver/pkg/config"
	"github.com/platinummonkey/cloudcraver/pkg/observability"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()
	t.Setenv("CLOUDCRAVER_DATA_DIR", dataDir)
	t.Setenv("CLOUDCRAVER_PLUGINS_PROJECT_DIR", filepath.Join(dataDir, "project"))
	t.Setenv("CLOUDCRAVER_PLUGINS_USER_DIR", filepath.Join(dataDir, "user"))
	t.Setenv("CLOUDCRAVER_PLUGINS_SYSTEM_DIR", filepath.Join(dataDir, "system"))
	t.Setenv("CLOUDCRAVER_MARKETPLACE_REPOSITORIES", "http://127.0.0.1:1/api/v1,not a url")
	cfg, err := config.LoadConfig(filepath.Join(dataDir, "missing.env"))
	require.NoError(t, err)
	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.zip", "b"}, splitList(" a.zip, ,b,"))
	assert.Nil(t, splitList(""))
}

func TestBuildComponents(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	health := observability.NewHealthChecker("test")
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	c, err := buildComponents(ctx, cfg, metrics, health, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, c.orch)
	require.NotNil(t, c.scheduler, "the default schedule creates a scheduler")
	assert.Nil(t, c.redisCache)
	assert.Nil(t, c.journal)
	assert.Equal(t, cfg.Loader.InstallDir, c.orch.InstallDir())
	assert.Equal(t, 0, c.orch.Status().TotalPlugins)
	assert.Equal(t, 0, c.orch.LoadAll(ctx))

	require.NoError(t, c.startWatcher(ctx, cfg, quietLogger()))
	assert.Contains(t, c.watcher.WatchList(), cfg.Loader.InstallDir)
	assert.NoError(t, c.close(ctx))
}

func TestBuildComponentsWithRedisAndJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("CLOUDCRAVER_MARKETPLACE_CACHE", "redis")
	t.Setenv("CLOUDCRAVER_REDIS_URL", "redis://"+mr.Addr()+"/0")
	t.Setenv("CLOUDCRAVER_REGISTRY_JOURNAL_DRIVER", "sqlite3")
	t.Setenv("CLOUDCRAVER_REGISTRY_JOURNAL_DSN", "file:"+filepath.Join(t.TempDir(), "journal.db"))
	cfg := testConfig(t)
	cfg.Orchestrator.UpdateSchedule = ""

	c, err := buildComponents(context.Background(), cfg, nil, observability.NewHealthChecker("test"), quietLogger())
	require.NoError(t, err)
	assert.NotNil(t, c.redisCache)
	assert.NotNil(t, c.journal)
	assert.Nil(t, c.scheduler)
	assert.NoError(t, c.close(context.Background()))
}

func TestBuildComponentsBadIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.Marketplace.ServeIndex = filepath.Join(t.TempDir(), "missing.json")
	cfg.Marketplace.ServeArtifacts = t.TempDir()

	_, err := buildComponents(context.Background(), cfg, nil, observability.NewHealthChecker("test"), quietLogger())
	assert.ErrorContains(t, err, "repository index")
}
