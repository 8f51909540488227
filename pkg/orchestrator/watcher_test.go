package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/cloudcraver/pkg/marketplace"
)

func TestWatcherDebounces(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing")
	require.NoError(t, os.MkdirAll(existing, 0o755))

	var mu sync.Mutex
	var batches [][]string
	fired := make(chan struct{}, 4)
	w, err := NewWatcher([]string{root}, 300*time.Millisecond, func(_ context.Context, paths []string) {
		mu.Lock()
		batches = append(batches, paths)
		mu.Unlock()
		fired <- struct{}{}
	}, testLogger())
	require.NoError(t, err)
	defer w.Close()
	assert.Contains(t, w.WatchList(), existing, "immediate subdirectories are watched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(root, "plugin.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "main.lua"), []byte("-- v1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(existing, "main.lua"), []byte("-- v2"), 0o644))

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 1, "a burst of events produces one callback")
	assert.Contains(t, batches[0], filepath.Join(root, "plugin.json"))
	assert.Contains(t, batches[0], filepath.Join(existing, "main.lua"))
}

func TestWatcherCreatesMissingDirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not", "yet")
	w, err := NewWatcher([]string{dir}, 0, nil, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.DirExists(t, dir)
	assert.Equal(t, []string{dir}, w.WatchList())
}

type stubChecker struct {
	mu      sync.Mutex
	calls   int
	updates []marketplace.Update
	err     error
}

func (s *stubChecker) CheckUpdates(context.Context) ([]marketplace.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.updates, s.err
}

func TestUpdateScheduler(t *testing.T) {
	checker := &stubChecker{updates: []marketplace.Update{
		{Name: "aws-vpc", Installed: "1.0.0", Available: marketplace.Listing{Name: "aws-vpc", Version: "1.1.0"}},
	}}
	s, err := NewUpdateScheduler("@every 1h", checker, time.Second, testLogger())
	require.NoError(t, err)

	updates := s.RunOnce(context.Background())
	require.Len(t, updates, 1)
	last, ran := s.Last()
	assert.Equal(t, updates, last)
	assert.False(t, ran.IsZero())

	checker.err = errors.New("offline")
	assert.Nil(t, s.RunOnce(context.Background()))
	last, _ = s.Last()
	assert.Len(t, last, 1, "a failed check keeps the previous result")

	s.Start()
	s.Stop()
}

func TestUpdateSchedulerInvalidSpec(t *testing.T) {
	_, err := NewUpdateScheduler("every tuesday", &stubChecker{}, 0, nil)
	assert.Error(t, err)
}

func TestUpdateSchedulerWithOrchestrator(t *testing.T) {
	var fake *fakeMarketplace
	e := newEnv(t, func(o *Options) {
		fake = &fakeMarketplace{}
		o.Marketplace = fake
	})
	_, err := e.orch.Install(context.Background(), nativeDir(t, e.src, "old-net", "1.0.0"), false)
	require.NoError(t, err)

	s, err := NewUpdateScheduler("", e.orch, 0, testLogger())
	require.NoError(t, err)
	updates := s.RunOnce(context.Background())
	require.Len(t, updates, 1)
	assert.Equal(t, "1.2.0", updates[0].Available.Version)
}
