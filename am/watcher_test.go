package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 2\n"), 0644))

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan int, 4)
	cw.OnReload(func(cfg *Config) error {
		reloaded <- cfg.Pulse.MaxConcurrentJobs
		return nil
	})
	cw.Start()
	t.Cleanup(func() { _ = cw.Stop() })

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 9\n"), 0644))

	select {
	case got := <-reloaded:
		assert.Equal(t, 9, got)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload after config write")
	}
}

func TestConfigWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nmax_concurrent_jobs = 2\n"), 0644))

	cw, err := NewConfigWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 10 * time.Millisecond
	cw.load = func() (*Config, error) { return LoadFromFile(path) }

	reloaded := make(chan struct{}, 1)
	cw.OnReload(func(*Config) error {
		reloaded <- struct{}{}
		return nil
	})
	cw.Start()
	t.Cleanup(func() { _ = cw.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.toml"), []byte("x = 1\n"), 0644))

	select {
	case <-reloaded:
		t.Fatal("watcher reloaded for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}
