package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns minimal valid YAML that passes Load+Validate, with
// permit.global_rps set to the given value so tests can observe a reload.
func validConfig(globalRPS int64) string {
	return fmt.Sprintf(`
store:
  endpoints: ["127.0.0.1:6379"]
permit:
  global_rps: %d
  route_rps: 5
`, globalRPS)
}

// writeFile is a helper that writes content to a file.
func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_DetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	var mu sync.Mutex
	var lastCfg *Config

	w := NewWatcher(cfgPath, func(newCfg *Config) {
		mu.Lock()
		lastCfg = newCfg
		mu.Unlock()
		received.Add(1)
	}, slog.Default())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	// Give the watcher time to set up.
	time.Sleep(200 * time.Millisecond)

	// Modify the file.
	writeFile(t, cfgPath, validConfig(7))

	// Wait for the callback.
	assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond,
		"expected at least one callback")

	mu.Lock()
	assert.NotNil(t, lastCfg)
	mu.Unlock()
}

func TestWatcher_InvalidConfigKeepsOld(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) {
		received.Add(1)
	}, slog.Default())
	w.debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	// Write malformed YAML that cannot be parsed.
	writeFile(t, cfgPath, `{{{bad yaml`)

	// Wait for debounce + reload attempt.
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, int64(0), received.Load(), "callback should NOT fire for invalid config")
}

func TestWatcher_DebouncesManyWrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var received atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) {
		received.Add(1)
	}, slog.Default())
	w.debounce = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	// Rapid successive writes within the debounce window.
	for i := 0; i < 10; i++ {
		writeFile(t, cfgPath, validConfig(5))
		time.Sleep(20 * time.Millisecond)
	}

	// Wait for debounce + reload.
	time.Sleep(600 * time.Millisecond)

	got := received.Load()
	assert.LessOrEqual(t, got, int64(2),
		"debouncing should coalesce rapid writes into 1-2 callbacks, got %d", got)
}

func TestWatcher_PollingDetectsSymlinkSwap(t *testing.T) {
	// Simulate a Kubernetes-style symlink swap: the config file is a
	// symlink chain dir/config.yaml → ..data/config.yaml, and we
	// swap ..data from one timestamped directory to another.
	dir := t.TempDir()

	// Create two "timestamped" directories with different configs.
	ts1 := filepath.Join(dir, "..2026_01")
	ts2 := filepath.Join(dir, "..2026_02")
	require.NoError(t, os.Mkdir(ts1, 0o755))
	require.NoError(t, os.Mkdir(ts2, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ts1, "config.yaml"), []byte(validConfig(5)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ts2, "config.yaml"), []byte(validConfig(99)), 0o644))

	// Create ..data symlink pointing to ts1.
	dataLink := filepath.Join(dir, "..data")
	require.NoError(t, os.Symlink(ts1, dataLink))

	// Create config.yaml symlink → ..data/config.yaml.
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), cfgPath))

	var received atomic.Int64
	w := NewWatcher(cfgPath, func(_ *Config) {
		received.Add(1)
	}, slog.Default())
	w.debounce = 50 * time.Millisecond
	w.pollInterval = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = w.Start(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	// Swap the ..data symlink atomically (Kubernetes-style).
	tmpLink := filepath.Join(dir, "..data_tmp")
	require.NoError(t, os.Symlink(ts2, tmpLink))
	require.NoError(t, os.Rename(tmpLink, dataLink))

	assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond,
		"expected polling to detect symlink swap")
}

func TestWatcher_WarnsWhenRestartOnlyFieldChanges(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewWatcher(cfgPath, func(_ *Config) {}, logger)
	w.reload() // seeds w.lastCfg; nothing to diff against yet
	buf.Reset()

	writeFile(t, cfgPath, `
store:
  endpoints: ["127.0.0.1:6379"]
  mode: cluster
permit:
  global_rps: 5
  route_rps: 5
`)
	w.reload()

	assert.Contains(t, buf.String(), "requires a process restart")
	assert.Contains(t, buf.String(), "store.mode")
}

func TestWatcher_NoWarningWhenOnlyRateKnobsChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, validConfig(5))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewWatcher(cfgPath, func(_ *Config) {}, logger)
	w.reload()
	buf.Reset()

	writeFile(t, cfgPath, validConfig(7))
	w.reload()

	assert.NotContains(t, buf.String(), "requires a process restart")
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w := NewWatcher("/tmp/nonexistent.yaml", func(_ *Config) {}, slog.Default())
	// Stop before Start — should not panic.
	w.Stop()
	w.Stop()
}

