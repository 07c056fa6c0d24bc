package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "grid-tracker-go/config"
)

// recordingApplier 记录收到的配置
type recordingApplier struct {
	mu   sync.Mutex
	seen []appconfig.AppConfig
}

func (r *recordingApplier) apply(cfg appconfig.AppConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, cfg)
	return nil
}

func (r *recordingApplier) last() (appconfig.AppConfig, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return appconfig.AppConfig{}, 0
	}
	return r.seen[len(r.seen)-1], len(r.seen)
}

func writeConfig(t *testing.T, path, level string, attempts int) {
	t.Helper()
	content := "env: test\nlog:\n  level: " + level + "\ntracker:\n  maxAttempts: " + strconv.Itoa(attempts) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestHotReloader_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info", 3)

	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()

	rec := &recordingApplier{}
	reloader.RegisterApplier("recorder", rec.apply)

	require.NoError(t, reloader.Reload())
	cfg, n := rec.last()
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, cfg.Tracker.MaxAttempts)
	assert.False(t, reloader.GetLastReloadTime().IsZero())
}

func TestHotReloader_InvalidConfigNotApplied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info", 0)

	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()

	rec := &recordingApplier{}
	reloader.RegisterApplier("recorder", rec.apply)

	assert.Error(t, reloader.Reload())
	_, n := rec.last()
	assert.Zero(t, n)
}

func TestHotReloader_ApplierErrorsJoined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info", 3)

	reloader, err := NewHotReloader(path, DefaultHotReloadConfig(), nil)
	require.NoError(t, err)
	defer reloader.Stop()

	rec := &recordingApplier{}
	reloader.RegisterApplier("a-broken", func(appconfig.AppConfig) error { return errors.New("nope") })
	reloader.RegisterApplier("b-recorder", rec.apply)

	err = reloader.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a-broken")
	_, n := rec.last()
	assert.Equal(t, 1, n, "later appliers still run")
}

func TestHotReloader_WatchFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info", 3)

	reloader, err := NewHotReloader(path, HotReloadConfig{Enabled: true, CooldownTime: 0}, nil)
	require.NoError(t, err)
	defer reloader.Stop()

	rec := &recordingApplier{}
	reloader.RegisterApplier("recorder", rec.apply)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reloader.Start(ctx))

	writeConfig(t, path, "debug", 5)

	require.Eventually(t, func() bool {
		cfg, _ := rec.last()
		return cfg.Tracker.MaxAttempts == 5 && cfg.Log.Level == "debug"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHotReloader_Disabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info", 3)

	reloader, err := NewHotReloader(path, HotReloadConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NoError(t, reloader.Start(context.Background()))
	assert.NoError(t, reloader.Stop())
}
