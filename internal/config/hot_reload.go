package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "grid-tracker-go/config"
	"grid-tracker-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 500 * time.Millisecond,
	}
}

// Applier 把新配置中可热更新的部分应用到运行中的组件
type Applier func(cfg appconfig.AppConfig) error

// HotReloader 配置热更新器。监听配置文件所在目录，
// 文件被写入、创建或替换后重新加载并依次调用已注册的 Applier。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	appliers   map[string]Applier
	load       func(path string) (appconfig.AppConfig, error)
	log        *logger.Logger

	lastReload time.Time
	mu         sync.RWMutex
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		appliers:   make(map[string]Applier),
		load:       appconfig.LoadWithEnvOverrides,
		log:        log.WithFields(map[string]interface{}{"component": "hot_reload"}),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// RegisterApplier 注册参数应用器
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = applier
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })
	select {
	case <-h.doneChan:
	case <-time.After(time.Second):
		// watch goroutine 未启动
	}
	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			h.handleConfigChange()
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.log.Warn("watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	cooling := time.Since(h.lastReload) < h.config.CooldownTime
	h.mu.RUnlock()
	if cooling {
		return
	}
	if err := h.Reload(); err != nil {
		h.log.Warn("config reload failed", zap.Error(err), zap.String("path", h.configPath))
	}
}

// Reload 立即重新加载并应用配置；加载或校验失败时不调用任何 Applier
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.appliers))
	for name := range h.appliers {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := h.appliers[name](cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	h.lastReload = time.Now()
	if err := errors.Join(errs...); err != nil {
		return err
	}
	h.log.Info("config reloaded", zap.Strings("appliers", names))
	return nil
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}
