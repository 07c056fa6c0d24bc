// Package container 组装网格跟踪服务的全部组件并管理其生命周期。
package container

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grid-tracker-go/api"
	"grid-tracker-go/config"
	"grid-tracker-go/feed"
	"grid-tracker-go/infrastructure/alert"
	"grid-tracker-go/infrastructure/logger"
	"grid-tracker-go/infrastructure/monitor"
	hotreload "grid-tracker-go/internal/config"
	"grid-tracker-go/internal/store"
	"grid-tracker-go/internal/tracker"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 核心服务
	repo    store.Repository
	tracker *tracker.Tracker
	api     *api.Server

	apiServer     *httpServerComponent
	metricsServer *httpServerComponent
	reloader      *hotreload.HotReloader

	lifecycle *LifecycleManager
}

// New 从配置文件创建 Container，环境变量可覆盖部署相关字段
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热加载
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.registerLifecycleComponents(); err != nil {
		return fmt.Errorf("register components failed: %w", err)
	}
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.String("store", c.cfg.Store.Driver),
		zap.String("feed", c.cfg.Feed.Mode),
	)
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildCoreServices() error {
	storeLog := c.logger.WithFields(map[string]interface{}{"component": "store"})
	sink := func(event string, fields map[string]interface{}) {
		storeLog.WithFields(fields).Debug("store event", zap.String("event", event))
	}

	var err error
	c.repo, err = store.Open(store.Config{Driver: c.cfg.Store.Driver, Path: c.cfg.Store.Path}, sink)
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}

	c.tracker = tracker.New(c.repo, c.logger, c.monitor, retryPolicy(*c.cfg))
	c.alerts = buildAlerts(c.cfg.Alerts, c.logger)
	c.tracker.SetAlerter(c.alerts)

	c.api = api.New(c.tracker, api.Options{
		Logger:       c.logger,
		Monitor:      c.monitor,
		CORSOrigins:  c.cfg.API.CORSOrigins,
		ServeMetrics: c.cfg.Metrics.Addr == "",
		Release:      c.cfg.Env == "prod",
	})

	c.logger.Info("core services built")
	return nil
}

func buildAlerts(cfg config.AlertsConfig, log *logger.Logger) *alert.Manager {
	channels := []alert.Channel{alert.NewLogChannel("log", log.WithFields(map[string]interface{}{"component": "alert"}))}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", cfg.WebhookURL))
	}
	return alert.NewManager(channels, time.Duration(cfg.ThrottleSeconds)*time.Second)
}

func retryPolicy(cfg config.AppConfig) tracker.RetryPolicy {
	return tracker.RetryPolicy{
		MaxAttempts: cfg.Tracker.MaxAttempts,
		Backoff:     time.Duration(cfg.Tracker.BackoffMs) * time.Millisecond,
	}
}

// registerLifecycleComponents 启动顺序：存储 → 种子网格 → HTTP → 行情 → 热加载；停止时逆序
func (c *Container) registerLifecycleComponents() error {
	c.lifecycle.Register(&funcComponent{
		name: "store",
		stop: c.repo.Close,
	})
	c.lifecycle.Register(&funcComponent{
		name:  "grid_seeds",
		start: func(ctx context.Context) error { return c.seedGrids(ctx, c.cfg.Grids, true) },
	})

	c.apiServer = &httpServerComponent{
		name:    "api_server",
		handler: c.api.Handler(),
		addr:    c.cfg.API.Addr,
		logger:  c.logger,
	}
	c.lifecycle.Register(c.apiServer)

	if c.cfg.Metrics.Addr != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}

	run, err := c.buildFeed()
	if err != nil {
		return err
	}
	if run != nil {
		c.lifecycle.Register(&runnerComponent{name: "price_feed", run: run, logger: c.logger})
	}

	if c.configPath != "" {
		c.reloader, err = hotreload.NewHotReloader(c.configPath, hotreload.DefaultHotReloadConfig(), c.logger)
		if err != nil {
			return err
		}
		c.registerAppliers()
		c.lifecycle.Register(&funcComponent{
			name:  "hot_reload",
			start: c.reloader.Start,
			stop:  c.reloader.Stop,
		})
	}
	return nil
}

// buildFeed 按 feed.mode 构建行情输入；none 返回 nil
func (c *Container) buildFeed() (func(ctx context.Context) error, error) {
	handler := func(ctx context.Context, tick feed.Tick) {
		if _, err := c.tracker.HandleTick(ctx, tick); err != nil {
			c.logger.LogError(err, map[string]interface{}{
				"action": "handle_tick",
				"token":  tick.TokenID,
				"price":  tick.Price,
			})
		}
	}
	tokens := func() []string {
		ids, err := c.tracker.ActiveTokens(context.Background())
		if err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "active_tokens"})
			return nil
		}
		return ids
	}
	interval := time.Duration(c.cfg.Feed.PollIntervalMs) * time.Millisecond

	var source feed.Source
	switch c.cfg.Feed.Mode {
	case "", config.FeedNone:
		return nil, nil
	case config.FeedStatic:
		prices := make(feed.StaticSource, len(c.cfg.Feed.Prices))
		for k, v := range c.cfg.Feed.Prices {
			prices[k] = v
		}
		source = prices
	case config.FeedHTTP:
		source = feed.NewHTTPSource(c.cfg.Feed.URL)
	case config.FeedWS:
		ws := feed.NewWSFeed(c.cfg.Feed.URL, handler, c.logger, c.monitor)
		return ws.Run, nil
	default:
		return nil, fmt.Errorf("unknown feed mode %q", c.cfg.Feed.Mode)
	}

	poller, err := feed.NewPoller(feed.PollerConfig{
		Source:   source,
		Tokens:   tokens,
		Interval: interval,
		Handler:  handler,
		Logger:   c.logger,
		Monitor:  c.monitor,
	})
	if err != nil {
		return nil, err
	}
	return poller.Run, nil
}

// seedGrids 确保配置中的网格存在；已存在的不覆盖运行态。
// 无 ID 的种子只在启动时创建（anonymous=true），热加载时跳过。
func (c *Container) seedGrids(ctx context.Context, seeds []config.GridSeed, anonymous bool) error {
	for i, seed := range seeds {
		if seed.ID == "" && !anonymous {
			continue
		}
		g, created, err := c.tracker.EnsureGrid(ctx, seed.ID, seed.Config)
		if err != nil {
			return fmt.Errorf("seed grids[%d]: %w", i, err)
		}
		if created {
			c.logger.LogGrid("seeded", g.ID, map[string]interface{}{"target": g.TargetTokenID})
		}
	}
	return nil
}

// registerAppliers 注册可热更新的配置项；其余字段变更需重启
func (c *Container) registerAppliers() {
	c.reloader.RegisterApplier("log_level", func(cfg config.AppConfig) error {
		return c.logger.SetLevel(cfg.Log.Level)
	})
	c.reloader.RegisterApplier("retry_policy", func(cfg config.AppConfig) error {
		c.tracker.SetRetryPolicy(retryPolicy(cfg))
		return nil
	})
	c.reloader.RegisterApplier("seed_grids", func(cfg config.AppConfig) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return c.seedGrids(ctx, cfg.Grids, false)
	})
	c.reloader.RegisterApplier("restart_required", func(cfg config.AppConfig) error {
		if cfg.Store != c.cfg.Store || cfg.API.Addr != c.cfg.API.Addr ||
			cfg.Metrics != c.cfg.Metrics || cfg.Feed.Mode != c.cfg.Feed.Mode || cfg.Feed.URL != c.cfg.Feed.URL {
			c.logger.Warn("config change requires restart",
				zap.String("store", cfg.Store.Driver),
				zap.String("api_addr", cfg.API.Addr),
				zap.String("feed", cfg.Feed.Mode),
			)
		}
		return nil
	})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started", zap.String("api_addr", c.APIAddr()))
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// APIAddr API 实际监听地址
func (c *Container) APIAddr() string {
	if c.apiServer == nil {
		return ""
	}
	return c.apiServer.Addr()
}

// MetricsAddr 独立 metrics 服务的监听地址；未启用时为空
func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

func (c *Container) Tracker() *tracker.Tracker { return c.tracker }

func (c *Container) Logger() *logger.Logger { return c.logger }

// Reload 立即重新加载配置（SIGHUP）
func (c *Container) Reload() error {
	if c.reloader == nil {
		return fmt.Errorf("hot reload disabled")
	}
	return c.reloader.Reload()
}
