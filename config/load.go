package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"grid-tracker-go/grid"
	"grid-tracker-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Log     logger.Config `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Tracker TrackerConfig `yaml:"tracker"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Feed    FeedConfig    `yaml:"feed"`
	Alerts  AlertsConfig  `yaml:"alerts"`
	Grids   []GridSeed    `yaml:"grids"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, badger
	Path   string `yaml:"path"`
}

// TrackerConfig 条件更新重试策略
type TrackerConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BackoffMs   int `yaml:"backoffMs"`
}

type APIConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// MetricsConfig Addr 为空时不单独监听，/metrics 挂在 API 上
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// FeedConfig 行情来源：none, static, http, ws
type FeedConfig struct {
	Mode           string             `yaml:"mode"`
	URL            string             `yaml:"url"`
	PollIntervalMs int                `yaml:"pollIntervalMs"`
	Prices         map[string]float64 `yaml:"prices"` // static 模式的固定价格
}

// AlertsConfig 告警：始终写日志，配置 webhookUrl 时额外推送
type AlertsConfig struct {
	WebhookURL      string `yaml:"webhookUrl"`
	ThrottleSeconds int    `yaml:"throttleSeconds"`
}

// GridSeed 启动时确保存在的网格；ID 为空时每次启动都会新建
type GridSeed struct {
	ID          string `yaml:"id"`
	grid.Config `yaml:",inline"`
}

const (
	FeedNone   = "none"
	FeedStatic = "static"
	FeedHTTP   = "http"
	FeedWS     = "ws"
)

// Default 返回带默认值的配置
func Default() AppConfig {
	return AppConfig{
		Env:     "dev",
		Log:     logger.DefaultConfig(),
		Store:   StoreConfig{Driver: "memory"},
		Tracker: TrackerConfig{MaxAttempts: 3, BackoffMs: 10},
		API:     APIConfig{Addr: ":8080"},
		Feed:    FeedConfig{Mode: FeedNone, PollIntervalMs: 5000},
		Alerts:  AlertsConfig{ThrottleSeconds: 60},
	}
}

// Load reads YAML config from path on top of defaults and validates it.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("GRID_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("GRID_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GRID_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("GRID_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(cfg.Store.Driver) {
	case "memory", "badger":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("store.driver %q must be memory, sqlite or badger", cfg.Store.Driver)
	}
	if cfg.Tracker.MaxAttempts < 1 {
		return errors.New("tracker.maxAttempts must be >= 1")
	}
	if cfg.Tracker.BackoffMs < 0 {
		return errors.New("tracker.backoffMs must be >= 0")
	}
	if cfg.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if err := validateFeed(cfg.Feed); err != nil {
		return err
	}
	if cfg.Alerts.ThrottleSeconds < 0 {
		return errors.New("alerts.throttleSeconds must be >= 0")
	}
	seen := make(map[string]bool)
	for i, seed := range cfg.Grids {
		if seed.ID != "" {
			if err := grid.ValidateID(seed.ID); err != nil {
				return fmt.Errorf("grids[%d]: %w", i, err)
			}
			if seen[seed.ID] {
				return fmt.Errorf("grids[%d]: duplicate id %s", i, seed.ID)
			}
			seen[seed.ID] = true
		}
		if err := seed.Config.Validate(); err != nil {
			return fmt.Errorf("grids[%d]: %w", i, err)
		}
	}
	return nil
}

func validateFeed(f FeedConfig) error {
	if f.PollIntervalMs < 0 {
		return errors.New("feed.pollIntervalMs must be >= 0")
	}
	switch f.Mode {
	case "", FeedNone:
	case FeedStatic:
		if len(f.Prices) == 0 {
			return errors.New("feed.prices is required for static mode")
		}
		for token, p := range f.Prices {
			if p <= 0 {
				return fmt.Errorf("feed.prices[%s] must be > 0", token)
			}
		}
	case FeedHTTP, FeedWS:
		if f.URL == "" {
			return fmt.Errorf("feed.url is required for %s mode", f.Mode)
		}
	default:
		return fmt.Errorf("feed.mode %q must be none, static, http or ws", f.Mode)
	}
	return nil
}
