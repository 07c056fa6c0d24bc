// gridd 网格跟踪服务：HTTP API + 行情输入 + 配置热加载。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"grid-tracker-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "gridd:", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	c, err := container.New(cfgPath)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		return err
	}
	log := c.Logger()

	// systemd Type=notify；非 systemd 环境下为空操作
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", zap.Error(err))
	}
	go watchdog(ctx, c)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := c.Reload(); err != nil {
				log.Warn("reload failed", zap.Error(err))
			}
			continue
		}
		log.Info("shutting down", zap.String("signal", sig.String()))
		break
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	return c.Stop()
}

// watchdog 在启用 WatchdogSec 时按一半间隔上报健康状态
func watchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				c.Logger().Warn("health check failed", zap.Error(err))
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
