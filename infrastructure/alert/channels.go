package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"grid-tracker-go/infrastructure/logger"
)

// LogChannel 写入结构化日志
type LogChannel struct {
	log  *logger.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{log: log, name: name}
}

// Send 按级别写日志：WARNING 及以下为 warn，其余为 error
func (c *LogChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+2)
	fields = append(fields, zap.String("level_tag", alert.Level), zap.Time("alert_ts", alert.Timestamp))
	for k, v := range alert.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelError, LevelCritical:
		c.log.Error("alert: "+alert.Message, fields...)
	case LevelWarning:
		c.log.Warn("alert: "+alert.Message, fields...)
	default:
		c.log.Info("alert: "+alert.Message, fields...)
	}
	return nil
}

func (c *LogChannel) Name() string {
	return c.name
}

// WebhookChannel 以 JSON POST 推送告警
type WebhookChannel struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
	name    string
}

// NewWebhookChannel 创建 webhook 通道
func NewWebhookChannel(name, url string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Client:  &http.Client{},
		Timeout: 5 * time.Second,
		name:    name,
	}
}

func (c *WebhookChannel) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

func (c *WebhookChannel) Name() string {
	return c.name
}
