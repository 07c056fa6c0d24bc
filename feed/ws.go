package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"grid-tracker-go/infrastructure/logger"
	"grid-tracker-go/infrastructure/monitor"
)

// WSFeed 从 WebSocket 读取价格推送，断线后指数退避重连。
// 消息格式：{"tokenId":"…","price":1.23} 或其数组，price 可为字符串。
type WSFeed struct {
	URL         string
	Dialer      *websocket.Dialer
	Handler     Handler
	ReadTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	log *logger.Logger
	mon *monitor.Monitor
}

func NewWSFeed(url string, handler Handler, log *logger.Logger, mon *monitor.Monitor) *WSFeed {
	if log == nil {
		log = logger.NewNop()
	}
	return &WSFeed{
		URL:         url,
		Dialer:      websocket.DefaultDialer,
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		MinBackoff:  500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		log:         log.WithFields(map[string]interface{}{"component": "ws_feed"}),
		mon:         mon,
	}
}

// Run 保持连接直到 ctx 结束
func (f *WSFeed) Run(ctx context.Context) error {
	if f.Handler == nil {
		return errors.New("ws feed: handler required")
	}
	backoff := f.MinBackoff
	for {
		connected, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = f.MinBackoff
		}
		f.log.Warn("ws feed disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		if f.mon != nil {
			f.mon.RecordFeedError()
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
	}
}

// session 建立一次连接并读取到出错，返回是否曾连接成功
func (f *WSFeed) session(ctx context.Context) (bool, error) {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.URL, err)
	}
	if f.mon != nil {
		f.mon.RecordWSConnection()
	}
	f.log.Info("ws feed connected", zap.String("url", f.URL))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer func() {
		_ = conn.Close()
		if f.mon != nil {
			f.mon.RecordWSDisconnect()
		}
	}()

	for {
		if f.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		ticks, err := ParseTicks(msg, time.Now().UTC())
		if err != nil {
			f.log.Debug("ignoring ws message", zap.Error(err), zap.ByteString("raw", msg))
			continue
		}
		for _, t := range ticks {
			f.Handler(ctx, t)
		}
	}
}

type wireTick struct {
	TokenID string      `json:"tokenId"`
	Price   json.Number `json:"price"`
	Time    *time.Time  `json:"time,omitempty"`
}

// ParseTicks 解析单条或数组形式的行情消息，丢弃无效价格
func ParseTicks(raw []byte, now time.Time) ([]Tick, error) {
	raw = bytes.TrimSpace(raw)
	var wires []wireTick
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &wires); err != nil {
			return nil, err
		}
	} else {
		var w wireTick
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		wires = []wireTick{w}
	}

	out := make([]Tick, 0, len(wires))
	for _, w := range wires {
		if w.TokenID == "" {
			continue
		}
		p, err := w.Price.Float64()
		if err != nil || math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			continue
		}
		ts := now
		if w.Time != nil {
			ts = w.Time.UTC()
		}
		out = append(out, Tick{TokenID: w.TokenID, Price: p, Time: ts})
	}
	if len(out) == 0 {
		return nil, errors.New("no valid ticks")
	}
	return out, nil
}
