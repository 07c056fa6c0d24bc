package feed

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"grid-tracker-go/infrastructure/logger"
	"grid-tracker-go/infrastructure/monitor"
)

// Poller 定时从 Source 拉取一组 token 的价格，逐条交给 Handler
type Poller struct {
	source   Source
	tokens   func() []string
	interval time.Duration
	handler  Handler
	log      *logger.Logger
	mon      *monitor.Monitor
	now      func() time.Time
}

// PollerConfig 轮询配置
type PollerConfig struct {
	Source   Source
	Tokens   func() []string // 每轮调用，便于跟随网格增删
	Interval time.Duration
	Handler  Handler
	Logger   *logger.Logger
	Monitor  *monitor.Monitor
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Source == nil {
		return nil, errors.New("poller: source required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("poller: handler required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("poller: token list required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Poller{
		source:   cfg.Source,
		tokens:   cfg.Tokens,
		interval: cfg.Interval,
		handler:  cfg.Handler,
		log:      cfg.Logger.WithFields(map[string]interface{}{"component": "poller"}),
		mon:      cfg.Monitor,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run 立即拉取一次，之后按间隔拉取，直到 ctx 结束
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce 执行一轮拉取，返回分发的行情数
func (p *Poller) PollOnce(ctx context.Context) int {
	tokens := p.tokens()
	if len(tokens) == 0 {
		return 0
	}
	prices, err := p.source.Prices(ctx, tokens)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("price poll failed", zap.Error(err), zap.Int("tokens", len(tokens)))
			if p.mon != nil {
				p.mon.RecordFeedError()
			}
		}
		return 0
	}
	now := p.now()
	n := 0
	for _, id := range tokens {
		price, ok := prices[id]
		if !ok || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			continue
		}
		p.handler(ctx, Tick{TokenID: id, Price: price, Time: now})
		n++
	}
	return n
}
