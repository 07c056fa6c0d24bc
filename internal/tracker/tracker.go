// Package tracker 网格跟踪服务：在存储之上执行读-改-条件写，
// 版本冲突时重新读取并重试，保证并发的价格更新与成交记录不会互相覆盖。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"grid-tracker-go/feed"
	"grid-tracker-go/grid"
	"grid-tracker-go/infrastructure/logger"
	"grid-tracker-go/infrastructure/monitor"
	"grid-tracker-go/internal/store"
	"grid-tracker-go/posttrade"
)

// RetryPolicy 条件更新的重试策略
type RetryPolicy struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// DefaultRetryPolicy 3 次尝试，初始退避 10ms，之后翻倍
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond}
}

const tradePageSize = 500

// MaxBackoff 单次重试退避的上限
const MaxBackoff = time.Second

// Alerter 运行期告警出口，由 alert.Manager 实现
type Alerter interface {
	SendWarning(message string, fields map[string]interface{}) error
	SendError(message string, fields map[string]interface{}) error
}

// Tracker 网格跟踪服务
type Tracker struct {
	repo store.Repository
	log  *logger.Logger
	mon  *monitor.Monitor

	mu     sync.RWMutex
	policy RetryPolicy
	alerts Alerter

	now func() time.Time
}

// New 创建跟踪服务；log/mon 可为 nil
func New(repo store.Repository, log *logger.Logger, mon *monitor.Monitor, policy RetryPolicy) *Tracker {
	if log == nil {
		log = logger.NewNop()
	}
	t := &Tracker{
		repo: repo,
		log:  log.WithFields(map[string]interface{}{"component": "tracker"}),
		mon:  mon,
		now:  func() time.Time { return time.Now().UTC() },
	}
	t.SetRetryPolicy(policy)
	return t
}

// SetRetryPolicy 运行时替换重试策略（热加载）
func (t *Tracker) SetRetryPolicy(p RetryPolicy) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	t.mu.Lock()
	t.policy = p
	t.mu.Unlock()
}

// SetAlerter 设置告警出口；nil 表示关闭
func (t *Tracker) SetAlerter(a Alerter) {
	t.mu.Lock()
	t.alerts = a
	t.mu.Unlock()
}

func (t *Tracker) alerter() Alerter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alerts
}

// RetryPolicy 当前重试策略
func (t *Tracker) RetryPolicy() RetryPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.policy
}

// CreateGrid 校验参数、生成档位并持久化。参数非法时不访问存储。
func (t *Tracker) CreateGrid(ctx context.Context, cfg grid.Config) (*grid.Grid, error) {
	g, err := grid.CreateAt(cfg, t.now())
	if err != nil {
		return nil, err
	}
	return t.persist(ctx, g)
}

// EnsureGrid 按固定 ID 确保网格存在：已存在时原样返回（created=false），
// 不存在时按 cfg 创建。用于启动时的配置种子。
func (t *Tracker) EnsureGrid(ctx context.Context, id string, cfg grid.Config) (*grid.Grid, bool, error) {
	if id == "" {
		g, err := t.CreateGrid(ctx, cfg)
		return g, err == nil, err
	}
	if err := grid.ValidateID(id); err != nil {
		return nil, false, err
	}
	existing, err := t.repo.Get(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, grid.ErrNotFound) {
		return nil, false, err
	}
	g, err := grid.CreateAt(cfg, t.now())
	if err != nil {
		return nil, false, err
	}
	g.ID = id
	g, err = t.persist(ctx, g)
	if errors.Is(err, grid.ErrDuplicateID) {
		// 并发创建，以已存在的为准
		existing, gerr := t.repo.Get(ctx, id)
		return existing, false, gerr
	}
	return g, err == nil, err
}

func (t *Tracker) persist(ctx context.Context, g *grid.Grid) (*grid.Grid, error) {
	if err := t.repo.Create(ctx, g); err != nil {
		t.log.LogError(err, map[string]interface{}{"op": "create", "grid_id": g.ID})
		return nil, fmt.Errorf("persist grid: %w", err)
	}
	t.log.LogGrid("created", g.ID, map[string]interface{}{
		"source":     g.SourceTokenID,
		"target":     g.TargetTokenID,
		"lower":      g.LowerLimit,
		"upper":      g.UpperLimit,
		"grid_count": g.GridCount,
	})
	if t.mon != nil {
		t.mon.RecordGridCreated()
	}
	t.refreshActive(ctx)
	return g, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (*grid.Grid, error) {
	return t.repo.Get(ctx, id)
}

func (t *Tracker) List(ctx context.Context, opts store.ListOptions) ([]*grid.Grid, error) {
	return t.repo.List(ctx, opts)
}

// Delete 删除网格及其成交
func (t *Tracker) Delete(ctx context.Context, id string) error {
	if err := t.repo.Delete(ctx, id); err != nil {
		return err
	}
	t.log.LogGrid("deleted", id, nil)
	if t.mon != nil {
		t.mon.RecordGridDeleted(id)
	}
	t.refreshActive(ctx)
	return nil
}

// SetActive 启用/停用网格
func (t *Tracker) SetActive(ctx context.Context, id string, active bool) (*grid.Grid, error) {
	g, err := t.update(ctx, id, "set_active", func(cur grid.Grid) (grid.Grid, error) {
		return cur.WithActive(active), nil
	})
	if err != nil {
		return nil, err
	}
	t.log.LogGrid("active_changed", id, map[string]interface{}{"active": active})
	t.refreshActive(ctx)
	return g, nil
}

// ApplyPrice 记录最新价格并重新定位档位
func (t *Tracker) ApplyPrice(ctx context.Context, id string, price float64) (*grid.Grid, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return nil, &grid.ValidationError{Field: "price", Reason: "must be a finite number > 0"}
	}
	g, err := t.update(ctx, id, "price", func(cur grid.Grid) (grid.Grid, error) {
		return cur.ApplyPriceUpdate(price), nil
	})
	if err != nil {
		return nil, err
	}
	if t.mon != nil {
		t.mon.RecordPriceUpdate()
		t.mon.UpdateGridPosition(g.ID, price, g.CurrentGridIndex)
	}
	t.log.Debug("price applied",
		zap.String("grid_id", g.ID),
		zap.Float64("price", price),
		zap.Any("index", g.IndexOrNil()),
		zap.Int64("version", g.Version),
	)
	return g, nil
}

// RecordTrade 校验并保存成交，再把成交计入网格
func (t *Tracker) RecordTrade(ctx context.Context, tr grid.Trade) (*grid.Trade, *grid.Grid, error) {
	cur, err := t.repo.Get(ctx, tr.GridID)
	if err != nil {
		return nil, nil, err
	}
	if err := tr.Validate(*cur); err != nil {
		return nil, nil, err
	}
	tr = tr.Normalize(*cur, t.now())
	if err := t.repo.SaveTrade(ctx, &tr); err != nil {
		return nil, nil, fmt.Errorf("persist trade: %w", err)
	}

	g, err := t.update(ctx, tr.GridID, "trade", func(cur grid.Grid) (grid.Grid, error) {
		return cur.ApplyTrade(tr), nil
	})
	if err != nil {
		// 成交已落库，网格统计未更新
		fields := map[string]interface{}{"op": "trade", "grid_id": tr.GridID, "trade_id": tr.ID}
		t.log.LogError(err, fields)
		if a := t.alerter(); a != nil {
			if aerr := a.SendError("trade saved but grid not updated", fields); aerr != nil {
				t.log.LogError(aerr, map[string]interface{}{"op": "alert", "grid_id": tr.GridID})
			}
		}
		return &tr, nil, err
	}

	fields := map[string]interface{}{
		"grid_id":  tr.GridID,
		"trade_id": tr.ID,
		"side":     string(tr.Side),
		"input":    tr.InputAmount,
		"output":   tr.OutputAmount,
		"level":    tr.GridLevel,
	}
	if tr.Profit != nil {
		fields["profit"] = *tr.Profit
	}
	t.log.LogTrade("recorded", fields)
	if t.mon != nil {
		t.mon.RecordTrade(string(tr.Side))
	}
	return &tr, g, nil
}

// HandleTick 把行情应用到所有 target token 匹配的启用网格，返回更新的网格数
func (t *Tracker) HandleTick(ctx context.Context, tick feed.Tick) (int, error) {
	if t.mon != nil {
		t.mon.RecordTick()
	}
	active := true
	grids, err := t.repo.List(ctx, store.ListOptions{Active: &active, TargetTokenID: tick.TokenID, Limit: math.MaxInt32})
	if err != nil {
		return 0, err
	}
	var errs []error
	updated := 0
	for _, g := range grids {
		if _, err := t.ApplyPrice(ctx, g.ID, tick.Price); err != nil {
			// 并发删除的网格直接跳过
			if errors.Is(err, grid.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("grid %s: %w", g.ID, err))
			continue
		}
		updated++
	}
	return updated, errors.Join(errs...)
}

// ActiveTokens 启用网格的 target token 去重列表，供行情轮询使用
func (t *Tracker) ActiveTokens(ctx context.Context) ([]string, error) {
	active := true
	grids, err := t.repo.List(ctx, store.ListOptions{Active: &active, Limit: math.MaxInt32})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(grids))
	var tokens []string
	for _, g := range grids {
		if !seen[g.TargetTokenID] {
			seen[g.TargetTokenID] = true
			tokens = append(tokens, g.TargetTokenID)
		}
	}
	sort.Strings(tokens)
	return tokens, nil
}

// Trades 分页列出成交
func (t *Tracker) Trades(ctx context.Context, id string, q store.TradeQuery) ([]grid.Trade, error) {
	if _, err := t.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return t.repo.Trades(ctx, id, q)
}

// Trade 按 ID 读取单笔成交
func (t *Tracker) Trade(ctx context.Context, id string) (*grid.Trade, error) {
	return t.repo.TradeByID(ctx, id)
}

// RecentTrades 所有网格最近的成交，limit<=0 时取默认条数
func (t *Tracker) RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error) {
	return t.repo.RecentTrades(ctx, limit)
}

// Stats 全局汇总：网格总数、启用网格数与累计收益
func (t *Tracker) Stats(ctx context.Context) (*store.Stats, error) {
	st, err := t.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Summary 网格运行概况
type Summary struct {
	GridID           string            `json:"gridId"`
	Active           bool              `json:"active"`
	CurrentPrice     *float64          `json:"currentPrice"`
	CurrentGridIndex *int              `json:"currentGridIndex"`
	CurrentValue     float64           `json:"currentValue"`
	TotalBuys        int               `json:"totalBuys"`
	TotalSells       int               `json:"totalSells"`
	TotalProfit      float64           `json:"totalProfit"`
	Trades           grid.TradeSummary `json:"trades"`
	Version          int64             `json:"version"`
}

// Summary 汇总网格计数与成交记录
func (t *Tracker) Summary(ctx context.Context, id string) (*Summary, error) {
	g, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := t.allTrades(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Summary{
		GridID:           g.ID,
		Active:           g.Active,
		CurrentPrice:     g.CurrentPrice,
		CurrentGridIndex: g.CurrentGridIndex,
		CurrentValue:     g.CurrentValue,
		TotalBuys:        g.TotalBuys,
		TotalSells:       g.TotalSells,
		TotalProfit:      g.TotalProfit,
		Trades:           grid.Summarize(all),
		Version:          g.Version,
	}, nil
}

// Analysis 成交后分析：按档位统计并以最新价格衡量成交
func (t *Tracker) Analysis(ctx context.Context, id string) (*posttrade.Report, error) {
	g, err := t.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := t.allTrades(ctx, id)
	if err != nil {
		return nil, err
	}
	r := posttrade.Analyze(*g, all)
	return &r, nil
}

func (t *Tracker) allTrades(ctx context.Context, id string) ([]grid.Trade, error) {
	var all []grid.Trade
	for offset := 0; ; offset += tradePageSize {
		batch, err := t.repo.Trades(ctx, id, store.TradeQuery{Limit: tradePageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < tradePageSize {
			return all, nil
		}
	}
}

// update 读-改-条件写循环。mutate 必须是纯函数，可能被调用多次。
func (t *Tracker) update(ctx context.Context, id, op string, mutate func(grid.Grid) (grid.Grid, error)) (*grid.Grid, error) {
	policy := t.RetryPolicy()
	start := time.Now()
	defer func() {
		if t.mon != nil {
			t.mon.RecordUpdateLatency(time.Since(start).Seconds())
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		cur, err := t.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := mutate(*cur)
		if err != nil {
			return nil, err
		}
		err = t.repo.Update(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, grid.ErrStaleVersion) {
			return nil, err
		}

		lastErr = err
		if t.mon != nil {
			t.mon.RecordConflict()
		}
		t.log.Debug("version conflict, retrying",
			zap.String("grid_id", id),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int64("version", cur.Version),
		)
		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, backoff(policy.Backoff, attempt)); err != nil {
			return nil, err
		}
	}

	if t.mon != nil {
		t.mon.RecordUpdateFailure()
	}
	t.log.Warn("update abandoned after conflicts",
		zap.String("grid_id", id),
		zap.String("op", op),
		zap.Int("attempts", policy.MaxAttempts),
	)
	if a := t.alerter(); a != nil {
		err := a.SendWarning("grid update conflict", map[string]interface{}{
			"grid_id":  id,
			"op":       op,
			"attempts": policy.MaxAttempts,
		})
		if err != nil {
			t.log.LogError(err, map[string]interface{}{"op": "alert", "grid_id": id})
		}
	}
	return nil, &grid.ConflictError{GridID: id, Attempts: policy.MaxAttempts, Err: lastErr}
}

func (t *Tracker) refreshActive(ctx context.Context) {
	if t.mon == nil {
		return
	}
	st, err := t.repo.Stats(ctx)
	if err != nil {
		t.log.LogError(err, map[string]interface{}{"op": "refresh_active"})
		return
	}
	t.mon.SetActiveGrids(st.ActiveGrids)
}

// backoff 第 attempt 次冲突后的等待时间：base 每次翻倍，不超过 MaxBackoff
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
