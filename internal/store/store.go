// Package store 网格记录与成交记录的持久化。
// 所有后端实现同一套乐观并发语义：Update 仅在存储中的 Version 等于
// 调用方持有的 Version 时成功，成功后 Version+1。
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grid-tracker-go/grid"
)

// 后端类型
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// DefaultListLimit List 未指定 Limit 时的默认条数
const DefaultListLimit = 100

// RecentTrades 的默认与最大条数
const (
	DefaultRecentTrades = 10
	MaxRecentTrades     = 100
)

// Repository 网格持久化接口
type Repository interface {
	// Create 插入新网格；ID 已存在时返回 grid.ErrDuplicateID
	Create(ctx context.Context, g *grid.Grid) error
	// Get 按 ID 读取；不存在时返回 grid.ErrNotFound
	Get(ctx context.Context, id string) (*grid.Grid, error)
	// List 按创建时间倒序列出
	List(ctx context.Context, opts ListOptions) ([]*grid.Grid, error)
	// Update 条件更新运行态字段。版本不一致返回 grid.ErrStaleVersion；
	// 成功时回写 g.Version 与 g.UpdatedAt。Config/Levels/CreatedAt 不会被覆盖。
	Update(ctx context.Context, g *grid.Grid) error
	// Delete 删除网格及其成交记录
	Delete(ctx context.Context, id string) error
	// SaveTrade 追加成交记录；所属网格不存在时返回 grid.ErrNotFound
	SaveTrade(ctx context.Context, t *grid.Trade) error
	// Trades 按创建时间倒序列出某网格的成交
	Trades(ctx context.Context, gridID string, q TradeQuery) ([]grid.Trade, error)
	// TradeByID 按成交 ID 读取；不存在时返回 grid.ErrTradeNotFound
	TradeByID(ctx context.Context, id string) (*grid.Trade, error)
	// RecentTrades 所有网格的最近成交，按创建时间倒序
	RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error)
	// Stats 全部网格的汇总
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// ListOptions 列表过滤条件
type ListOptions struct {
	Active        *bool
	TargetTokenID string
	Limit         int
	Offset        int
}

// Stats 网格汇总
type Stats struct {
	TotalGrids  int     `json:"totalGrids"`
	ActiveGrids int     `json:"activeGrids"`
	TotalProfit float64 `json:"totalProfit"`
}

func (s *Stats) add(g grid.Grid) {
	s.TotalGrids++
	if g.Active {
		s.ActiveGrids++
	}
	s.TotalProfit += g.TotalProfit
}

// TradeQuery 成交分页
type TradeQuery struct {
	Limit  int
	Offset int
}

// Config 存储配置
type Config struct {
	Driver string `yaml:"driver"` // memory, sqlite, badger
	Path   string `yaml:"path"`   // sqlite 文件 / badger 目录；badger 为空时使用内存模式
}

// EventSink 存储事件回调（与日志/监控解耦）
type EventSink func(event string, fields map[string]interface{})

// Open 根据配置创建存储后端
func Open(cfg Config, sink EventSink) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemory(sink), nil
	case DriverSQLite:
		return OpenSQLite(cfg.Path, sink)
	case DriverBadger:
		return OpenBadger(cfg.Path, sink)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// applyMutable 以 stored 为基础，仅拷贝 incoming 的运行态字段，并推进版本。
func applyMutable(stored grid.Grid, incoming *grid.Grid, now time.Time) grid.Grid {
	out := stored.Clone()
	in := incoming.Clone()
	out.Active = in.Active
	out.TotalBuys = in.TotalBuys
	out.TotalSells = in.TotalSells
	out.CurrentValue = in.CurrentValue
	out.TotalProfit = in.TotalProfit
	out.CurrentPrice = in.CurrentPrice
	out.CurrentGridIndex = in.CurrentGridIndex
	out.SourceTokenAmount = in.SourceTokenAmount
	out.TargetTokenAmount = in.TargetTokenAmount
	out.Version = stored.Version + 1
	out.UpdatedAt = now
	return out
}

func matches(g grid.Grid, opts ListOptions) bool {
	if opts.Active != nil && g.Active != *opts.Active {
		return false
	}
	if opts.TargetTokenID != "" && g.TargetTokenID != opts.TargetTokenID {
		return false
	}
	return true
}

// sortNewestFirst 创建时间倒序，时间相同按 ID 倒序
func sortNewestFirst(grids []*grid.Grid) {
	sort.Slice(grids, func(i, j int) bool {
		if grids[i].CreatedAt.Equal(grids[j].CreatedAt) {
			return grids[i].ID > grids[j].ID
		}
		return grids[i].CreatedAt.After(grids[j].CreatedAt)
	})
}

func sortTradesNewestFirst(trades []grid.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].CreatedAt.Equal(trades[j].CreatedAt) {
			return trades[i].ID > trades[j].ID
		}
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
}

// recentLimit 把 RecentTrades 的 limit 归一到 [1, MaxRecentTrades]
func recentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentTrades
	}
	if limit > MaxRecentTrades {
		return MaxRecentTrades
	}
	return limit
}

func page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func checkCreate(g *grid.Grid) error {
	if g == nil {
		return fmt.Errorf("nil grid")
	}
	if err := g.CheckInvariants(); err != nil {
		return fmt.Errorf("refusing to persist invalid grid: %w", err)
	}
	return nil
}

func emit(sink EventSink, event string, fields map[string]interface{}) {
	if sink == nil {
		return
	}
	sink(event, fields)
}
