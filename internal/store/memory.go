package store

import (
	"context"
	"sync"
	"time"

	"grid-tracker-go/grid"
)

// Memory 进程内存储，读写锁保护，读写均做深拷贝。
type Memory struct {
	mu        sync.RWMutex
	grids     map[string]grid.Grid
	trades    map[string][]grid.Trade
	// 成交 ID -> 网格 ID
	tradeGrid map[string]string
	sink      EventSink
	now       func() time.Time
}

// NewMemory 创建内存存储
func NewMemory(sink EventSink) *Memory {
	return &Memory{
		grids:     make(map[string]grid.Grid),
		trades:    make(map[string][]grid.Trade),
		tradeGrid: make(map[string]string),
		sink:      sink,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Create(ctx context.Context, g *grid.Grid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkCreate(g); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grids[g.ID]; ok {
		return grid.ErrDuplicateID
	}
	m.grids[g.ID] = g.Clone()
	emit(m.sink, "grid_created", map[string]interface{}{"grid_id": g.ID, "backend": DriverMemory})
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*grid.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grids[id]
	if !ok {
		return nil, grid.ErrNotFound
	}
	out := g.Clone()
	return &out, nil
}

func (m *Memory) List(ctx context.Context, opts ListOptions) ([]*grid.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*grid.Grid, 0, len(m.grids))
	for _, g := range m.grids {
		if !matches(g, opts) {
			continue
		}
		c := g.Clone()
		out = append(out, &c)
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return page(out, opts.Limit, opts.Offset), nil
}

func (m *Memory) Update(ctx context.Context, g *grid.Grid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.grids[g.ID]
	if !ok {
		return grid.ErrNotFound
	}
	if stored.Version != g.Version {
		emit(m.sink, "update_conflict", map[string]interface{}{
			"grid_id": g.ID, "expected": g.Version, "actual": stored.Version,
		})
		return grid.ErrStaleVersion
	}
	next := applyMutable(stored, g, m.now())
	m.grids[g.ID] = next
	g.Version = next.Version
	g.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grids[id]; !ok {
		return grid.ErrNotFound
	}
	for _, t := range m.trades[id] {
		delete(m.tradeGrid, t.ID)
	}
	delete(m.grids, id)
	delete(m.trades, id)
	emit(m.sink, "grid_deleted", map[string]interface{}{"grid_id": id, "backend": DriverMemory})
	return nil
}

func (m *Memory) SaveTrade(ctx context.Context, t *grid.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grids[t.GridID]; !ok {
		return grid.ErrNotFound
	}
	if _, ok := m.tradeGrid[t.ID]; ok {
		return grid.ErrDuplicateID
	}
	m.trades[t.GridID] = append(m.trades[t.GridID], cloneTrade(*t))
	m.tradeGrid[t.ID] = t.GridID
	return nil
}

func (m *Memory) Trades(ctx context.Context, gridID string, q TradeQuery) ([]grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	src := m.trades[gridID]
	out := make([]grid.Trade, 0, len(src))
	for _, t := range src {
		out = append(out, cloneTrade(t))
	}
	m.mu.RUnlock()
	sortTradesNewestFirst(out)
	return page(out, q.Limit, q.Offset), nil
}

func (m *Memory) TradeByID(ctx context.Context, id string) (*grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trades[m.tradeGrid[id]] {
		if t.ID == id {
			out := cloneTrade(t)
			return &out, nil
		}
	}
	return nil, grid.ErrTradeNotFound
}

func (m *Memory) RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]grid.Trade, 0, len(m.tradeGrid))
	for _, trades := range m.trades {
		for _, t := range trades {
			out = append(out, cloneTrade(t))
		}
	}
	m.mu.RUnlock()
	sortTradesNewestFirst(out)
	return page(out, recentLimit(limit), 0), nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grids {
		st.add(g)
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }

func cloneTrade(t grid.Trade) grid.Trade {
	out := t
	if t.ExecutedAt != nil {
		ts := *t.ExecutedAt
		out.ExecutedAt = &ts
	}
	if t.Profit != nil {
		p := *t.Profit
		out.Profit = &p
	}
	return out
}
