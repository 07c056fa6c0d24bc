package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"grid-tracker-go/grid"
)

// GridModel grids 表
type GridModel struct {
	ID               string  `gorm:"column:id;primaryKey"`
	SourceTokenID    string  `gorm:"column:source_token_id;not null"`
	TargetTokenID    string  `gorm:"column:target_token_id;not null;index"`
	UpperLimit       float64 `gorm:"column:upper_limit;not null"`
	LowerLimit       float64 `gorm:"column:lower_limit;not null"`
	GridCount        int     `gorm:"column:grid_count;not null"`
	QuantityInvested float64 `gorm:"column:quantity_invested;not null"`
	Levels           string  `gorm:"column:levels;type:text;not null"` // JSON 数组
	Active           bool    `gorm:"column:active;index"`

	TotalBuys         int      `gorm:"column:total_buys"`
	TotalSells        int      `gorm:"column:total_sells"`
	CurrentValue      float64  `gorm:"column:current_value"`
	TotalProfit       float64  `gorm:"column:total_profit"`
	CurrentPrice      *float64 `gorm:"column:current_price"`
	CurrentGridIndex  *int     `gorm:"column:current_grid_index"`
	SourceTokenAmount *float64 `gorm:"column:source_token_amount"`
	TargetTokenAmount *float64 `gorm:"column:target_token_amount"`

	Version   int64     `gorm:"column:version;not null"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (GridModel) TableName() string {
	return "grids"
}

// TradeModel grid_trades 表
type TradeModel struct {
	ID              string     `gorm:"column:id;primaryKey"`
	GridID          string     `gorm:"column:grid_id;index;not null"`
	Side            string     `gorm:"column:side;not null"`
	InputToken      string     `gorm:"column:input_token"`
	OutputToken     string     `gorm:"column:output_token"`
	InputAmount     float64    `gorm:"column:input_amount"`
	OutputAmount    float64    `gorm:"column:output_amount"`
	GridLevel       int        `gorm:"column:grid_level"`
	ExecutedAt      *time.Time `gorm:"column:executed_at"`
	TransactionHash string     `gorm:"column:transaction_hash"`
	Profit          *float64   `gorm:"column:profit"`
	CreatedAt       time.Time  `gorm:"column:created_at;index"`
}

func (TradeModel) TableName() string {
	return "grid_trades"
}

// SQLite 基于 GORM 的 sqlite 存储。条件更新使用
// UPDATE ... WHERE id = ? AND version = ?，以影响行数判断是否过期。
type SQLite struct {
	db   *gorm.DB
	sink EventSink
	now  func() time.Time
}

// OpenSQLite 打开（必要时创建）sqlite 文件并迁移表结构
func OpenSQLite(path string, sink EventSink) (*SQLite, error) {
	if path == "" {
		path = "grids.db"
	}
	dsn := path + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// sqlite 单写者
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&GridModel{}, &TradeModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db, sink: sink, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLite) Create(ctx context.Context, g *grid.Grid) error {
	if err := checkCreate(g); err != nil {
		return err
	}
	m, err := toGridModel(g)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return grid.ErrDuplicateID
		}
		return fmt.Errorf("insert grid: %w", err)
	}
	emit(s.sink, "grid_created", map[string]interface{}{"grid_id": g.ID, "backend": DriverSQLite})
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*grid.Grid, error) {
	var m GridModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, grid.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load grid %s: %w", id, err)
	}
	return fromGridModel(m)
}

func (s *SQLite) List(ctx context.Context, opts ListOptions) ([]*grid.Grid, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := s.db.WithContext(ctx).Model(&GridModel{})
	if opts.Active != nil {
		q = q.Where("active = ?", *opts.Active)
	}
	if opts.TargetTokenID != "" {
		q = q.Where("target_token_id = ?", opts.TargetTokenID)
	}
	var rows []GridModel
	err := q.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(max(opts.Offset, 0)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list grids: %w", err)
	}
	out := make([]*grid.Grid, 0, len(rows))
	for _, m := range rows {
		g, err := fromGridModel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, g *grid.Grid) error {
	now := s.now()
	next := g.Version + 1
	res := s.db.WithContext(ctx).Model(&GridModel{}).
		Where("id = ? AND version = ?", g.ID, g.Version).
		Updates(map[string]interface{}{
			"active":              g.Active,
			"total_buys":          g.TotalBuys,
			"total_sells":         g.TotalSells,
			"current_value":       g.CurrentValue,
			"total_profit":        g.TotalProfit,
			"current_price":       g.CurrentPrice,
			"current_grid_index":  g.CurrentGridIndex,
			"source_token_amount": g.SourceTokenAmount,
			"target_token_amount": g.TargetTokenAmount,
			"version":             next,
			"updated_at":          now,
		})
	if res.Error != nil {
		return fmt.Errorf("update grid %s: %w", g.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&GridModel{}).Where("id = ?", g.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("update grid %s: %w", g.ID, err)
		}
		if count == 0 {
			return grid.ErrNotFound
		}
		emit(s.sink, "update_conflict", map[string]interface{}{"grid_id": g.ID, "expected": g.Version})
		return grid.ErrStaleVersion
	}
	g.Version = next
	g.UpdatedAt = now
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&GridModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return grid.ErrNotFound
		}
		return tx.Where("grid_id = ?", id).Delete(&TradeModel{}).Error
	})
	if err != nil {
		return err
	}
	emit(s.sink, "grid_deleted", map[string]interface{}{"grid_id": id, "backend": DriverSQLite})
	return nil
}

func (s *SQLite) SaveTrade(ctx context.Context, t *grid.Trade) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&GridModel{}).Where("id = ?", t.GridID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return grid.ErrNotFound
		}
		m := toTradeModel(*t)
		if err := tx.Create(&m).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return grid.ErrDuplicateID
			}
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Trades(ctx context.Context, gridID string, q TradeQuery) ([]grid.Trade, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rows []TradeModel
	err := s.db.WithContext(ctx).
		Where("grid_id = ?", gridID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(max(q.Offset, 0)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	out := make([]grid.Trade, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromTradeModel(m))
	}
	return out, nil
}

func (s *SQLite) TradeByID(ctx context.Context, id string) (*grid.Trade, error) {
	var m TradeModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, grid.ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load trade %s: %w", id, err)
	}
	t := fromTradeModel(m)
	return &t, nil
}

func (s *SQLite) RecentTrades(ctx context.Context, limit int) ([]grid.Trade, error) {
	var rows []TradeModel
	err := s.db.WithContext(ctx).
		Order("created_at DESC").Order("id DESC").
		Limit(recentLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", err)
	}
	out := make([]grid.Trade, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromTradeModel(m))
	}
	return out, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var row struct {
		TotalGrids  int64
		ActiveGrids int64
		TotalProfit float64
	}
	err := s.db.WithContext(ctx).Model(&GridModel{}).
		Select("COUNT(*) AS total_grids, " +
			"COALESCE(SUM(CASE WHEN active THEN 1 ELSE 0 END), 0) AS active_grids, " +
			"COALESCE(SUM(total_profit), 0) AS total_profit").
		Scan(&row).Error
	if err != nil {
		return Stats{}, fmt.Errorf("grid stats: %w", err)
	}
	return Stats{
		TotalGrids:  int(row.TotalGrids),
		ActiveGrids: int(row.ActiveGrids),
		TotalProfit: row.TotalProfit,
	}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toGridModel(g *grid.Grid) (GridModel, error) {
	levels, err := json.Marshal([]float64(g.Levels))
	if err != nil {
		return GridModel{}, fmt.Errorf("encode levels: %w", err)
	}
	return GridModel{
		ID:                g.ID,
		SourceTokenID:     g.SourceTokenID,
		TargetTokenID:     g.TargetTokenID,
		UpperLimit:        g.UpperLimit,
		LowerLimit:        g.LowerLimit,
		GridCount:         g.GridCount,
		QuantityInvested:  g.QuantityInvested,
		Levels:            string(levels),
		Active:            g.Active,
		TotalBuys:         g.TotalBuys,
		TotalSells:        g.TotalSells,
		CurrentValue:      g.CurrentValue,
		TotalProfit:       g.TotalProfit,
		CurrentPrice:      g.CurrentPrice,
		CurrentGridIndex:  g.CurrentGridIndex,
		SourceTokenAmount: g.SourceTokenAmount,
		TargetTokenAmount: g.TargetTokenAmount,
		Version:           g.Version,
		CreatedAt:         g.CreatedAt,
		UpdatedAt:         g.UpdatedAt,
	}, nil
}

func fromGridModel(m GridModel) (*grid.Grid, error) {
	var levels grid.Levels
	if err := json.Unmarshal([]byte(m.Levels), &levels); err != nil {
		return nil, fmt.Errorf("decode levels of grid %s: %w", m.ID, err)
	}
	g := &grid.Grid{
		ID: m.ID,
		Config: grid.Config{
			SourceTokenID:    m.SourceTokenID,
			TargetTokenID:    m.TargetTokenID,
			UpperLimit:       m.UpperLimit,
			LowerLimit:       m.LowerLimit,
			GridCount:        m.GridCount,
			QuantityInvested: m.QuantityInvested,
		},
		Levels:            levels,
		Active:            m.Active,
		TotalBuys:         m.TotalBuys,
		TotalSells:        m.TotalSells,
		CurrentValue:      m.CurrentValue,
		TotalProfit:       m.TotalProfit,
		CurrentPrice:      m.CurrentPrice,
		CurrentGridIndex:  m.CurrentGridIndex,
		SourceTokenAmount: m.SourceTokenAmount,
		TargetTokenAmount: m.TargetTokenAmount,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
	if err := g.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("corrupt grid %s: %w", m.ID, err)
	}
	return g, nil
}

func toTradeModel(t grid.Trade) TradeModel {
	return TradeModel{
		ID:              t.ID,
		GridID:          t.GridID,
		Side:            string(t.Side),
		InputToken:      t.InputToken,
		OutputToken:     t.OutputToken,
		InputAmount:     t.InputAmount,
		OutputAmount:    t.OutputAmount,
		GridLevel:       t.GridLevel,
		ExecutedAt:      t.ExecutedAt,
		TransactionHash: t.TransactionHash,
		Profit:          t.Profit,
		CreatedAt:       t.CreatedAt,
	}
}

func fromTradeModel(m TradeModel) grid.Trade {
	t := grid.Trade{
		ID:              m.ID,
		GridID:          m.GridID,
		Side:            grid.Side(m.Side),
		InputToken:      m.InputToken,
		OutputToken:     m.OutputToken,
		InputAmount:     m.InputAmount,
		OutputAmount:    m.OutputAmount,
		GridLevel:       m.GridLevel,
		TransactionHash: m.TransactionHash,
		Profit:          m.Profit,
		CreatedAt:       m.CreatedAt.UTC(),
	}
	if m.ExecutedAt != nil {
		ts := m.ExecutedAt.UTC()
		t.ExecutedAt = &ts
	}
	return t
}
