// Package grid 定义网格交易的核心模型：等距价格档位生成、价格档位定位、
// 网格记录及其不变量校验。本包内的计算均为纯函数，可被任意并发调用。
package grid

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config 网格创建参数，创建后不可变。
type Config struct {
	SourceTokenID    string  `json:"sourceTokenId" yaml:"sourceTokenId"`
	TargetTokenID    string  `json:"targetTokenId" yaml:"targetTokenId"`
	UpperLimit       float64 `json:"upperLimit" yaml:"upperLimit"`
	LowerLimit       float64 `json:"lowerLimit" yaml:"lowerLimit"`
	GridCount        int     `json:"gridCount" yaml:"gridCount"`
	QuantityInvested float64 `json:"quantityInvested" yaml:"quantityInvested"`
}

// Validate 逐项校验创建参数，返回第一个违反的约束。
func (c Config) Validate() error {
	if strings.TrimSpace(c.SourceTokenID) == "" {
		return &ValidationError{Field: "sourceTokenId", Reason: "is required"}
	}
	if strings.TrimSpace(c.TargetTokenID) == "" {
		return &ValidationError{Field: "targetTokenId", Reason: "is required"}
	}
	if c.SourceTokenID == c.TargetTokenID {
		return &ValidationError{Field: "targetTokenId", Reason: "must differ from sourceTokenId"}
	}
	if !finite(c.UpperLimit) || c.UpperLimit <= 0 {
		return &ValidationError{Field: "upperLimit", Reason: "must be > 0",
			Err: &InvalidRangeError{Lower: c.LowerLimit, Upper: c.UpperLimit}}
	}
	if !finite(c.LowerLimit) || c.LowerLimit < 0 {
		return &ValidationError{Field: "lowerLimit", Reason: "must be >= 0",
			Err: &InvalidRangeError{Lower: c.LowerLimit, Upper: c.UpperLimit}}
	}
	if c.LowerLimit >= c.UpperLimit {
		return &ValidationError{Field: "lowerLimit", Reason: "must be < upperLimit",
			Err: &InvalidRangeError{Lower: c.LowerLimit, Upper: c.UpperLimit}}
	}
	if c.GridCount < MinGridCount {
		return &ValidationError{Field: "gridCount", Reason: "must be >= 2",
			Err: &InvalidGridCountError{Count: float64(c.GridCount), Reason: "must be >= 2"}}
	}
	if c.GridCount > MaxGridCount {
		return &ValidationError{Field: "gridCount", Reason: tooLarge,
			Err: &InvalidGridCountError{Count: float64(c.GridCount), Reason: tooLarge}}
	}
	if !finite(c.QuantityInvested) || c.QuantityInvested <= 0 {
		return &ValidationError{Field: "quantityInvested", Reason: "must be > 0"}
	}
	return nil
}

// MaxIDLength 外部指定网格 ID 的最大长度
const MaxIDLength = 128

// ValidateID 校验配置或调用方指定的网格 ID。ID 会进入存储键，不允许包含 '/'。
func ValidateID(id string) error {
	switch {
	case id == "" || strings.TrimSpace(id) != id:
		return &ValidationError{Field: "id", Reason: "must be non-empty without surrounding spaces"}
	case len(id) > MaxIDLength:
		return &ValidationError{Field: "id", Reason: "is too long"}
	case strings.Contains(id, "/"):
		return &ValidationError{Field: "id", Reason: "must not contain '/'"}
	}
	return nil
}

// Grid 持久化的网格记录。Config 与 Levels 创建后不变；其余为运行态。
// Version 为乐观并发令牌，由存储层在每次条件更新成功后递增。
type Grid struct {
	ID string `json:"id"`
	Config
	Levels Levels `json:"levels"`
	Active bool   `json:"active"`

	TotalBuys         int      `json:"totalBuys"`
	TotalSells        int      `json:"totalSells"`
	CurrentValue      float64  `json:"currentValue"`
	TotalProfit       float64  `json:"totalProfit"`
	CurrentPrice      *float64 `json:"currentPrice"`
	CurrentGridIndex  *int     `json:"currentGridIndex"`
	SourceTokenAmount *float64 `json:"sourceTokenAmount"`
	TargetTokenAmount *float64 `json:"targetTokenAmount"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Create 校验参数、生成档位并返回初始网格记录。不做任何持久化。
func Create(cfg Config) (*Grid, error) {
	return CreateAt(cfg, time.Now().UTC())
}

// CreateAt 同 Create，使用给定时间戳。
func CreateAt(cfg Config, now time.Time) (*Grid, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	levels, err := BuildLevels(cfg.LowerLimit, cfg.UpperLimit, cfg.GridCount)
	if err != nil {
		return nil, &ValidationError{Field: "gridCount", Reason: "cannot build levels", Err: err}
	}
	return &Grid{
		ID:        uuid.NewString(),
		Config:    cfg,
		Levels:    levels,
		Active:    true,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ApplyPriceUpdate 返回设置了 CurrentPrice/CurrentGridIndex 的新记录。
// 不修改成交计数与 CurrentValue。
func (g Grid) ApplyPriceUpdate(price float64) Grid {
	out := g.Clone()
	p := price
	out.CurrentPrice = &p
	if idx, ok := g.Levels.Locate(price); ok {
		out.CurrentGridIndex = &idx
	} else {
		out.CurrentGridIndex = nil
	}
	return out
}

// WithActive 返回启停状态变更后的新记录
func (g Grid) WithActive(active bool) Grid {
	out := g.Clone()
	out.Active = active
	return out
}

// Clone 深拷贝可变的指针字段；Levels 只读，共享底层数组。
func (g Grid) Clone() Grid {
	out := g
	out.CurrentPrice = cloneFloat(g.CurrentPrice)
	out.SourceTokenAmount = cloneFloat(g.SourceTokenAmount)
	out.TargetTokenAmount = cloneFloat(g.TargetTokenAmount)
	if g.CurrentGridIndex != nil {
		idx := *g.CurrentGridIndex
		out.CurrentGridIndex = &idx
	}
	return out
}

// CheckInvariants 校验从存储加载的记录是否满足全部不变量。
func (g Grid) CheckInvariants() error {
	if g.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if err := g.Config.Validate(); err != nil {
		return err
	}
	if len(g.Levels) != g.GridCount+1 {
		return &ValidationError{Field: "levels", Reason: "must have gridCount+1 entries"}
	}
	if err := g.Levels.CheckMonotonic(); err != nil {
		return err
	}
	if g.CurrentGridIndex != nil && !g.Levels.Valid(*g.CurrentGridIndex) {
		return &ValidationError{Field: "currentGridIndex", Reason: "is not a valid level index"}
	}
	if g.TotalBuys < 0 || g.TotalSells < 0 {
		return &ValidationError{Field: "totalBuys", Reason: "trade counters must be >= 0"}
	}
	return nil
}

// IndexOrNil 便于日志/展示
func (g Grid) IndexOrNil() interface{} {
	if g.CurrentGridIndex == nil {
		return nil
	}
	return *g.CurrentGridIndex
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
