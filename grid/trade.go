package grid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side 成交方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ParseSide 大小写不敏感解析方向
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, true
	case Sell:
		return Sell, true
	}
	return "", false
}

// Trade 一次已执行的买入/卖出，通过 GridID 关联到网格。
// BUY: 花费 InputAmount 的 source token 换得 OutputAmount 的 target token；
// SELL 反之。
type Trade struct {
	ID              string     `json:"id"`
	GridID          string     `json:"gridId"`
	Side            Side       `json:"side"`
	InputToken      string     `json:"inputToken"`
	OutputToken     string     `json:"outputToken"`
	InputAmount     float64    `json:"inputAmount"`
	OutputAmount    float64    `json:"outputAmount"`
	GridLevel       int        `json:"gridLevel"`
	ExecutedAt      *time.Time `json:"executedAt,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	Profit          *float64   `json:"profit,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// Validate 校验成交记录与所属网格是否一致
func (t Trade) Validate(g Grid) error {
	if t.GridID == "" || t.GridID != g.ID {
		return &ValidationError{Field: "gridId", Reason: "must reference the grid"}
	}
	if t.Side != Buy && t.Side != Sell {
		return &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if !finite(t.InputAmount) || t.InputAmount <= 0 {
		return &ValidationError{Field: "inputAmount", Reason: "must be > 0"}
	}
	if !finite(t.OutputAmount) || t.OutputAmount <= 0 {
		return &ValidationError{Field: "outputAmount", Reason: "must be > 0"}
	}
	if !g.Levels.Valid(t.GridLevel) {
		return &ValidationError{Field: "gridLevel", Reason: "is not a valid level index"}
	}
	if t.Profit != nil && !finite(*t.Profit) {
		return &ValidationError{Field: "profit", Reason: "must be finite"}
	}
	return nil
}

// Normalize 补全 ID、时间戳和默认 token。
func (t Trade) Normalize(g Grid, now time.Time) Trade {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.ExecutedAt == nil {
		ts := now
		t.ExecutedAt = &ts
	}
	if t.InputToken == "" || t.OutputToken == "" {
		if t.Side == Buy {
			t.InputToken, t.OutputToken = g.SourceTokenID, g.TargetTokenID
		} else {
			t.InputToken, t.OutputToken = g.TargetTokenID, g.SourceTokenID
		}
	}
	return t
}

// ExecutionPrice 以 source token 计价的 target token 成交价
func (t Trade) ExecutionPrice() float64 {
	if t.Side == Buy {
		return t.InputAmount / t.OutputAmount
	}
	return t.OutputAmount / t.InputAmount
}

// ApplyTrade 返回计入本次成交后的新记录：成交计数、两侧持仓、
// 按成交价重估的 CurrentValue（source token 计价）以及累计利润。
// 尚未记录的 source 持仓视为 QuantityInvested，target 持仓视为 0。
// 不修改 CurrentPrice/CurrentGridIndex。
func (g Grid) ApplyTrade(t Trade) Grid {
	out := g.Clone()

	source := g.QuantityInvested
	if g.SourceTokenAmount != nil {
		source = *g.SourceTokenAmount
	}
	target := 0.0
	if g.TargetTokenAmount != nil {
		target = *g.TargetTokenAmount
	}

	switch t.Side {
	case Buy:
		out.TotalBuys++
		source -= t.InputAmount
		target += t.OutputAmount
	case Sell:
		out.TotalSells++
		target -= t.InputAmount
		source += t.OutputAmount
	}
	if t.Profit != nil {
		out.TotalProfit += *t.Profit
	}

	out.SourceTokenAmount = &source
	out.TargetTokenAmount = &target
	out.CurrentValue = source + target*t.ExecutionPrice()
	return out
}

// TradeSummary 单个网格的成交汇总
type TradeSummary struct {
	TotalBuys   int     `json:"totalBuys"`
	TotalSells  int     `json:"totalSells"`
	TotalProfit float64 `json:"totalProfit"`
}

// Summarize 汇总成交记录
func Summarize(trades []Trade) TradeSummary {
	var s TradeSummary
	for _, t := range trades {
		switch t.Side {
		case Buy:
			s.TotalBuys++
		case Sell:
			s.TotalSells++
		}
		if t.Profit != nil {
			s.TotalProfit += *t.Profit
		}
	}
	return s
}
