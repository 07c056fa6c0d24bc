package api

import (
	"time"

	"grid-tracker-go/grid"
)

// CreateGridRequest POST /api/v1/grids。gridCount 以浮点接收，非整数返回 400
type CreateGridRequest struct {
	SourceTokenID    string  `json:"sourceTokenId"`
	TargetTokenID    string  `json:"targetTokenId"`
	UpperLimit       float64 `json:"upperLimit"`
	LowerLimit       float64 `json:"lowerLimit"`
	GridCount        float64 `json:"gridCount"`
	QuantityInvested float64 `json:"quantityInvested"`
}

// PriceRequest POST /api/v1/grids/:id/price
type PriceRequest struct {
	Price *float64 `json:"price"`
}

// TradeRequest POST /api/v1/grids/:id/trades
type TradeRequest struct {
	Side            string     `json:"side"`
	InputToken      string     `json:"inputToken"`
	OutputToken     string     `json:"outputToken"`
	InputAmount     float64    `json:"inputAmount"`
	OutputAmount    float64    `json:"outputAmount"`
	GridLevel       *int       `json:"gridLevel"`
	ExecutedAt      *time.Time `json:"executedAt"`
	TransactionHash string     `json:"transactionHash"`
	Profit          *float64   `json:"profit"`
}

// TradeResponse 成交及更新后的网格
type TradeResponse struct {
	Trade grid.Trade `json:"trade"`
	Grid  *grid.Grid `json:"grid"`
}

// LevelsRequest POST /api/v1/levels，无状态计算档位，可选定位价格
type LevelsRequest struct {
	LowerLimit float64  `json:"lowerLimit"`
	UpperLimit float64  `json:"upperLimit"`
	GridCount  float64  `json:"gridCount"`
	Price      *float64 `json:"price"`
}

// LevelsResponse 档位计算结果
type LevelsResponse struct {
	Levels  grid.Levels `json:"levels"`
	Step    float64     `json:"step"`
	Count   int         `json:"count"`
	Price   *float64    `json:"price,omitempty"`
	Index   *int        `json:"index,omitempty"`
	InRange *bool       `json:"inRange,omitempty"`
}

// ListResponse 网格列表
type ListResponse struct {
	Grids  []*grid.Grid `json:"grids"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}
