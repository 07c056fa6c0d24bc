// Package posttrade 成交后分析：按档位统计成交、计算加权成交价，
// 并以网格最新价格衡量每笔成交的事后盈亏方向。
package posttrade

import (
	"sort"

	"grid-tracker-go/grid"
)

// LevelStat 单个档位的成交统计
type LevelStat struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Buys  int     `json:"buys"`
	Sells int     `json:"sells"`
}

// Report 网格成交分析结果
type Report struct {
	GridID         string   `json:"gridId"`
	TotalTrades    int      `json:"totalTrades"`
	Buys           int      `json:"buys"`
	Sells          int      `json:"sells"`
	BuyVolume      float64  `json:"buyVolume"`  // 买入的 target token 数量
	SellVolume     float64  `json:"sellVolume"` // 卖出的 target token 数量
	AvgBuyPrice    *float64 `json:"avgBuyPrice"`
	AvgSellPrice   *float64 `json:"avgSellPrice"`
	RealizedProfit float64  `json:"realizedProfit"`

	// 以下需要网格已有价格
	MarkPrice      *float64 `json:"markPrice"`
	AnalyzedTrades int      `json:"analyzedTrades"`
	FavorableRate  *float64 `json:"favorableRate"`
	AvgMarkReturn  *float64 `json:"avgMarkReturn"`

	Levels []LevelStat `json:"levels"`
}

// Analyze 基于网格当前状态与其成交记录生成报告。纯函数。
//
// 方向约定：BUY 之后价格上涨、SELL 之后价格下跌视为有利；
// markReturn 为带方向的相对收益 (mark-exec)/exec，SELL 取反。
func Analyze(g grid.Grid, trades []grid.Trade) Report {
	r := Report{GridID: g.ID, TotalTrades: len(trades), MarkPrice: g.CurrentPrice, Levels: []LevelStat{}}

	byLevel := make(map[int]*LevelStat)
	var buyCost, sellProceeds float64
	var favorable int
	var markSum float64

	for _, t := range trades {
		ls, ok := byLevel[t.GridLevel]
		if !ok {
			ls = &LevelStat{Index: t.GridLevel}
			if g.Levels.Valid(t.GridLevel) {
				ls.Price = g.Levels[t.GridLevel]
			}
			byLevel[t.GridLevel] = ls
		}
		if t.Profit != nil {
			r.RealizedProfit += *t.Profit
		}

		switch t.Side {
		case grid.Buy:
			r.Buys++
			ls.Buys++
			r.BuyVolume += t.OutputAmount
			buyCost += t.InputAmount
		case grid.Sell:
			r.Sells++
			ls.Sells++
			r.SellVolume += t.InputAmount
			sellProceeds += t.OutputAmount
		default:
			continue
		}

		if g.CurrentPrice == nil {
			continue
		}
		exec := t.ExecutionPrice()
		if exec <= 0 {
			continue
		}
		ret := (*g.CurrentPrice - exec) / exec
		if t.Side == grid.Sell {
			ret = -ret
		}
		r.AnalyzedTrades++
		markSum += ret
		if ret > 0 {
			favorable++
		}
	}

	if r.BuyVolume > 0 {
		v := buyCost / r.BuyVolume
		r.AvgBuyPrice = &v
	}
	if r.SellVolume > 0 {
		v := sellProceeds / r.SellVolume
		r.AvgSellPrice = &v
	}
	if r.AnalyzedTrades > 0 {
		rate := float64(favorable) / float64(r.AnalyzedTrades)
		avg := markSum / float64(r.AnalyzedTrades)
		r.FavorableRate = &rate
		r.AvgMarkReturn = &avg
	}

	for _, ls := range byLevel {
		r.Levels = append(r.Levels, *ls)
	}
	sort.Slice(r.Levels, func(i, j int) bool { return r.Levels[i].Index < r.Levels[j].Index })
	return r
}
