package posttrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-tracker-go/grid"
)

func newGrid(t *testing.T) grid.Grid {
	t.Helper()
	g, err := grid.CreateAt(grid.Config{
		SourceTokenID: "SOL", TargetTokenID: "USDC",
		UpperLimit: 130, LowerLimit: 100, GridCount: 10, QuantityInvested: 1,
	}, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return *g
}

func f(v float64) *float64 { return &v }

func TestAnalyze_NoPrice(t *testing.T) {
	g := newGrid(t)
	trades := []grid.Trade{
		{GridID: g.ID, Side: grid.Buy, InputAmount: 0.2, OutputAmount: 20, GridLevel: 3},
		{GridID: g.ID, Side: grid.Buy, InputAmount: 0.1, OutputAmount: 10, GridLevel: 3, Profit: f(0.5)},
		{GridID: g.ID, Side: grid.Sell, InputAmount: 10, OutputAmount: 0.125, GridLevel: 7},
	}

	r := Analyze(g, trades)
	assert.Equal(t, 3, r.TotalTrades)
	assert.Equal(t, 2, r.Buys)
	assert.Equal(t, 1, r.Sells)
	assert.InDelta(t, 30.0, r.BuyVolume, 1e-12)
	assert.InDelta(t, 10.0, r.SellVolume, 1e-12)
	require.NotNil(t, r.AvgBuyPrice)
	assert.InDelta(t, 0.01, *r.AvgBuyPrice, 1e-12)
	require.NotNil(t, r.AvgSellPrice)
	assert.InDelta(t, 0.0125, *r.AvgSellPrice, 1e-12)
	assert.Equal(t, 0.5, r.RealizedProfit)

	assert.Nil(t, r.MarkPrice)
	assert.Zero(t, r.AnalyzedTrades)
	assert.Nil(t, r.FavorableRate)

	assert.Equal(t, []LevelStat{
		{Index: 3, Price: 109, Buys: 2},
		{Index: 7, Price: 121, Sells: 1},
	}, r.Levels)
}

func TestAnalyze_MarkToMarket(t *testing.T) {
	g := newGrid(t).ApplyPriceUpdate(0.011)
	trades := []grid.Trade{
		// 成交价 0.01，现价 0.011：买入有利 +10%
		{GridID: g.ID, Side: grid.Buy, InputAmount: 0.1, OutputAmount: 10, GridLevel: 0},
		// 成交价 0.0125，现价 0.011：卖出有利 +12%
		{GridID: g.ID, Side: grid.Sell, InputAmount: 10, OutputAmount: 0.125, GridLevel: 0},
		// 成交价 0.0121：买入不利
		{GridID: g.ID, Side: grid.Buy, InputAmount: 0.121, OutputAmount: 10, GridLevel: 0},
	}

	r := Analyze(g, trades)
	require.NotNil(t, r.MarkPrice)
	assert.Equal(t, 3, r.AnalyzedTrades)
	require.NotNil(t, r.FavorableRate)
	assert.InDelta(t, 2.0/3.0, *r.FavorableRate, 1e-12)
	require.NotNil(t, r.AvgMarkReturn)
	expected := (0.1 + 0.12 + (0.011-0.0121)/0.0121) / 3
	assert.InDelta(t, expected, *r.AvgMarkReturn, 1e-9)
}

func TestAnalyze_Empty(t *testing.T) {
	r := Analyze(newGrid(t), nil)
	assert.Zero(t, r.TotalTrades)
	assert.Nil(t, r.AvgBuyPrice)
	assert.NotNil(t, r.Levels)
	assert.Empty(t, r.Levels)
}
