package grid_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-tracker-go/grid"
)

const (
	solMint  = "So11111111111111111111111111111111111111112"
	usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

func scenarioConfig() grid.Config {
	return grid.Config{
		SourceTokenID:    solMint,
		TargetTokenID:    usdcMint,
		UpperLimit:       130,
		LowerLimit:       100,
		GridCount:        10,
		QuantityInvested: 1,
	}
}

func TestCreate(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	g, err := grid.CreateAt(scenarioConfig(), now)
	require.NoError(t, err)

	assert.NotEmpty(t, g.ID)
	assert.Len(t, g.Levels, 11)
	assert.True(t, g.Active)
	assert.Equal(t, int64(1), g.Version)
	assert.Equal(t, now, g.CreatedAt)
	assert.Zero(t, g.TotalBuys)
	assert.Zero(t, g.TotalSells)
	assert.Zero(t, g.CurrentValue)
	assert.Nil(t, g.CurrentPrice)
	assert.Nil(t, g.CurrentGridIndex)
	assert.Nil(t, g.SourceTokenAmount)
	assert.Nil(t, g.TargetTokenAmount)
	assert.NoError(t, g.CheckInvariants())
}

func TestCreate_ValidationErrors(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*grid.Config)
		field     string
		wantRange bool
		wantCount bool
	}{
		{"missing source", func(c *grid.Config) { c.SourceTokenID = "" }, "sourceTokenId", false, false},
		{"missing target", func(c *grid.Config) { c.TargetTokenID = " " }, "targetTokenId", false, false},
		{"same tokens", func(c *grid.Config) { c.TargetTokenID = c.SourceTokenID }, "targetTokenId", false, false},
		{"upper zero", func(c *grid.Config) { c.UpperLimit = 0; c.LowerLimit = 0 }, "upperLimit", true, false},
		{"negative lower", func(c *grid.Config) { c.LowerLimit = -1 }, "lowerLimit", true, false},
		{"upper equals lower", func(c *grid.Config) { c.LowerLimit = 130 }, "lowerLimit", true, false},
		{"upper below lower", func(c *grid.Config) { c.LowerLimit = 140 }, "lowerLimit", true, false},
		{"grid count one", func(c *grid.Config) { c.GridCount = 1 }, "gridCount", false, true},
		{"grid count zero", func(c *grid.Config) { c.GridCount = 0 }, "gridCount", false, true},
		{"grid count too large", func(c *grid.Config) { c.GridCount = grid.MaxGridCount + 1 }, "gridCount", false, true},
		{"no investment", func(c *grid.Config) { c.QuantityInvested = 0 }, "quantityInvested", false, false},
		{"levels collapse", func(c *grid.Config) { c.LowerLimit = 1; c.UpperLimit = 1.000001 }, "gridCount", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tc.mutate(&cfg)
			g, err := grid.Create(cfg)
			require.Error(t, err)
			assert.Nil(t, g)
			assert.True(t, grid.IsValidation(err))

			var ve *grid.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)

			var re *grid.InvalidRangeError
			assert.Equal(t, tc.wantRange, errors.As(err, &re))
			var ce *grid.InvalidGridCountError
			assert.Equal(t, tc.wantCount, errors.As(err, &ce))
		})
	}
}

func TestApplyPriceUpdate(t *testing.T) {
	g, err := grid.Create(scenarioConfig())
	require.NoError(t, err)
	g.TotalBuys = 4
	g.CurrentValue = 12.5

	updated := g.ApplyPriceUpdate(105)
	require.NotNil(t, updated.CurrentPrice)
	require.NotNil(t, updated.CurrentGridIndex)
	assert.Equal(t, 105.0, *updated.CurrentPrice)
	assert.Equal(t, 1, *updated.CurrentGridIndex)
	assert.Equal(t, 4, updated.TotalBuys)
	assert.Equal(t, 12.5, updated.CurrentValue)

	// 原记录不被修改
	assert.Nil(t, g.CurrentPrice)
	assert.Nil(t, g.CurrentGridIndex)

	atFloor := updated.ApplyPriceUpdate(100)
	assert.Equal(t, 0, *atFloor.CurrentGridIndex)

	below := atFloor.ApplyPriceUpdate(99)
	require.NotNil(t, below.CurrentPrice)
	assert.Equal(t, 99.0, *below.CurrentPrice)
	assert.Nil(t, below.CurrentGridIndex)
	assert.Equal(t, 0, *atFloor.CurrentGridIndex, "earlier copy keeps its index")

	above := g.ApplyPriceUpdate(131)
	assert.Equal(t, 10, *above.CurrentGridIndex)
	assert.NoError(t, above.CheckInvariants())
}

func TestCheckInvariants(t *testing.T) {
	g, err := grid.Create(scenarioConfig())
	require.NoError(t, err)

	broken := g.Clone()
	broken.Levels = broken.Levels[:5]
	assert.Error(t, broken.CheckInvariants())

	broken = g.Clone()
	broken.Levels = append(grid.Levels{}, g.Levels...)
	broken.Levels[3] = broken.Levels[2]
	assert.Error(t, broken.CheckInvariants())

	broken = g.Clone()
	idx := 11
	broken.CurrentGridIndex = &idx
	assert.Error(t, broken.CheckInvariants())

	broken = g.Clone()
	broken.ID = ""
	assert.Error(t, broken.CheckInvariants())
}

func TestWithActive(t *testing.T) {
	g, err := grid.Create(scenarioConfig())
	require.NoError(t, err)
	off := g.WithActive(false)
	assert.False(t, off.Active)
	assert.True(t, g.Active)
}
