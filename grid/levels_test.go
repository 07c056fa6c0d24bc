package grid_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-tracker-go/grid"
)

// TestBuildLevels_Scenario 100..130 共 10 格，步长 3
func TestBuildLevels_Scenario(t *testing.T) {
	levels, err := grid.BuildLevels(100, 130, 10)
	require.NoError(t, err)
	require.Len(t, levels, 11)

	for i, p := range levels {
		assert.Equal(t, 100+3*float64(i), p, "level %d", i)
	}
	assert.Equal(t, 3.0, levels.Step())
	assert.Equal(t, 100.0, levels.Lowest())
	assert.Equal(t, 130.0, levels.Highest())
}

func TestBuildLevels_CountAndSpan(t *testing.T) {
	cases := []struct {
		lower, upper float64
		count        int
	}{
		{0, 1, 2},
		{90, 100, 10},
		{0.0001, 0.0009, 4},
		{1, 1000, 7},
		{25000.5, 31000.25, 120},
	}
	for _, tc := range cases {
		levels, err := grid.BuildLevels(tc.lower, tc.upper, tc.count)
		require.NoError(t, err)
		require.Len(t, levels, tc.count+1)
		assert.InDelta(t, tc.lower, levels[0], 1e-6)
		assert.InDelta(t, tc.upper, levels[tc.count], 1e-6)
		assert.NoError(t, levels.CheckMonotonic())
	}
}

// TestBuildLevels_Deterministic 多次调用逐位一致
func TestBuildLevels_Deterministic(t *testing.T) {
	first, err := grid.BuildLevels(0.1, 0.7, 3)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := grid.BuildLevels(0.1, 0.7, 3)
		require.NoError(t, err)
		for j := range first {
			assert.Equal(t, math.Float64bits(first[j]), math.Float64bits(again[j]))
		}
	}
	// 0.1 + 0.2 的浮点漂移被 6 位精度吸收
	assert.Equal(t, 0.3, first[1])
}

func TestBuildLevels_Errors(t *testing.T) {
	var rangeErr *grid.InvalidRangeError
	var countErr *grid.InvalidGridCountError

	_, err := grid.BuildLevels(100, 100, 10)
	assert.True(t, errors.As(err, &rangeErr))

	_, err = grid.BuildLevels(130, 100, 10)
	assert.True(t, errors.As(err, &rangeErr))

	_, err = grid.BuildLevels(-1, 100, 10)
	assert.True(t, errors.As(err, &rangeErr))

	_, err = grid.BuildLevels(math.NaN(), 100, 10)
	assert.True(t, errors.As(err, &rangeErr))

	_, err = grid.BuildLevels(0, math.Inf(1), 10)
	assert.True(t, errors.As(err, &rangeErr))

	_, err = grid.BuildLevels(100, 130, 1)
	assert.True(t, errors.As(err, &countErr))

	// 间距小于 1e-6，四舍五入后档位重叠
	_, err = grid.BuildLevels(1, 1.000001, 10)
	assert.True(t, errors.As(err, &countErr))

	_, err = grid.BuildLevels(0, 1e9, grid.MaxGridCount+1)
	assert.True(t, errors.As(err, &countErr))
}

func TestBuildLevels_MaxGridCount(t *testing.T) {
	levels, err := grid.BuildLevels(0, 1e6, grid.MaxGridCount)
	require.NoError(t, err)
	assert.Len(t, levels, grid.MaxGridCount+1)
	assert.Equal(t, 1e6, levels.Highest())
}

func TestGridCountFromFloat(t *testing.T) {
	n, err := grid.GridCountFromFloat(10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	var countErr *grid.InvalidGridCountError
	n, err = grid.GridCountFromFloat(grid.MaxGridCount)
	require.NoError(t, err)
	assert.Equal(t, grid.MaxGridCount, n)

	for _, f := range []float64{2.5, 1, 0, -3, math.NaN(), math.Inf(1), grid.MaxGridCount + 1, 5e6, math.MaxInt32} {
		_, err := grid.GridCountFromFloat(f)
		assert.True(t, errors.As(err, &countErr), "value %v", f)
	}
}

func TestLocate(t *testing.T) {
	levels, err := grid.BuildLevels(100, 130, 10)
	require.NoError(t, err)

	cases := []struct {
		name  string
		price float64
		want  int
		ok    bool
	}{
		{"below grid", 99, 0, false},
		{"just below grid", 99.999999, 0, false},
		{"lowest level", 100, 0, true},
		{"inside first bucket", 101.5, 0, true},
		{"scenario price", 105, 1, true},
		{"exact level belongs to that level", 103, 1, true},
		{"exact middle level", 115, 5, true},
		{"just below a level", 114.999999, 4, true},
		{"top level clamps", 130, 10, true},
		{"above grid clamps", 1000, 10, true},
		{"nan", math.NaN(), 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := levels.Locate(tc.price)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

// TestLocate_MatchesLinearScan 二分结果与线性扫描一致
func TestLocate_MatchesLinearScan(t *testing.T) {
	levels, err := grid.BuildLevels(3.5, 97.25, 37)
	require.NoError(t, err)

	linear := func(price float64) (int, bool) {
		idx, found := 0, false
		for i, p := range levels {
			if p <= price {
				idx, found = i, true
			}
		}
		return idx, found
	}

	for price := 0.0; price < 110; price += 0.37 {
		wantIdx, wantOK := linear(price)
		gotIdx, gotOK := levels.Locate(price)
		require.Equal(t, wantOK, gotOK, "price %v", price)
		if wantOK {
			require.Equal(t, wantIdx, gotIdx, "price %v", price)
		}
	}
	for i, p := range levels {
		got, ok := levels.Locate(p)
		require.True(t, ok)
		require.Equal(t, i, got)
	}
}

func TestLevelsJSON(t *testing.T) {
	levels, err := grid.BuildLevels(100, 130, 3)
	require.NoError(t, err)

	raw, err := json.Marshal(levels)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":100,"1":110,"2":120,"3":130}`, string(raw))

	var decoded grid.Levels
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, levels, decoded)

	require.NoError(t, json.Unmarshal([]byte(`[1,2,3]`), &decoded))
	assert.Equal(t, grid.Levels{1, 2, 3}, decoded)

	assert.Error(t, json.Unmarshal([]byte(`{"0":1,"5":2}`), &decoded))
	// 非规范写法的键会覆盖或跳过档位
	assert.Error(t, json.Unmarshal([]byte(`{"0":100,"00":101,"+1":103}`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`{"0":100,"+1":103}`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`{"0":100," 1":103}`), &decoded))
}
