package grid

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// PricePrecision 网格价格保留的小数位数
const PricePrecision = 6

// MinGridCount 最小网格数量
const MinGridCount = 2

// MaxGridCount 最大网格数量，限制单次生成的档位数
const MaxGridCount = 10_000

// Levels 按索引升序的网格价格，Levels[i] 即第 i 档价格。
// 生成后视为只读，可在多个记录之间共享。
type Levels []float64

// BuildLevels 在 [lower, upper] 区间内生成 count+1 个等距价格档位。
// price(i) = lower + i*(upper-lower)/count，按 6 位小数四舍五入，
// 每档独立由 i 计算，不累加步长，保证多次调用结果逐位一致。
func BuildLevels(lower, upper float64, count int) (Levels, error) {
	if err := checkRange(lower, upper); err != nil {
		return nil, err
	}
	if count < MinGridCount {
		return nil, &InvalidGridCountError{Count: float64(count), Reason: "must be >= 2"}
	}
	if count > MaxGridCount {
		return nil, &InvalidGridCountError{Count: float64(count), Reason: tooLarge}
	}

	lo := decimal.NewFromFloat(lower)
	span := decimal.NewFromFloat(upper).Sub(lo)
	n := decimal.NewFromInt(int64(count))

	levels := make(Levels, count+1)
	for i := 0; i <= count; i++ {
		offset := span.Mul(decimal.NewFromInt(int64(i))).Div(n)
		levels[i] = lo.Add(offset).Round(PricePrecision).InexactFloat64()
		if i > 0 && levels[i] <= levels[i-1] {
			return nil, &InvalidGridCountError{
				Count:  float64(count),
				Reason: "level spacing collapses at 6-decimal precision",
			}
		}
	}
	return levels, nil
}

// GridCountFromFloat 将 JSON 等来源的数值转换为网格数量，拒绝非整数。
func GridCountFromFloat(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, &InvalidGridCountError{Count: f, Reason: "must be an integer"}
	}
	if f < MinGridCount {
		return 0, &InvalidGridCountError{Count: f, Reason: "must be >= 2"}
	}
	if f > MaxGridCount {
		return 0, &InvalidGridCountError{Count: f, Reason: tooLarge}
	}
	return int(f), nil
}

var tooLarge = "must be <= " + strconv.Itoa(MaxGridCount)

func checkRange(lower, upper float64) error {
	if math.IsNaN(lower) || math.IsNaN(upper) || math.IsInf(lower, 0) || math.IsInf(upper, 0) {
		return &InvalidRangeError{Lower: lower, Upper: upper}
	}
	if lower < 0 || upper <= lower {
		return &InvalidRangeError{Lower: lower, Upper: upper}
	}
	return nil
}

// Locate 返回 price 所在档位：满足 levels[i] <= price 的最大 i。
// price 低于最低档时 ok=false；高于等于最高档时钳制到最后一档。
// 价格恰好等于某档时归属该档（而非下一档）。
func (l Levels) Locate(price float64) (index int, ok bool) {
	if len(l) == 0 || math.IsNaN(price) {
		return 0, false
	}
	// 第一个严格大于 price 的位置
	pos := sort.Search(len(l), func(i int) bool { return l[i] > price })
	if pos == 0 {
		return 0, false
	}
	return pos - 1, true
}

// Valid 索引是否为合法档位
func (l Levels) Valid(index int) bool {
	return index >= 0 && index < len(l)
}

// Lowest 最低档价格
func (l Levels) Lowest() float64 {
	if len(l) == 0 {
		return 0
	}
	return l[0]
}

// Highest 最高档价格
func (l Levels) Highest() float64 {
	if len(l) == 0 {
		return 0
	}
	return l[len(l)-1]
}

// Step 相邻档位间距（等距网格）
func (l Levels) Step() float64 {
	if len(l) < 2 {
		return 0
	}
	return decimal.NewFromFloat(l[1]).Sub(decimal.NewFromFloat(l[0])).Round(PricePrecision).InexactFloat64()
}

// CheckMonotonic 校验价格严格递增
func (l Levels) CheckMonotonic() error {
	for i := 1; i < len(l); i++ {
		if !(l[i] > l[i-1]) {
			return &ValidationError{Field: "levels", Reason: "prices must be strictly increasing by index"}
		}
	}
	return nil
}

// Map 转换为 index -> price 映射
func (l Levels) Map() map[int]float64 {
	out := make(map[int]float64, len(l))
	for i, p := range l {
		out[i] = p
	}
	return out
}

// MarshalJSON 序列化为 {"0":100,"1":103,...}
func (l Levels) MarshalJSON() ([]byte, error) {
	out := make(map[string]float64, len(l))
	for i, p := range l {
		out[strconv.Itoa(i)] = p
	}
	return json.Marshal(out)
}

// UnmarshalJSON 接受对象形式或数组形式；对象的键必须是 0..n-1 连续整数的规范写法。
func (l *Levels) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var obj map[string]float64
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	out := make(Levels, len(obj))
	for k, p := range obj {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(obj) || strconv.Itoa(i) != k {
			return &ValidationError{Field: "levels", Reason: "keys must be contiguous indexes starting at 0"}
		}
		out[i] = p
	}
	*l = out
	return nil
}
