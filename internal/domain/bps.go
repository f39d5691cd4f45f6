package domain

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// BasisPoints 以万分之一为单位表示百分比，10000 即 100%。
type BasisPoints int64

const (
	// FullAllocation 表示 100%。
	FullAllocation BasisPoints = 10000
	// AllocationTolerance 允许的合计误差 (0.01 个百分点)。
	AllocationTolerance BasisPoints = 1
)

var bpsScale = decimal.NewFromInt(int64(FullAllocation))

// BasisPointsFromPercent 将百分数 (如 12.5) 四舍五入为基点。
func BasisPointsFromPercent(percent float64) BasisPoints {
	return BasisPoints(math.Round(percent * 100))
}

// Percent 返回对应的百分数。
func (b BasisPoints) Percent() float64 {
	return float64(b) / 100
}

// Abs 返回绝对值。
func (b BasisPoints) Abs() BasisPoints {
	if b < 0 {
		return -b
	}
	return b
}

// Of 计算 value 的该比例部分，结果向零截断到 places 位小数。
func (b BasisPoints) Of(value decimal.Decimal, places int32) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(int64(b))).Div(bpsScale).Truncate(places)
}

func (b BasisPoints) String() string {
	return fmt.Sprintf("%.2f%%", b.Percent())
}

// AllocationFromValues 按价值计算各策略占比。
//
// 使用最大余数法分配取整误差，结果合计严格等于 10000（总价值为零时返回空）。
// 余数相同时按策略 ID 升序分配，保证结果确定。
func AllocationFromValues(values map[string]decimal.Decimal) map[string]BasisPoints {
	total := decimal.Zero
	for _, v := range values {
		if v.IsPositive() {
			total = total.Add(v)
		}
	}
	result := make(map[string]BasisPoints, len(values))
	if !total.IsPositive() {
		return result
	}

	type share struct {
		id        string
		remainder decimal.Decimal
	}
	shares := make([]share, 0, len(values))
	var assigned BasisPoints
	for id, v := range values {
		if !v.IsPositive() {
			result[id] = 0
			shares = append(shares, share{id: id, remainder: decimal.Zero})
			continue
		}
		raw := v.Mul(bpsScale).Div(total)
		floor := raw.Floor()
		result[id] = BasisPoints(floor.IntPart())
		assigned += result[id]
		shares = append(shares, share{id: id, remainder: raw.Sub(floor)})
	}

	sort.Slice(shares, func(i, j int) bool {
		if c := shares[i].remainder.Cmp(shares[j].remainder); c != 0 {
			return c > 0
		}
		return shares[i].id < shares[j].id
	})
	for i := 0; assigned < FullAllocation && i < len(shares); i++ {
		result[shares[i].id]++
		assigned++
	}
	return result
}

// SumBasisPoints 计算合计。
func SumBasisPoints(values map[string]BasisPoints) BasisPoints {
	var total BasisPoints
	for _, v := range values {
		total += v
	}
	return total
}
