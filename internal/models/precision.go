package models

import (
	"math"

	"github.com/shopspring/decimal"
)

// RoundTo 将数值四舍五入到指定小数位，避免浮点误差累积
func RoundTo(value float64, places int32) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	f, _ := decimal.NewFromFloat(value).Round(places).Float64()
	return f
}

// EqualAt 判断两个数值在指定精度下是否相等
func EqualAt(a, b float64, places int32) bool {
	return decimal.NewFromFloat(a).Round(places).Equal(decimal.NewFromFloat(b).Round(places))
}

// RoundSize 按交易对的数量精度取整
func (s PairSpec) RoundSize(size float64) float64 { return RoundTo(size, s.SizePrecision) }

// RoundPrice 按交易对的价格精度取整
func (s PairSpec) RoundPrice(price float64) float64 { return RoundTo(price, s.PricePrecision) }
