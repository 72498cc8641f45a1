package models

import (
	"fmt"
	"strings"
	"time"
)

// Side 定义了交易方向
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign 返回方向的符号: 多头为 +1, 空头为 -1
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType 定义了订单类型
type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	StopMarket OrderType = "STOP_MARKET"
)

// OrderStatus 定义了订单状态。订单要么完全成交，要么不成交，没有部分成交。
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// TradeType 定义了成交的手续费档位
type TradeType string

const (
	Maker TradeType = "MAKER"
	Taker TradeType = "TAKER"
)

// Order 定义了订单信息
type Order struct {
	ID         int64       `json:"id"`
	Type       OrderType   `json:"type"`
	Symbol     string      `json:"symbol"`
	Price      float64     `json:"price"`       // 请求价格 (市价单为下单时的市场价)
	Size       float64     `json:"size"`        // 请求数量
	FilledSize float64     `json:"filled_size"` // 已成交数量 (0 或 Size)
	Side       Side        `json:"side"`
	Status     OrderStatus `json:"status"`
	PostOnly   bool        `json:"post_only,omitempty"` // GTX 订单
	Timestamp  time.Time   `json:"timestamp"`           // 下单时间
}

// IsOpen 返回订单是否仍在挂单中
func (o Order) IsOpen() bool { return o.Status == StatusOpen }

// Trade 定义了一次成交记录，每个成交订单对应且仅对应一条
type Trade struct {
	ID          int64     `json:"id"`
	OrderID     int64     `json:"order_id"`
	Type        TradeType `json:"type"`
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	Side        Side      `json:"side"`
	Timestamp   time.Time `json:"timestamp"`
	RealizedPnL float64   `json:"realized_pnl"`
	Fee         float64   `json:"fee"`
	FeeCurrency string    `json:"fee_currency"`
}

// Position 定义了单个交易对的持仓。空仓时不存在 Position。
type Position struct {
	Symbol     string  `json:"symbol"`
	EntryPrice float64 `json:"entry_price"` // 按数量加权的开仓均价
	Side       Side    `json:"side"`
	Size       float64 `json:"size"` // 始终 >= 0
}

// UnrealizedPnL 按给定市场价计算未实现盈亏
func (p Position) UnrealizedPnL(marketPrice float64) float64 {
	return p.Side.Sign() * (marketPrice - p.EntryPrice) * p.Size
}

// Bar 代表一根K线
type Bar struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"` // K线的时间戳以收盘时间为准
}

// Touches 判断价格是否落在K线的最高价与最低价之间
func (b Bar) Touches(price float64) bool {
	return b.Low <= price && price <= b.High
}

// HistoryRecord 记录一个时钟周期内的全部成交及周期结束时的余额快照
type HistoryRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Trades    []Trade            `json:"trades"`
	Balances  map[string]float64 `json:"balances"`
}

// BalancePoint 是余额曲线上的一个点
type BalancePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
}

// Pair 是形如 "ETH/USDT" 的交易对
type Pair struct {
	Base  string
	Quote string
}

// ParsePair 解析 "BASE/QUOTE" 格式的交易对
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("交易对格式错误 %q, 应为 BASE/QUOTE", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

// String 返回 "BASE/QUOTE"
func (p Pair) String() string { return p.Base + "/" + p.Quote }

// Symbol 返回交易所使用的符号, 如 "ETHUSDT"
func (p Pair) Symbol() string { return p.Base + p.Quote }

// PairSpec 定义了交易对的价格与数量精度
type PairSpec struct {
	Pair           string `json:"pair" mapstructure:"pair"`
	PricePrecision int32  `json:"price_precision" mapstructure:"price_precision"`
	SizePrecision  int32  `json:"size_precision" mapstructure:"size_precision"`
}

const (
	DefaultPricePrecision int32 = 2
	DefaultSizePrecision  int32 = 3
)

// DefaultPairSpec 返回默认精度 (价格2位小数, 数量3位小数)
func DefaultPairSpec(pair string) PairSpec {
	return PairSpec{Pair: pair, PricePrecision: DefaultPricePrecision, SizePrecision: DefaultSizePrecision}
}
