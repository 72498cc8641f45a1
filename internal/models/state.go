package models

import "time"

// LevelStatus 是网格档位单侧的状态
type LevelStatus string

const (
	LevelClosed  LevelStatus = "CLOSED"
	LevelOpening LevelStatus = "OPENING"
	LevelOpened  LevelStatus = "OPENED"
)

// LevelSideState 追踪档位一侧 (多或空) 的挂单与状态
type LevelSideState struct {
	OrderID int64       `json:"order_id,omitempty"` // 0 表示没有关联订单
	Status  LevelStatus `json:"status"`
}

// GridLevel 代表网格中的一个价格档位
type GridLevel struct {
	Index int            `json:"index"`
	Price float64        `json:"price"`
	Long  LevelSideState `json:"long"`
	Short LevelSideState `json:"short"`
}

// SideState 返回指定方向的子状态
func (l GridLevel) SideState(side Side) LevelSideState {
	if side == Short {
		return l.Short
	}
	return l.Long
}

// IsClosed 两侧都为 CLOSED 时返回 true
func (l GridLevel) IsClosed() bool {
	return l.Long.Status == LevelClosed && l.Short.Status == LevelClosed
}

// GridConfig 是网格策略的静态参数，由 Init 的 JSON 参数解析而来
type GridConfig struct {
	Pair           string  `json:"pair"`
	Lower          float64 `json:"lower"`
	Upper          float64 `json:"upper"`
	Number         int     `json:"number"`                     // 网格划分数量 N, 共 N+1 个档位
	Size           float64 `json:"size"`                       // 每个档位的下单数量
	MaxTrial       int     `json:"max_trial"`                  // 单次下单的最大尝试次数
	TriggerPrice   float64 `json:"trigger_price,omitempty"`    // 可选: 价格进入触发区间后才开始挂单
	StopLowerPrice float64 `json:"stop_lower_price,omitempty"` // 可选: 净多头时的下方止损价
	StopUpperPrice float64 `json:"stop_upper_price,omitempty"` // 可选: 净空头时的上方止损价
}

// GridState 是网格策略可持久化的完整状态
type GridState struct {
	StrategyID       string      `json:"strategy_id"`
	Config           GridConfig  `json:"config"`
	Interval         float64     `json:"interval"`
	Levels           []GridLevel `json:"levels"`
	IsTriggered      bool        `json:"is_triggered"`
	IsTerminated     bool        `json:"is_terminated"`
	Position         float64     `json:"position"` // 带符号的净持仓, 正数为净多头
	StopLowerOrderID int64       `json:"stop_lower_order_id,omitempty"`
	StopUpperOrderID int64       `json:"stop_upper_order_id,omitempty"`
	LastUpdateTime   time.Time   `json:"last_update_time"`
}
