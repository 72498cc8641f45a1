package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 网格策略的 Prometheus 指标, 实盘模式下通过 /metrics 暴露

// OrderPlacements 每次下单尝试的结果: accepted / rejected / error
var OrderPlacements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "operator",
		Name:      "order_placements_total",
		Help:      "Order placement attempts by outcome",
	},
	[]string{"strategy", "kind", "result"},
)

// PlacementFailures 重试次数用尽仍未成功的下单
var PlacementFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "operator",
		Name:      "placement_failures_total",
		Help:      "Placements abandoned after max_trial attempts",
	},
	[]string{"strategy", "kind"},
)

// OrderFills 档位与止损单成交次数
var OrderFills = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "strategy",
		Name:      "order_fills_total",
		Help:      "Filled grid and stop orders",
	},
	[]string{"strategy", "kind", "side"},
)

// Ticks 每次评估所处的阶段: trigger_wait / steady / terminated
var Ticks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "strategy",
		Name:      "ticks_total",
		Help:      "Evaluation ticks by lifecycle phase",
	},
	[]string{"strategy", "phase"},
)

// Position 当前带符号的净持仓
var Position = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "grid",
		Subsystem: "strategy",
		Name:      "position",
		Help:      "Signed net position, positive when net long",
	},
	[]string{"strategy"},
)
