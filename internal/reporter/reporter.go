package reporter

import (
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"grid-trader-go/internal/backtest"
	"grid-trader-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	Currency         string
	InitialBalance   float64
	FinalBalance     float64 // 含未实现盈亏
	TotalProfit      float64
	ProfitPercentage float64
	RealizedPnL      float64
	TotalFees        float64 // 以计价币种计的手续费
	TotalTrades      int
	MakerTrades      int
	TakerTrades      int
	WinningTrades    int // 实现盈亏为正的平仓成交
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	Steps            int
	Aborted          bool
	OtherHoldings    map[string]float64 // 现货模式下非计价币种的期末余额, 不计入资金与利润
	StartTime        time.Time
	EndTime          time.Time
}

// Calculate 根据回测结果计算指标。currency 为空时取首笔成交的计价币种。
func Calculate(res *backtest.Result, currency string) *Metrics {
	if currency == "" {
		currency = inferCurrency(res)
	}
	m := &Metrics{
		Currency:       currency,
		InitialBalance: res.InitialBalances[currency],
		FinalBalance:   res.InitialBalances[currency],
		TotalTrades:    len(res.Trades),
		Steps:          res.Steps,
		Aborted:        res.Aborted,
		StartTime:      res.Start,
		EndTime:        res.End,
	}
	for c, b := range res.FinalBalances {
		switch {
		case c == currency:
			m.FinalBalance = b
		case b != 0:
			if m.OtherHoldings == nil {
				m.OtherHoldings = make(map[string]float64)
			}
			m.OtherHoldings[c] = b
		}
	}

	var totalProfit, totalLoss float64
	for _, trade := range res.Trades {
		m.TotalFees += trade.Fee
		m.RealizedPnL += trade.RealizedPnL
		if trade.Type == models.Maker {
			m.MakerTrades++
		} else {
			m.TakerTrades++
		}
		switch {
		case trade.RealizedPnL > 0:
			m.WinningTrades++
			totalProfit += trade.RealizedPnL
		case trade.RealizedPnL < 0:
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
	}

	if closed := m.WinningTrades + m.LosingTrades; closed > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(closed) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}

	curve := make([]float64, 0, len(res.History)+1)
	curve = append(curve, m.InitialBalance)
	for _, r := range res.History {
		curve = append(curve, r.Balances[currency])
	}
	m.MaxDrawdown = calculateMaxDrawdown(curve) * 100
	return m
}

func inferCurrency(res *backtest.Result) string {
	if len(res.Trades) > 0 {
		if p, err := models.ParsePair(res.Trades[0].Symbol); err == nil {
			return p.Quote
		}
	}
	keys := make([]string, 0, len(res.InitialBalances))
	for k := range res.InitialBalances {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "USDT"
	}
	sort.Strings(keys)
	return keys[0]
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// GenerateReport 计算指标并把汇总表与最近 maxTrades 笔成交写入 w
func GenerateReport(w io.Writer, res *backtest.Result, currency string, maxTrades int) *Metrics {
	m := Calculate(res, currency)
	RenderMetrics(w, m)
	if maxTrades > 0 && len(res.Trades) > 0 {
		RenderTrades(w, res.Trades, maxTrades)
	}
	return m
}

// RenderMetrics 以表格形式输出指标
func RenderMetrics(w io.Writer, m *Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("回测结果报告")
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})

	cur := m.Currency
	t.AppendRows([]table.Row{
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
		{"评估次数", m.Steps},
	})
	if m.Aborted {
		t.AppendRow(table.Row{"状态", "历史数据耗尽, 提前结束"})
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f %s", m.InitialBalance, cur)},
		{"最终资金", fmt.Sprintf("%.2f %s", m.FinalBalance, cur)},
		{"总利润", fmt.Sprintf("%.2f %s", m.TotalProfit, cur)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"已实现盈亏", fmt.Sprintf("%.4f %s", m.RealizedPnL, cur)},
		{"手续费", fmt.Sprintf("%.4f %s", m.TotalFees, cur)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"总交易次数", m.TotalTrades},
		{"Maker / Taker", fmt.Sprintf("%d / %d", m.MakerTrades, m.TakerTrades)},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
	})
	if len(m.OtherHoldings) > 0 {
		t.AppendSeparator()
		t.AppendRow(table.Row{"说明", fmt.Sprintf("资金与利润仅按 %s 计", cur)})
		others := make([]string, 0, len(m.OtherHoldings))
		for c := range m.OtherHoldings {
			others = append(others, c)
		}
		sort.Strings(others)
		for _, c := range others {
			t.AppendRow(table.Row{"未计入的 " + c, fmt.Sprintf("%.4f %s", m.OtherHoldings[c], c)})
		}
	}
	t.Render()
}

// RenderTrades 输出最近 limit 笔成交
func RenderTrades(w io.Writer, trades []models.Trade, limit int) {
	start := 0
	if len(trades) > limit {
		start = len(trades) - limit
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("最近 %d 笔成交", len(trades)-start)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "时间", "交易对", "方向", "类型", "价格", "数量", "实现盈亏", "手续费"})
	for _, tr := range trades[start:] {
		t.AppendRow(table.Row{
			tr.ID,
			tr.Timestamp.UTC().Format("2006-01-02 15:04"),
			tr.Symbol,
			tr.Side,
			tr.Type,
			fmt.Sprintf("%.2f", tr.Price),
			fmt.Sprintf("%.4f", tr.Size),
			fmt.Sprintf("%.4f", tr.RealizedPnL),
			fmt.Sprintf("%.4f %s", tr.Fee, tr.FeeCurrency),
		})
	}
	t.Render()
}
