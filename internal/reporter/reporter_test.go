package reporter

import (
	"bytes"
	"testing"
	"time"

	"grid-trader-go/internal/backtest"
	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleResult() *backtest.Result {
	at := func(i int) time.Time { return start.Add(time.Duration(i) * time.Minute) }
	record := func(i int, usdt float64) models.HistoryRecord {
		return models.HistoryRecord{Timestamp: at(i), Balances: map[string]float64{"USDT": usdt}}
	}
	return &backtest.Result{
		Start:           start,
		End:             at(4),
		Steps:           4,
		InitialBalances: map[string]float64{"USDT": 1000},
		FinalBalances:   map[string]float64{"USDT": 1005},
		History:         []models.HistoryRecord{record(1, 1010), record(2, 990), record(3, 1005)},
		Trades: []models.Trade{
			{ID: 1, Type: models.Maker, Symbol: "ETH/USDT", Side: models.Long, Price: 2980, Size: 0.1, Fee: 0.0596, FeeCurrency: "USDT", Timestamp: at(1)},
			{ID: 2, Type: models.Maker, Symbol: "ETH/USDT", Side: models.Short, Price: 3000, Size: 0.1, RealizedPnL: 2, Fee: 0.06, FeeCurrency: "USDT", Timestamp: at(2)},
			{ID: 3, Type: models.Maker, Symbol: "ETH/USDT", Side: models.Short, Price: 3000, Size: 0.1, Fee: 0.06, FeeCurrency: "USDT", Timestamp: at(2)},
			{ID: 4, Type: models.Taker, Symbol: "ETH/USDT", Side: models.Long, Price: 3040, Size: 0.1, RealizedPnL: -4, Fee: 0.152, FeeCurrency: "USDT", Timestamp: at(3)},
		},
	}
}

func TestCalculate(t *testing.T) {
	m := Calculate(sampleResult(), "")

	assert.Equal(t, "USDT", m.Currency)
	assert.Equal(t, 1000.0, m.InitialBalance)
	assert.Equal(t, 1005.0, m.FinalBalance)
	assert.InDelta(t, 5.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 0.5, m.ProfitPercentage, 1e-9)
	assert.InDelta(t, -2.0, m.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.3316, m.TotalFees, 1e-9)

	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 3, m.MakerTrades)
	assert.Equal(t, 1, m.TakerTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	assert.InDelta(t, 0.5, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 20.0/1010.0*100, m.MaxDrawdown, 1e-9)
}

func TestCalculateWithoutTrades(t *testing.T) {
	res := &backtest.Result{InitialBalances: map[string]float64{"USDT": 500}}
	m := Calculate(res, "")
	assert.Equal(t, "USDT", m.Currency)
	assert.Equal(t, 500.0, m.FinalBalance)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.WinRate)
}

func TestCalculateMaxDrawdown(t *testing.T) {
	tests := []struct {
		name  string
		curve []float64
		want  float64
	}{
		{"empty", nil, 0},
		{"single", []float64{100}, 0},
		{"rising", []float64{100, 110, 120}, 0},
		{"dip and recovery", []float64{100, 80, 120, 90}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateMaxDrawdown(tt.curve), 1e-9)
		})
	}
}

func TestGenerateReport(t *testing.T) {
	var buf bytes.Buffer
	res := sampleResult()
	res.Aborted = true
	m := GenerateReport(&buf, res, "USDT", 2)
	require.NotNil(t, m)

	out := buf.String()
	assert.Contains(t, out, "回测结果报告")
	assert.Contains(t, out, "1.98%")
	assert.Contains(t, out, "3 / 1")
	assert.Contains(t, out, "提前结束")
	assert.Contains(t, out, "最近 2 笔成交")
	assert.Contains(t, out, "3040.00")
	assert.NotContains(t, out, "2980.00", "only the last trades are listed")
}

func TestSpotReportListsOtherHoldings(t *testing.T) {
	res := sampleResult()
	res.FinalBalances = map[string]float64{"USDT": 800, "ETH": 1.999, "BTC": 0}

	var buf bytes.Buffer
	m := GenerateReport(&buf, res, "USDT", 0)
	assert.Equal(t, 800.0, m.FinalBalance)
	assert.Equal(t, map[string]float64{"ETH": 1.999}, m.OtherHoldings)

	out := buf.String()
	assert.Contains(t, out, "资金与利润仅按 USDT 计")
	assert.Contains(t, out, "1.9990 ETH")
	assert.NotContains(t, out, "BTC")
}
