package backtest

import (
	"context"
	"testing"
	"time"

	"grid-trader-go/internal/klinecache"
	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/statemanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gridArgs = `{"pair":"ETH/USDT","lower":2900,"upper":3100,"number":10,"size":0.1}`

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// minuteBars 第 i 根 (从1开始) K线在 base+i 分钟收盘, 最高/最低价为收盘价 ±1
type minuteBars struct {
	closes []float64
}

func (s *minuteBars) LoadBars(_ context.Context, _, _ string, start, end time.Time) ([]models.Bar, error) {
	var out []models.Bar
	for i, c := range s.closes {
		closeTime := base.Add(time.Duration(i+1) * time.Minute)
		if closeTime.Before(start) || closeTime.After(end) {
			continue
		}
		out = append(out, models.Bar{
			OpenTime: closeTime.Add(-time.Minute), CloseTime: closeTime,
			Open: c, High: c + 1, Low: c - 1, Close: c,
		})
	}
	return out, nil
}

func newRunner(t *testing.T, closes []float64, end time.Time, terminate bool) *Runner {
	t.Helper()
	cache, err := klinecache.New(&minuteBars{closes: closes}, klinecache.Config{MaxWindows: 4, WindowSize: 100}, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	r, err := NewRunner(cache, Config{
		StrategyName: "grid",
		StrategyID:   "bt-test",
		Start:        base,
		End:          end,
		Interval:     "1m",
		Pairs:        []models.PairSpec{models.DefaultPairSpec("ETH/USDT")},
		Ledger: ledger.Config{
			Mode:            ledger.Perp,
			MakerFeeRate:    0.0002,
			TakerFeeRate:    0.0005,
			InitialBalances: map[string]float64{"USDT": 1000},
		},
		TerminateAtEnd: terminate,
	}, nil)
	require.NoError(t, err)
	return r
}

var oscillating = []float64{3001, 3001, 2980, 2980, 3000, 3000, 3020, 3020}

func TestRunGridAgainstEngine(t *testing.T) {
	r := newRunner(t, oscillating, base.Add(8*time.Minute), false)
	res, err := r.Run(context.Background(), []byte(gridArgs))
	require.NoError(t, err)

	assert.False(t, res.Aborted)
	assert.Equal(t, 8, res.Steps)
	assert.Len(t, res.History, 8, "seven clock steps plus the final seal")

	require.Len(t, res.Trades, 3)
	assert.Equal(t, models.Long, res.Trades[0].Side)
	assert.Equal(t, 2980.0, res.Trades[0].Price)
	assert.Equal(t, models.Short, res.Trades[1].Side)
	assert.Equal(t, 3000.0, res.Trades[1].Price)
	assert.InDelta(t, 2.0, res.Trades[1].RealizedPnL, 1e-9)
	assert.Equal(t, models.Short, res.Trades[2].Side)
	assert.Equal(t, 3020.0, res.Trades[2].Price)
	for _, tr := range res.Trades {
		assert.Equal(t, models.Maker, tr.Type)
	}

	require.NotNil(t, res.FinalState)
	assert.InDelta(t, -0.1, res.FinalState.Position, 1e-9)
	assert.False(t, res.FinalState.IsTerminated)
	assert.Equal(t, 1000.0, res.InitialBalances["USDT"])

	pos, err := r.Engine().GetPosition(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.Short, pos.Side)
}

func TestRunTerminatesAtEnd(t *testing.T) {
	r := newRunner(t, oscillating, base.Add(8*time.Minute), true)
	res, err := r.Run(context.Background(), []byte(gridArgs))
	require.NoError(t, err)

	require.Len(t, res.Trades, 4)
	last := res.Trades[3]
	assert.Equal(t, models.Taker, last.Type)
	assert.Equal(t, models.Long, last.Side)
	assert.Equal(t, 3020.0, last.Price)

	assert.True(t, res.FinalState.IsTerminated)
	assert.Zero(t, res.FinalState.Position)

	open, err := r.Engine().GetOpenOrders(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	// 最后一条记录包含终止时的市价平仓
	final := res.History[len(res.History)-1]
	require.Len(t, final.Trades, 1)
	assert.Equal(t, last.ID, final.Trades[0].ID)
	assert.Less(t, res.FinalBalances["USDT"], 1002.0, "fees are charged")
}

func TestRunAbortsWhenDataRunsOut(t *testing.T) {
	r := newRunner(t, []float64{3001, 3001, 3001}, base.Add(10*time.Minute), true)
	res, err := r.Run(context.Background(), []byte(gridArgs))
	require.NoError(t, err)

	assert.True(t, res.Aborted)
	assert.NotEmpty(t, res.AbortReason)
	assert.Equal(t, 3, res.Steps)
	assert.False(t, res.FinalState.IsTerminated, "no termination without market data")
	assert.Empty(t, res.Trades)
}

func TestRunRejectsInvalidArgs(t *testing.T) {
	r := newRunner(t, oscillating, base.Add(8*time.Minute), false)
	_, err := r.Run(context.Background(), []byte(`{"pair":"ETH/USDT","lower":3100,"upper":2900,"number":10,"size":0.1}`))
	assert.ErrorIs(t, err, statemanager.ErrInvalidGrid)
}

func TestRunHonoursContext(t *testing.T) {
	r := newRunner(t, oscillating, base.Add(8*time.Minute), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, []byte(gridArgs))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRunnerValidation(t *testing.T) {
	cache, err := klinecache.New(&minuteBars{}, klinecache.Config{MaxWindows: 1, WindowSize: 10}, nil)
	require.NoError(t, err)
	defer cache.Close()

	_, err = NewRunner(cache, Config{Start: base, End: base, Interval: "1m"}, nil)
	assert.Error(t, err)
	_, err = NewRunner(cache, Config{Start: base, End: base.Add(time.Hour), Interval: "7m"}, nil)
	assert.Error(t, err)
	_, err = NewRunner(cache, Config{StrategyName: "dca", Start: base, End: base.Add(time.Hour), Interval: "1m"}, nil)
	assert.Error(t, err)
}
