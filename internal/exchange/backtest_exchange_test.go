package exchange

import (
	"context"
	"testing"
	"time"

	"grid-trader-go/internal/klinecache"
	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pair = "ETH/USDT"

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// priceSource 第 i 根 (从1开始) K线在 base+i 分钟收盘, 最高/最低价为收盘价 ±1
type priceSource struct {
	closes []float64
}

func (s *priceSource) LoadBars(_ context.Context, _, _ string, start, end time.Time) ([]models.Bar, error) {
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

func newEngine(t *testing.T, mode ledger.AccountingMode, closes ...float64) *BacktestExchange {
	t.Helper()
	cache, err := klinecache.New(&priceSource{closes: closes}, klinecache.Config{MaxWindows: 4, WindowSize: 50}, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	e, err := NewBacktestExchange(cache, BacktestConfig{
		Interval: "1m",
		Start:    base.Add(time.Minute),
		Pairs:    []models.PairSpec{models.DefaultPairSpec(pair)},
		Ledger: ledger.Config{
			Mode:            mode,
			MakerFeeRate:    0.0002,
			TakerFeeRate:    0.0005,
			InitialBalances: map[string]float64{"USDT": 1000},
		},
	}, nil)
	require.NoError(t, err)
	return e
}

func TestMarketOrderFillsAtClose(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 100)
	ctx := context.Background()

	order, err := e.PlaceMarketLong(ctx, pair, 1.00049)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, order.Status)
	assert.Equal(t, 1.0, order.Size, "size is rounded to pair precision")
	assert.Equal(t, 1.0, order.FilledSize)

	trades := e.GetTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, models.Taker, trades[0].Type)
	assert.Equal(t, 100.0, trades[0].Price)
	assert.InDelta(t, 0.05, trades[0].Fee, 1e-9)

	balance, err := e.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 999.95, balance, 1e-9)

	pos, err := e.GetPosition(ctx, pair)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.Long, pos.Side)
	assert.Equal(t, 100.0, pos.EntryPrice)
}

func TestCrossedLimitFillsImmediately(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	ctx := context.Background()

	long, err := e.PlaceLimitLong(ctx, pair, 0.5, 101)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, long.Status)
	assert.Equal(t, 0.5, long.FilledSize)

	short, err := e.PlaceGTXShort(ctx, pair, 0.5, 99)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, short.Status)
	assert.True(t, short.PostOnly)

	trades := e.GetTrades()
	require.Len(t, trades, 2)
	assert.Equal(t, 100.0, trades[0].Price, "crossed limit fills at market price")
	assert.Equal(t, models.Maker, trades[0].Type)

	open, err := e.GetOpenOrders(ctx, pair)
	require.NoError(t, err)
	assert.Empty(t, open)

	pos, err := e.GetPosition(ctx, pair)
	require.NoError(t, err)
	assert.Nil(t, pos, "flat after the opposite fill")
}

func TestRestingLimitStaysOpen(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	order, err := e.PlaceLimitLong(context.Background(), pair, 1, 95)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, order.Status)
	assert.Zero(t, order.FilledSize)
	assert.Empty(t, e.GetTrades())
}

func TestCancelOrderIsIdempotent(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	ctx := context.Background()

	a, err := e.PlaceLimitLong(ctx, pair, 1, 95)
	require.NoError(t, err)
	b, err := e.PlaceLimitShort(ctx, pair, 1, 105)
	require.NoError(t, err)

	ok, err := e.CancelOrder(ctx, a.ID, pair)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.CancelOrder(ctx, a.ID, pair)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")

	ok, err = e.CancelOrder(ctx, 999, pair)
	require.NoError(t, err)
	assert.False(t, ok, "unknown id")

	other, err := e.GetOrder(ctx, b.ID, pair)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, other.Status)

	cancelled, err := e.GetOrder(ctx, a.ID, pair)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestCancelOrders(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	ctx := context.Background()
	a, _ := e.PlaceLimitLong(ctx, pair, 1, 95)
	b, _ := e.PlaceLimitLong(ctx, pair, 1, 94)

	ok, err := e.CancelOrders(ctx, []int64{a.ID, b.ID}, pair)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.CancelOrders(ctx, []int64{a.ID}, pair)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextClockWithoutFillsAppendsOneRecord(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 100, 100)
	before := len(e.GetBalanceHistory("USDT"))

	require.NoError(t, e.NextClock(context.Background()))

	history := e.GetBalanceHistory("USDT")
	require.Len(t, history, before+1)
	assert.Equal(t, 1000.0, history[len(history)-1].Amount)
	assert.Equal(t, base.Add(2*time.Minute), history[len(history)-1].Timestamp)
	assert.Equal(t, base.Add(2*time.Minute), e.Clock())
}

func TestNextClockFillsTouchedOrdersAtOrderPrice(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 100, 94)
	ctx := context.Background()

	order, err := e.PlaceLimitLong(ctx, pair, 1, 95)
	require.NoError(t, err)

	require.NoError(t, e.NextClock(ctx))
	got, _ := e.GetOrder(ctx, order.ID, pair)
	assert.Equal(t, models.StatusOpen, got.Status, "99..101 does not touch 95")

	require.NoError(t, e.NextClock(ctx))
	got, _ = e.GetOrder(ctx, order.ID, pair)
	assert.Equal(t, models.StatusFilled, got.Status)

	history := e.GetHistory()
	require.Len(t, history, 2)
	last := history[1]
	require.Len(t, last.Trades, 1)
	assert.Equal(t, 95.0, last.Trades[0].Price)
	assert.Equal(t, models.Maker, last.Trades[0].Type)
	// 1000 - 0.0002*95 + (94-95)
	assert.InDelta(t, 998.981, last.Balances["USDT"], 1e-9)
}

func TestStopOrderNeverFillsOnPlacement(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 100)
	ctx := context.Background()

	stop, err := e.PlaceStopMarketShort(ctx, pair, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, stop.Status)
	assert.Equal(t, models.StopMarket, stop.Type)

	require.NoError(t, e.NextClock(ctx))
	got, err := e.GetOrder(ctx, stop.ID, pair)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.Equal(t, models.Taker, e.GetTrades()[0].Type)
}

func TestNoMarketPrice(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	ctx := context.Background()

	_, err := e.PlaceLimitLong(ctx, pair, 1, 50)
	require.NoError(t, err)

	err = e.NextClock(ctx)
	assert.ErrorIs(t, err, ErrNoMarketPrice)

	_, err = e.PlaceMarketLong(ctx, pair, 1)
	assert.ErrorIs(t, err, ErrNoMarketPrice)
	_, err = e.GetMarketPrice(ctx, pair)
	assert.ErrorIs(t, err, ErrNoMarketPrice)
}

func TestGetBalanceIncludesUnrealizedPnL(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 110)
	ctx := context.Background()

	_, err := e.PlaceMarketShort(ctx, pair, 2)
	require.NoError(t, err)
	require.NoError(t, e.NextClock(ctx))

	balance, err := e.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	// 1000 - 0.0005*100*2 - (110-100)*2
	assert.InDelta(t, 979.9, balance, 1e-9)

	eth, err := e.GetBalance(ctx, "ETH")
	require.NoError(t, err)
	assert.Zero(t, eth, "perp folds PnL only into the quote currency")
}

func TestSpotTransfersPrincipal(t *testing.T) {
	e := newEngine(t, ledger.Spot, 100)
	ctx := context.Background()

	_, err := e.PlaceMarketLong(ctx, pair, 2)
	require.NoError(t, err)

	balances := e.Balances()
	assert.InDelta(t, 800, balances["USDT"], 1e-9)
	assert.InDelta(t, 2-0.0005*2, balances["ETH"], 1e-12)
}

func TestSpotGetBalanceFoldsAllPositions(t *testing.T) {
	e := newEngine(t, ledger.Spot, 100, 110)
	ctx := context.Background()

	_, err := e.PlaceMarketLong(ctx, pair, 2)
	require.NoError(t, err)
	require.NoError(t, e.NextClock(ctx))

	// 800 + (110-100)*2
	usdt, err := e.GetBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 820, usdt, 1e-9)

	eth, err := e.GetBalance(ctx, "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 2-0.0005*2+20, eth, 1e-9, "spot folds PnL into every currency")
}

func TestHistoryIsReadOnly(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100, 100)
	ctx := context.Background()
	require.NoError(t, e.NextClock(ctx))

	h := e.GetHistory()
	require.NotEmpty(t, h)
	h[0].Balances["USDT"] = -1
	assert.InDelta(t, 1000, e.GetHistory()[0].Balances["USDT"], 1e-9)
}

func TestOrderLookups(t *testing.T) {
	e := newEngine(t, ledger.Perp, 100)
	ctx := context.Background()

	_, err := e.GetOrder(ctx, 42, pair)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = e.PlaceLimitLong(ctx, "ETHUSDT", 1, 90)
	assert.ErrorIs(t, err, ErrUnknownPair)

	_, err = e.PlaceLimitLong(ctx, pair, 0.0001, 90)
	assert.Error(t, err, "size rounds to zero")

	bid, err := e.GetBestBid(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 100.0, bid)

	bars, err := e.GetKLines(ctx, pair, "1m", 5)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}
