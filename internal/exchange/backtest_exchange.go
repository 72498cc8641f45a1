package exchange

import (
	"context"
	"fmt"
	"time"

	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/models"

	"go.uber.org/zap"
)

// BarReader 提供截至某一时刻的K线, klinecache.Cache 实现了该接口
type BarReader interface {
	GetBars(ctx context.Context, pair, interval string, asOf time.Time, limit int) ([]models.Bar, error)
}

// BacktestConfig 定义了撮合引擎的配置
type BacktestConfig struct {
	Interval string            // 时钟周期, 如 "1m"
	Start    time.Time         // 初始时钟
	Pairs    []models.PairSpec // 交易对精度
	Ledger   ledger.Config
}

// BacktestExchange 实现了 Exchange 接口，用于模拟交易所行为以进行回测。
// 它由单一的评估流程驱动，不支持并发调用。
type BacktestExchange struct {
	bars     BarReader
	ledger   *ledger.Ledger
	interval string
	step     time.Duration
	clock    time.Time
	logger   *zap.Logger

	orders      map[int64]*models.Order
	orderIDs    []int64 // 按下单顺序
	nextOrderID int64

	specs      map[string]models.PairSpec
	currencies map[string]struct{} // 每个周期需要快照的币种
}

// NewBacktestExchange 创建一个新的 BacktestExchange 实例。
func NewBacktestExchange(bars BarReader, cfg BacktestConfig, logger *zap.Logger) (*BacktestExchange, error) {
	if bars == nil {
		return nil, fmt.Errorf("bar reader is required")
	}
	step, err := models.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &BacktestExchange{
		bars:        bars,
		ledger:      ledger.New(cfg.Ledger),
		interval:    cfg.Interval,
		step:        step,
		clock:       cfg.Start,
		logger:      logger,
		orders:      make(map[int64]*models.Order),
		nextOrderID: 1,
		specs:       make(map[string]models.PairSpec),
		currencies:  make(map[string]struct{}),
	}
	for currency := range cfg.Ledger.InitialBalances {
		e.currencies[currency] = struct{}{}
	}
	for _, spec := range cfg.Pairs {
		if err := e.RegisterPair(spec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// RegisterPair 设置交易对的精度, 并把它的两个币种加入余额快照
func (e *BacktestExchange) RegisterPair(spec models.PairSpec) error {
	pair, err := models.ParsePair(spec.Pair)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPair, err)
	}
	spec.Pair = pair.String()
	e.specs[spec.Pair] = spec
	e.ledger.RegisterPair(spec)
	e.currencies[pair.Base] = struct{}{}
	e.currencies[pair.Quote] = struct{}{}
	return nil
}

func (e *BacktestExchange) spec(pair string) (models.PairSpec, error) {
	p, err := models.ParsePair(pair)
	if err != nil {
		return models.PairSpec{}, fmt.Errorf("%w: %v", ErrUnknownPair, err)
	}
	if s, ok := e.specs[p.String()]; ok {
		return s, nil
	}
	if err := e.RegisterPair(models.DefaultPairSpec(p.String())); err != nil {
		return models.PairSpec{}, err
	}
	return e.specs[p.String()], nil
}

// Clock 返回当前模拟时间
func (e *BacktestExchange) Clock() time.Time { return e.clock }

// Interval 返回时钟周期
func (e *BacktestExchange) Interval() time.Duration { return e.step }

// currentBar 返回覆盖当前时钟的K线
func (e *BacktestExchange) currentBar(ctx context.Context, pair string) (models.Bar, error) {
	bars, err := e.bars.GetBars(ctx, pair, e.interval, e.clock, 1)
	if err != nil {
		return models.Bar{}, err
	}
	if len(bars) == 0 {
		return models.Bar{}, fmt.Errorf("%w: %s at %s", ErrNoMarketPrice, pair, e.clock.Format(time.RFC3339))
	}
	return bars[len(bars)-1], nil
}

// --- 下单 ---

func (e *BacktestExchange) PlaceMarketLong(ctx context.Context, pair string, size float64) (*models.Order, error) {
	return e.placeMarket(ctx, pair, models.Long, size)
}

func (e *BacktestExchange) PlaceMarketShort(ctx context.Context, pair string, size float64) (*models.Order, error) {
	return e.placeMarket(ctx, pair, models.Short, size)
}

func (e *BacktestExchange) PlaceLimitLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeLimit(ctx, pair, models.Long, size, price, false)
}

func (e *BacktestExchange) PlaceLimitShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeLimit(ctx, pair, models.Short, size, price, false)
}

// PlaceGTXLong 在模拟中等同于限价单, 不模拟只做 maker 的拒单
func (e *BacktestExchange) PlaceGTXLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeLimit(ctx, pair, models.Long, size, price, true)
}

func (e *BacktestExchange) PlaceGTXShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeLimit(ctx, pair, models.Short, size, price, true)
}

// PlaceStopMarketLong 止损单总是挂单, 只在时钟推进时判断是否触发
func (e *BacktestExchange) PlaceStopMarketLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeStop(pair, models.Long, size, price)
}

func (e *BacktestExchange) PlaceStopMarketShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.placeStop(pair, models.Short, size, price)
}

func (e *BacktestExchange) newOrder(spec models.PairSpec, typ models.OrderType, side models.Side, size, price float64) (*models.Order, error) {
	size = spec.RoundSize(size)
	if size <= 0 {
		return nil, fmt.Errorf("invalid order size %v for %s", size, spec.Pair)
	}
	order := &models.Order{
		ID:        e.nextOrderID,
		Type:      typ,
		Symbol:    spec.Pair,
		Price:     price,
		Size:      size,
		Side:      side,
		Status:    models.StatusOpen,
		Timestamp: e.clock,
	}
	e.nextOrderID++
	e.orders[order.ID] = order
	e.orderIDs = append(e.orderIDs, order.ID)
	return order, nil
}

func (e *BacktestExchange) placeMarket(ctx context.Context, pair string, side models.Side, size float64) (*models.Order, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	bar, err := e.currentBar(ctx, spec.Pair)
	if err != nil {
		return nil, err
	}
	order, err := e.newOrder(spec, models.Market, side, size, bar.Close)
	if err != nil {
		return nil, err
	}
	if err := e.fill(order, bar.Close); err != nil {
		return nil, err
	}
	out := *order
	return &out, nil
}

func (e *BacktestExchange) placeLimit(ctx context.Context, pair string, side models.Side, size, price float64, postOnly bool) (*models.Order, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	bar, err := e.currentBar(ctx, spec.Pair)
	if err != nil {
		return nil, err
	}
	order, err := e.newOrder(spec, models.Limit, side, size, spec.RoundPrice(price))
	if err != nil {
		return nil, err
	}
	order.PostOnly = postOnly

	market := bar.Close
	crossed := (side == models.Long && order.Price >= market) || (side == models.Short && order.Price <= market)
	if crossed {
		if err := e.fill(order, market); err != nil {
			return nil, err
		}
	}
	out := *order
	return &out, nil
}

func (e *BacktestExchange) placeStop(pair string, side models.Side, size, price float64) (*models.Order, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	order, err := e.newOrder(spec, models.StopMarket, side, size, spec.RoundPrice(price))
	if err != nil {
		return nil, err
	}
	out := *order
	return &out, nil
}

// fill 把订单标记为完全成交, 并在同一步记入账本
func (e *BacktestExchange) fill(order *models.Order, price float64) error {
	order.Status = models.StatusFilled
	order.FilledSize = order.Size
	trade, err := e.ledger.RecordFill(*order, price, e.clock)
	if err != nil {
		return err
	}
	e.logger.Debug("订单成交",
		zap.Int64("order_id", order.ID),
		zap.String("pair", order.Symbol),
		zap.String("type", string(order.Type)),
		zap.String("side", string(order.Side)),
		zap.Float64("price", price),
		zap.Float64("size", order.Size),
		zap.Float64("realized_pnl", trade.RealizedPnL),
		zap.Float64("fee", trade.Fee),
	)
	return nil
}

// --- 撤单 ---

// CancelOrder 订单存在且仍在挂单时撤销并返回 true, 其余情况不做任何修改
func (e *BacktestExchange) CancelOrder(_ context.Context, id int64, _ string) (bool, error) {
	order, ok := e.orders[id]
	if !ok || !order.IsOpen() {
		return false, nil
	}
	order.Status = models.StatusCancelled
	return true, nil
}

func (e *BacktestExchange) CancelOrders(ctx context.Context, ids []int64, pair string) (bool, error) {
	all := true
	for _, id := range ids {
		ok, err := e.CancelOrder(ctx, id, pair)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	return all, nil
}

// --- 时钟 ---

// NextClock 推进一个周期: 用新周期的K线对所有挂单做触价判断, 成交价为挂单价;
// 然后对所有跟踪的币种做余额快照并封存本周期的历史记录。
func (e *BacktestExchange) NextClock(ctx context.Context) error {
	e.clock = e.clock.Add(e.step)

	barCache := make(map[string]models.Bar)
	for _, id := range e.orderIDs {
		order := e.orders[id]
		if !order.IsOpen() {
			continue
		}
		bar, ok := barCache[order.Symbol]
		if !ok {
			var err error
			bar, err = e.currentBar(ctx, order.Symbol)
			if err != nil {
				return err
			}
			barCache[order.Symbol] = bar
		}
		if bar.Touches(order.Price) {
			if err := e.fill(order, order.Price); err != nil {
				return err
			}
		}
	}
	e.compactOrders()

	snapshot, err := e.balanceSnapshot(ctx)
	if err != nil {
		return err
	}
	e.ledger.Flush(e.clock, snapshot)
	return nil
}

// Seal 不推进时钟, 以当前时钟封存进行中的历史记录。回测结束时用于收尾最后一次评估的成交。
func (e *BacktestExchange) Seal(ctx context.Context) error {
	snapshot, err := e.balanceSnapshot(ctx)
	if err != nil {
		return err
	}
	e.ledger.Flush(e.clock, snapshot)
	return nil
}

// compactOrders 只保留挂单在遍历列表中, 已结束的订单仍可通过 GetOrder 查询
func (e *BacktestExchange) compactOrders() {
	open := e.orderIDs[:0]
	for _, id := range e.orderIDs {
		if e.orders[id].IsOpen() {
			open = append(open, id)
		}
	}
	e.orderIDs = open
}

func (e *BacktestExchange) balanceSnapshot(ctx context.Context) (map[string]float64, error) {
	snapshot := make(map[string]float64, len(e.currencies))
	for currency := range e.currencies {
		balance, err := e.GetBalance(ctx, currency)
		if err != nil {
			return nil, err
		}
		snapshot[currency] = balance
	}
	return snapshot, nil
}

// --- 查询 ---

// GetBalance 返回账本余额加上未实现盈亏。永续模式只计入以该币种计价的持仓,
// 现货模式计入全部持仓。
func (e *BacktestExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	balance := e.ledger.Balance(currency)
	for _, pos := range e.ledger.Positions() {
		pair, err := models.ParsePair(pos.Symbol)
		if err != nil {
			return 0, err
		}
		if e.ledger.Mode() == ledger.Perp && pair.Quote != currency {
			continue
		}
		bar, err := e.currentBar(ctx, pos.Symbol)
		if err != nil {
			return 0, err
		}
		balance += pos.UnrealizedPnL(bar.Close)
	}
	return balance, nil
}

func (e *BacktestExchange) GetMarketPrice(ctx context.Context, pair string) (float64, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return 0, err
	}
	bar, err := e.currentBar(ctx, spec.Pair)
	if err != nil {
		return 0, err
	}
	return bar.Close, nil
}

// GetBestBid 模拟中没有盘口, 返回市场价
func (e *BacktestExchange) GetBestBid(ctx context.Context, pair string) (float64, error) {
	return e.GetMarketPrice(ctx, pair)
}

func (e *BacktestExchange) GetBestAsk(ctx context.Context, pair string) (float64, error) {
	return e.GetMarketPrice(ctx, pair)
}

func (e *BacktestExchange) GetOrder(_ context.Context, id int64, _ string) (*models.Order, error) {
	order, ok := e.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	out := *order
	return &out, nil
}

func (e *BacktestExchange) GetOpenOrders(_ context.Context, pair string) ([]models.Order, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	var out []models.Order
	for _, id := range e.orderIDs {
		if o := e.orders[id]; o.IsOpen() && o.Symbol == spec.Pair {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *BacktestExchange) GetPosition(_ context.Context, pair string) (*models.Position, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	pos, ok := e.ledger.Position(spec.Pair)
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (e *BacktestExchange) GetKLines(ctx context.Context, pair, interval string, limit int) ([]models.Bar, error) {
	spec, err := e.spec(pair)
	if err != nil {
		return nil, err
	}
	return e.bars.GetBars(ctx, spec.Pair, interval, e.clock, limit)
}

// --- 回测结果 ---

// GetBalanceHistory 返回每个周期结束时该币种的余额
func (e *BacktestExchange) GetBalanceHistory(currency string) []models.BalancePoint {
	return e.ledger.BalanceHistory(currency)
}

// GetTrades 返回全部成交记录
func (e *BacktestExchange) GetTrades() []models.Trade {
	return e.ledger.Trades()
}

// GetHistory 返回已封存的历史记录
func (e *BacktestExchange) GetHistory() []models.HistoryRecord {
	return e.ledger.AllRecords()
}

// Balances 返回账本中的余额 (不含未实现盈亏)
func (e *BacktestExchange) Balances() map[string]float64 {
	return e.ledger.Balances()
}
