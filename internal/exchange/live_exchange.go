package exchange

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"grid-trader-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 币安 "Unknown order sent." 错误码
const codeUnknownOrder = -2011

// bookTicker 推送超过该时长视为过期, 回退到 REST 查询
const tickerMaxAge = 5 * time.Second

// LiveOptions 定义了实盘交易所的连接参数
type LiveOptions struct {
	APIKey    string
	SecretKey string
	IsTestnet bool
	Pairs     []models.PairSpec
	Stream    *BookTickerStream // 可选, 为空时最优价走 REST
}

// LiveExchange 实现了 Exchange 接口，用于与币安U本位合约交易所进行交互。
type LiveExchange struct {
	client *futures.Client
	specs  map[string]models.PairSpec
	stream *BookTickerStream
	logger *zap.Logger
}

// NewLiveExchange 创建一个新的 LiveExchange 实例
func NewLiveExchange(opts LiveOptions, logger *zap.Logger) *LiveExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	futures.UseTestnet = opts.IsTestnet
	client := futures.NewClient(opts.APIKey, opts.SecretKey)
	client.HTTPClient = &http.Client{Timeout: 10 * time.Second}

	specs := make(map[string]models.PairSpec, len(opts.Pairs))
	for _, s := range opts.Pairs {
		specs[s.Pair] = s
	}
	return &LiveExchange{client: client, specs: specs, stream: opts.Stream, logger: logger}
}

// StreamURL 返回 bookTicker 推送的地址
func StreamURL(isTestnet bool) string {
	if isTestnet {
		return futuresTestnetStreamURL
	}
	return futuresStreamURL
}

func (e *LiveExchange) resolve(pair string) (models.Pair, models.PairSpec, error) {
	p, err := models.ParsePair(pair)
	if err != nil {
		return models.Pair{}, models.PairSpec{}, fmt.Errorf("%w: %v", ErrUnknownPair, err)
	}
	spec, ok := e.specs[p.String()]
	if !ok {
		spec = models.DefaultPairSpec(p.String())
	}
	return p, spec, nil
}

// newClientOrderID 生成简短的客户端订单ID
func newClientOrderID() string {
	id := uuid.New()
	return "grid_" + base62.EncodeToString(id[:])
}

func sideType(side models.Side) futures.SideType {
	if side == models.Short {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func formatDecimal(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}

type placeRequest struct {
	pair      string
	side      models.Side
	orderType models.OrderType
	size      float64
	price     float64
	postOnly  bool
}

func (e *LiveExchange) place(ctx context.Context, req placeRequest) (*models.Order, error) {
	p, spec, err := e.resolve(req.pair)
	if err != nil {
		return nil, err
	}
	svc := e.client.NewCreateOrderService().
		Symbol(p.Symbol()).
		Side(sideType(req.side)).
		Quantity(formatDecimal(req.size, spec.SizePrecision)).
		NewClientOrderID(newClientOrderID())

	switch req.orderType {
	case models.Market:
		svc = svc.Type(futures.OrderTypeMarket)
	case models.Limit:
		tif := futures.TimeInForceTypeGTC
		if req.postOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(formatDecimal(req.price, spec.PricePrecision))
	case models.StopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(formatDecimal(req.price, spec.PricePrecision)).ReduceOnly(true)
	default:
		return nil, fmt.Errorf("unsupported order type %s", req.orderType)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("pair", p.String()),
			zap.String("type", string(req.orderType)),
			zap.String("side", string(req.side)),
			zap.Error(err),
		)
		return nil, err
	}
	order := &models.Order{
		ID:         res.OrderID,
		Type:       req.orderType,
		Symbol:     p.String(),
		Price:      parseFloat(res.Price),
		Size:       parseFloat(res.OrigQuantity),
		FilledSize: parseFloat(res.ExecutedQuantity),
		Side:       req.side,
		Status:     convertStatus(res.Status),
		PostOnly:   req.postOnly,
		Timestamp:  time.UnixMilli(res.UpdateTime).UTC(),
	}
	if req.orderType == models.StopMarket {
		order.Price = parseFloat(res.StopPrice)
	}
	return order, nil
}

func (e *LiveExchange) PlaceMarketLong(ctx context.Context, pair string, size float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Long, orderType: models.Market, size: size})
}

func (e *LiveExchange) PlaceMarketShort(ctx context.Context, pair string, size float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Short, orderType: models.Market, size: size})
}

func (e *LiveExchange) PlaceLimitLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Long, orderType: models.Limit, size: size, price: price})
}

func (e *LiveExchange) PlaceLimitShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Short, orderType: models.Limit, size: size, price: price})
}

func (e *LiveExchange) PlaceGTXLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Long, orderType: models.Limit, size: size, price: price, postOnly: true})
}

func (e *LiveExchange) PlaceGTXShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Short, orderType: models.Limit, size: size, price: price, postOnly: true})
}

// PlaceStopMarketLong 只减仓的止损市价单
func (e *LiveExchange) PlaceStopMarketLong(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Long, orderType: models.StopMarket, size: size, price: price})
}

func (e *LiveExchange) PlaceStopMarketShort(ctx context.Context, pair string, size, price float64) (*models.Order, error) {
	return e.place(ctx, placeRequest{pair: pair, side: models.Short, orderType: models.StopMarket, size: size, price: price})
}

// CancelOrder 订单不存在时返回 false 而不是错误
func (e *LiveExchange) CancelOrder(ctx context.Context, id int64, pair string) (bool, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return false, err
	}
	_, err = e.client.NewCancelOrderService().Symbol(p.Symbol()).OrderID(id).Do(ctx)
	if err != nil {
		if isUnknownOrder(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (e *LiveExchange) CancelOrders(ctx context.Context, ids []int64, pair string) (bool, error) {
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

func isUnknownOrder(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder
}

// GetBalance 返回钱包余额加上未实现盈亏
func (e *LiveExchange) GetBalance(ctx context.Context, currency string) (float64, error) {
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取账户余额失败: %w", err)
	}
	for _, b := range balances {
		if b.Asset == currency {
			return parseFloat(b.Balance) + parseFloat(b.CrossUnPnl), nil
		}
	}
	return 0, nil
}

func (e *LiveExchange) GetMarketPrice(ctx context.Context, pair string) (float64, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return 0, err
	}
	prices, err := e.client.NewListPricesService().Symbol(p.Symbol()).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, price := range prices {
		if price.Symbol == p.Symbol() {
			return strconv.ParseFloat(price.Price, 64)
		}
	}
	return 0, fmt.Errorf("price list has no quote for %s", p)
}

func (e *LiveExchange) bookTicker(ctx context.Context, pair string) (BookTicker, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return BookTicker{}, err
	}
	if e.stream != nil {
		if t, ok := e.stream.Latest(p.Symbol(), tickerMaxAge); ok {
			return t, nil
		}
	}
	tickers, err := e.client.NewListBookTickersService().Symbol(p.Symbol()).Do(ctx)
	if err != nil {
		return BookTicker{}, err
	}
	for _, t := range tickers {
		if t.Symbol == p.Symbol() {
			return BookTicker{
				Symbol:    t.Symbol,
				BidPrice:  parseFloat(t.BidPrice),
				AskPrice:  parseFloat(t.AskPrice),
				UpdatedAt: time.Now(),
			}, nil
		}
	}
	return BookTicker{}, fmt.Errorf("book ticker list has no quote for %s", p)
}

func (e *LiveExchange) GetBestBid(ctx context.Context, pair string) (float64, error) {
	t, err := e.bookTicker(ctx, pair)
	return t.BidPrice, err
}

func (e *LiveExchange) GetBestAsk(ctx context.Context, pair string) (float64, error) {
	t, err := e.bookTicker(ctx, pair)
	return t.AskPrice, err
}

func (e *LiveExchange) GetOrder(ctx context.Context, id int64, pair string) (*models.Order, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return nil, err
	}
	o, err := e.client.NewGetOrderService().Symbol(p.Symbol()).OrderID(id).Do(ctx)
	if err != nil {
		if isUnknownOrder(err) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
		}
		return nil, err
	}
	order := convertOrder(o, p)
	return &order, nil
}

func (e *LiveExchange) GetOpenOrders(ctx context.Context, pair string) ([]models.Order, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return nil, err
	}
	orders, err := e.client.NewListOpenOrdersService().Symbol(p.Symbol()).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o, p))
	}
	return out, nil
}

func (e *LiveExchange) GetPosition(ctx context.Context, pair string) (*models.Position, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return nil, err
	}
	risks, err := e.client.NewGetPositionRiskService().Symbol(p.Symbol()).Do(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range risks {
		if r.Symbol != p.Symbol() {
			continue
		}
		return convertPosition(p, parseFloat(r.PositionAmt), parseFloat(r.EntryPrice)), nil
	}
	return nil, nil
}

func (e *LiveExchange) GetKLines(ctx context.Context, pair, interval string, limit int) ([]models.Bar, error) {
	p, _, err := e.resolve(pair)
	if err != nil {
		return nil, err
	}
	klines, err := e.client.NewKlinesService().Symbol(p.Symbol()).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	bars := make([]models.Bar, 0, len(klines))
	for _, k := range klines {
		bars = append(bars, models.Bar{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		})
	}
	return bars, nil
}

// --- 类型转换 ---

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// convertStatus 部分成交的订单仍视为挂单, 被拒绝或过期的订单视为已撤销
func convertStatus(s futures.OrderStatusType) models.OrderStatus {
	switch s {
	case futures.OrderStatusTypeFilled:
		return models.StatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return models.StatusCancelled
	default:
		return models.StatusOpen
	}
}

func convertOrder(o *futures.Order, p models.Pair) models.Order {
	order := models.Order{
		ID:         o.OrderID,
		Symbol:     p.String(),
		Price:      parseFloat(o.Price),
		Size:       parseFloat(o.OrigQuantity),
		FilledSize: parseFloat(o.ExecutedQuantity),
		Side:       models.Long,
		Status:     convertStatus(o.Status),
		PostOnly:   o.TimeInForce == futures.TimeInForceTypeGTX,
		Timestamp:  time.UnixMilli(o.Time).UTC(),
	}
	if o.Side == futures.SideTypeSell {
		order.Side = models.Short
	}
	switch o.Type {
	case futures.OrderTypeMarket:
		order.Type = models.Market
	case futures.OrderTypeStopMarket:
		order.Type = models.StopMarket
		order.Price = parseFloat(o.StopPrice)
	default:
		order.Type = models.Limit
	}
	return order
}

// convertPosition 单向持仓模式下 positionAmt 为带符号的数量
func convertPosition(p models.Pair, amount, entryPrice float64) *models.Position {
	if amount == 0 {
		return nil
	}
	side := models.Long
	if amount < 0 {
		side = models.Short
	}
	return &models.Position{Symbol: p.String(), EntryPrice: entryPrice, Side: side, Size: math.Abs(amount)}
}
