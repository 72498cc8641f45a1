package bot

import (
	"context"
	"fmt"

	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/models"
)

// fakeExchange 可编程的交易所替身, 订单只有在测试显式调用 fill 时才成交
type fakeExchange struct {
	price    float64
	priceErr error

	orders     map[int64]*models.Order
	nextID     int64
	placed     []models.Order
	rejectNext int  // 接下来 n 次下单立即被撤销
	rejectAll  bool // 所有下单立即被撤销
	placeErr   error
}

func newFakeExchange(price float64) *fakeExchange {
	return &fakeExchange{price: price, orders: make(map[int64]*models.Order), nextID: 1}
}

func (f *fakeExchange) place(pair string, typ models.OrderType, side models.Side, size, price float64) (*models.Order, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	o := &models.Order{ID: f.nextID, Type: typ, Symbol: pair, Price: price, Size: size, Side: side, Status: models.StatusOpen}
	f.nextID++
	switch {
	case f.rejectAll:
		o.Status = models.StatusCancelled
	case f.rejectNext > 0:
		f.rejectNext--
		o.Status = models.StatusCancelled
	}
	if typ == models.Market {
		o.Price = f.price
		o.Status = models.StatusFilled
		o.FilledSize = size
	}
	f.orders[o.ID] = o
	f.placed = append(f.placed, *o)
	out := *o
	return &out, nil
}

// fill 把订单标记为完全成交
func (f *fakeExchange) fill(id int64) {
	o := f.orders[id]
	o.Status = models.StatusFilled
	o.FilledSize = o.Size
}

func (f *fakeExchange) openOrders() []models.Order {
	var out []models.Order
	for id := int64(1); id < f.nextID; id++ {
		if o := f.orders[id]; o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

func (f *fakeExchange) PlaceMarketLong(_ context.Context, pair string, size float64) (*models.Order, error) {
	return f.place(pair, models.Market, models.Long, size, 0)
}

func (f *fakeExchange) PlaceMarketShort(_ context.Context, pair string, size float64) (*models.Order, error) {
	return f.place(pair, models.Market, models.Short, size, 0)
}

func (f *fakeExchange) PlaceLimitLong(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.Limit, models.Long, size, price)
}

func (f *fakeExchange) PlaceLimitShort(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.Limit, models.Short, size, price)
}

func (f *fakeExchange) PlaceGTXLong(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.Limit, models.Long, size, price)
}

func (f *fakeExchange) PlaceGTXShort(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.Limit, models.Short, size, price)
}

func (f *fakeExchange) PlaceStopMarketLong(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.StopMarket, models.Long, size, price)
}

func (f *fakeExchange) PlaceStopMarketShort(_ context.Context, pair string, size, price float64) (*models.Order, error) {
	return f.place(pair, models.StopMarket, models.Short, size, price)
}

func (f *fakeExchange) CancelOrder(_ context.Context, id int64, _ string) (bool, error) {
	o, ok := f.orders[id]
	if !ok || !o.IsOpen() {
		return false, nil
	}
	o.Status = models.StatusCancelled
	return true, nil
}

func (f *fakeExchange) CancelOrders(ctx context.Context, ids []int64, pair string) (bool, error) {
	all := true
	for _, id := range ids {
		ok, _ := f.CancelOrder(ctx, id, pair)
		all = all && ok
	}
	return all, nil
}

func (f *fakeExchange) GetBalance(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeExchange) GetMarketPrice(context.Context, string) (float64, error) {
	return f.price, f.priceErr
}

func (f *fakeExchange) GetBestBid(ctx context.Context, pair string) (float64, error) {
	return f.GetMarketPrice(ctx, pair)
}

func (f *fakeExchange) GetBestAsk(ctx context.Context, pair string) (float64, error) {
	return f.GetMarketPrice(ctx, pair)
}

func (f *fakeExchange) GetOrder(_ context.Context, id int64, _ string) (*models.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", exchange.ErrOrderNotFound, id)
	}
	out := *o
	return &out, nil
}

func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]models.Order, error) {
	return f.openOrders(), nil
}

func (f *fakeExchange) GetPosition(context.Context, string) (*models.Position, error) { return nil, nil }

func (f *fakeExchange) GetKLines(context.Context, string, string, int) ([]models.Bar, error) {
	return nil, nil
}

var _ exchange.Exchange = (*fakeExchange)(nil)
