package exchange

import (
	"context"
	"errors"

	"grid-trader-go/internal/models"
)

var (
	// ErrNoMarketPrice 历史数据耗尽, 无法得到当前市场价。回测必须停止推进。
	ErrNoMarketPrice = errors.New("no market price available")
	// ErrOrderNotFound 订单不存在
	ErrOrderNotFound = errors.New("order not found")
	// ErrUnknownPair 交易对无法识别
	ErrUnknownPair = errors.New("unknown pair")
)

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得策略可以在真实交易和回测之间轻松切换。交易对统一使用 "BASE/QUOTE" 格式。
type Exchange interface {
	PlaceMarketLong(ctx context.Context, pair string, size float64) (*models.Order, error)
	PlaceMarketShort(ctx context.Context, pair string, size float64) (*models.Order, error)
	PlaceLimitLong(ctx context.Context, pair string, size, price float64) (*models.Order, error)
	PlaceLimitShort(ctx context.Context, pair string, size, price float64) (*models.Order, error)
	PlaceGTXLong(ctx context.Context, pair string, size, price float64) (*models.Order, error)
	PlaceGTXShort(ctx context.Context, pair string, size, price float64) (*models.Order, error)
	PlaceStopMarketLong(ctx context.Context, pair string, size, price float64) (*models.Order, error)
	PlaceStopMarketShort(ctx context.Context, pair string, size, price float64) (*models.Order, error)

	// CancelOrder 返回目标订单是否被找到并撤销
	CancelOrder(ctx context.Context, id int64, pair string) (bool, error)
	// CancelOrders 全部撤销成功时返回 true
	CancelOrders(ctx context.Context, ids []int64, pair string) (bool, error)

	GetBalance(ctx context.Context, currency string) (float64, error)
	GetMarketPrice(ctx context.Context, pair string) (float64, error)
	GetBestBid(ctx context.Context, pair string) (float64, error)
	GetBestAsk(ctx context.Context, pair string) (float64, error)
	GetOrder(ctx context.Context, id int64, pair string) (*models.Order, error)
	GetOpenOrders(ctx context.Context, pair string) ([]models.Order, error)
	// GetPosition 空仓时返回 nil
	GetPosition(ctx context.Context, pair string) (*models.Position, error)
	GetKLines(ctx context.Context, pair, interval string, limit int) ([]models.Bar, error)
}
