package bot

import (
	"context"
	"errors"
	"fmt"

	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/statemanager"

	"go.uber.org/zap"
)

// ErrPlacementFailed 重试次数用尽仍未能挂上订单
var ErrPlacementFailed = errors.New("order placement failed after max trials")

const (
	kindLevel = "level"
	kindStop  = "stop"
)

type placeFunc func(ctx context.Context) (*models.Order, error)

// GridOperator 以 GridStateManager 为准, 对交易所执行挂单与撤单
type GridOperator struct {
	ex     exchange.Exchange
	state  *statemanager.GridStateManager
	logger *zap.Logger
}

// NewGridOperator 创建操作器
func NewGridOperator(ex exchange.Exchange, state *statemanager.GridStateManager, logger *zap.Logger) *GridOperator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GridOperator{ex: ex, state: state, logger: logger}
}

func (o *GridOperator) pair() string { return o.state.Config().Pair }

// isFatal 历史数据耗尽或上下文结束时不再重试
func isFatal(ctx context.Context, err error) bool {
	return errors.Is(err, exchange.ErrNoMarketPrice) || ctx.Err() != nil
}

// placeWithRetry 最多尝试 max_trial 次。每次下单后重新查询订单,
// 只有状态不是 CANCELLED 才算成功 (只做 maker 的订单可能被立即拒绝)。
func (o *GridOperator) placeWithRetry(ctx context.Context, kind string, place placeFunc) (*models.Order, error) {
	maxTrial := o.state.Config().MaxTrial
	strategy := o.state.StrategyID()
	for attempt := 1; attempt <= maxTrial; attempt++ {
		placed, err := place(ctx)
		if err != nil {
			if isFatal(ctx, err) {
				return nil, err
			}
			OrderPlacements.WithLabelValues(strategy, kind, "error").Inc()
			o.logger.Warn("下单失败", zap.String("kind", kind), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		fetched, err := o.ex.GetOrder(ctx, placed.ID, o.pair())
		if err != nil {
			if isFatal(ctx, err) {
				return nil, err
			}
			OrderPlacements.WithLabelValues(strategy, kind, "error").Inc()
			o.logger.Warn("查询新订单失败", zap.String("kind", kind), zap.Int64("order_id", placed.ID), zap.Error(err))
			continue
		}
		if fetched.Status == models.StatusCancelled {
			OrderPlacements.WithLabelValues(strategy, kind, "rejected").Inc()
			o.logger.Debug("订单被立即撤销, 重试", zap.String("kind", kind), zap.Int64("order_id", fetched.ID), zap.Int("attempt", attempt))
			continue
		}
		OrderPlacements.WithLabelValues(strategy, kind, "accepted").Inc()
		return fetched, nil
	}
	PlacementFailures.WithLabelValues(strategy, kind).Inc()
	return nil, fmt.Errorf("%w (%d attempts)", ErrPlacementFailed, maxTrial)
}

// canOpenLong 档位多头为 CLOSED, 且空头也为 CLOSED 或上一档空头已开
func (o *GridOperator) canOpenLong(b models.GridLevel) bool {
	if b.Long.Status != models.LevelClosed {
		return false
	}
	if b.Short.Status == models.LevelClosed {
		return true
	}
	above, ok := o.state.GetLevelAbove(b.Index)
	return ok && above.Short.Status == models.LevelOpened
}

// canOpenShort 与 canOpenLong 对称
func (o *GridOperator) canOpenShort(b models.GridLevel) bool {
	if b.Short.Status != models.LevelClosed {
		return false
	}
	if b.Long.Status == models.LevelClosed {
		return true
	}
	below, ok := o.state.GetLevelBelow(b.Index)
	return ok && below.Long.Status == models.LevelOpened
}

// OpenLevelsNearMarketPrice 只在离市价最近档位的上下两档挂单
func (o *GridOperator) OpenLevelsNearMarketPrice(ctx context.Context) error {
	price, err := o.ex.GetMarketPrice(ctx, o.pair())
	if err != nil {
		if isFatal(ctx, err) {
			return err
		}
		o.logger.Warn("获取市场价失败, 本轮跳过挂单", zap.Error(err))
		return nil
	}
	nearest := o.state.GetNearestLevel(price)

	if below, ok := o.state.GetLevelBelow(nearest.Index); ok && o.canOpenLong(below) {
		if err := o.OpenLevel(ctx, below, models.Long); err != nil && isFatal(ctx, err) {
			return err
		}
	}
	if above, ok := o.state.GetLevelAbove(nearest.Index); ok && o.canOpenShort(above) {
		if err := o.OpenLevel(ctx, above, models.Short); err != nil && isFatal(ctx, err) {
			return err
		}
	}
	return nil
}

// OpenLevel 以只做 maker 的限价单挂出档位的一侧
func (o *GridOperator) OpenLevel(ctx context.Context, level models.GridLevel, side models.Side) error {
	cfg := o.state.Config()
	order, err := o.placeWithRetry(ctx, kindLevel, func(ctx context.Context) (*models.Order, error) {
		if side == models.Long {
			return o.ex.PlaceGTXLong(ctx, cfg.Pair, cfg.Size, level.Price)
		}
		return o.ex.PlaceGTXShort(ctx, cfg.Pair, cfg.Size, level.Price)
	})
	if err != nil {
		o.logger.Error("档位挂单失败",
			zap.Int("level", level.Index),
			zap.Float64("price", level.Price),
			zap.String("side", string(side)),
			zap.Error(err),
		)
		return err
	}
	if err := o.state.SetLevelOpening(level.Index, side, order.ID); err != nil {
		return err
	}
	o.logger.Info("档位挂单成功",
		zap.Int("level", level.Index),
		zap.Float64("price", level.Price),
		zap.String("side", string(side)),
		zap.Int64("order_id", order.ID),
	)
	return nil
}

// stopSpec 描述一侧止损单: 净多头用下方空单止损, 净空头用上方多单止损
type stopSpec struct {
	name   string
	price  float64
	side   models.Side
	id     func() int64
	setID  func(int64)
	size   func(position float64) float64 // 返回 0 表示当前持仓不需要该止损
	placer func(ctx context.Context, pair string, size, price float64) (*models.Order, error)
}

func (o *GridOperator) stopLower() stopSpec {
	return stopSpec{
		name:  "stop_lower",
		price: o.state.Config().StopLowerPrice,
		side:  models.Short,
		id:    o.state.StopLowerOrderID,
		setID: o.state.SetStopLowerOrderID,
		size: func(p float64) float64 {
			if p > 0 {
				return p
			}
			return 0
		},
		placer: o.ex.PlaceStopMarketShort,
	}
}

func (o *GridOperator) stopUpper() stopSpec {
	return stopSpec{
		name:  "stop_upper",
		price: o.state.Config().StopUpperPrice,
		side:  models.Long,
		id:    o.state.StopUpperOrderID,
		setID: o.state.SetStopUpperOrderID,
		size: func(p float64) float64 {
			if p < 0 {
				return -p
			}
			return 0
		},
		placer: o.ex.PlaceStopMarketLong,
	}
}

// UpdateStopLowerOrder 保证净多头时存在一张数量等于持仓的下方止损单
func (o *GridOperator) UpdateStopLowerOrder(ctx context.Context) error {
	return o.updateStop(ctx, o.stopLower())
}

// UpdateStopUpperOrder 保证净空头时存在一张数量等于持仓的上方止损单
func (o *GridOperator) UpdateStopUpperOrder(ctx context.Context) error {
	return o.updateStop(ctx, o.stopUpper())
}

func (o *GridOperator) updateStop(ctx context.Context, s stopSpec) error {
	if s.price <= 0 {
		return nil
	}
	spec := o.state.Spec()
	want := spec.RoundSize(s.size(o.state.Position()))
	log := o.logger.With(zap.String("stop", s.name))

	if existing := s.id(); existing != 0 {
		current, err := o.ex.GetOrder(ctx, existing, o.pair())
		if err != nil {
			if isFatal(ctx, err) {
				return err
			}
			log.Error("无法查询止损单, 下一轮重试", zap.Int64("order_id", existing), zap.Error(err))
			return nil
		}
		if current.Status == models.StatusFilled {
			// 止损成交由下一轮的成交检查处理
			return nil
		}
		if current.IsOpen() && want > 0 && models.EqualAt(current.Size, want, spec.SizePrecision) {
			return nil
		}
		if current.IsOpen() {
			if _, err := o.ex.CancelOrder(ctx, existing, o.pair()); err != nil {
				if isFatal(ctx, err) {
					return err
				}
				log.Error("撤销止损单失败, 下一轮重试", zap.Int64("order_id", existing), zap.Error(err))
				return nil
			}
		}
		s.setID(0)
		log.Info("旧止损单已撤销", zap.Int64("order_id", existing), zap.Float64("size", current.Size))
	}

	if want <= 0 {
		return nil
	}
	order, err := o.placeWithRetry(ctx, kindStop, func(ctx context.Context) (*models.Order, error) {
		return s.placer(ctx, o.pair(), want, s.price)
	})
	if err != nil {
		log.Error("止损单挂单失败", zap.Float64("size", want), zap.Float64("price", s.price), zap.Error(err))
		if isFatal(ctx, err) {
			return err
		}
		return nil
	}
	s.setID(order.ID)
	log.Info("止损单已更新", zap.Int64("order_id", order.ID), zap.Float64("size", want), zap.Float64("price", s.price))
	return nil
}

// CancelAllLevelOrders 撤销所有 OPENING 档位。撤单前已成交的订单计入持仓并标记为 OPENED。
func (o *GridOperator) CancelAllLevelOrders(ctx context.Context) error {
	for _, level := range o.state.Levels() {
		for _, side := range []models.Side{models.Long, models.Short} {
			sub := level.SideState(side)
			if sub.Status != models.LevelOpening || sub.OrderID == 0 {
				continue
			}
			filled, err := o.cancelOrAccount(ctx, sub.OrderID)
			if err != nil {
				return err
			}
			if filled {
				if err := o.state.SetLevelOpened(level.Index, side); err != nil {
					return err
				}
				continue
			}
			if err := o.state.SetLevelClosed(level.Index, side); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelStopOrders 撤销两侧止损单
func (o *GridOperator) CancelStopOrders(ctx context.Context) error {
	for _, s := range []stopSpec{o.stopLower(), o.stopUpper()} {
		id := s.id()
		if id == 0 {
			continue
		}
		if _, err := o.cancelOrAccount(ctx, id); err != nil {
			return err
		}
		s.setID(0)
	}
	return nil
}

// cancelOrAccount 撤单; 若订单已经成交, 则把成交计入持仓并返回 true
func (o *GridOperator) cancelOrAccount(ctx context.Context, id int64) (bool, error) {
	cancelled, err := o.ex.CancelOrder(ctx, id, o.pair())
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		o.logger.Error("撤单失败", zap.Int64("order_id", id), zap.Error(err))
	}
	if cancelled {
		return false, nil
	}
	order, err := o.ex.GetOrder(ctx, id, o.pair())
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		o.logger.Error("撤单后查询订单失败", zap.Int64("order_id", id), zap.Error(err))
		return false, nil
	}
	if order.Status == models.StatusFilled {
		o.state.UpdatePositionByOrder(*order)
		return true, nil
	}
	return false, nil
}

// ClosePosition 以市价单平掉当前净持仓
func (o *GridOperator) ClosePosition(ctx context.Context) error {
	position := o.state.Position()
	if position == 0 {
		return nil
	}
	cfg := o.state.Config()
	var (
		order *models.Order
		err   error
	)
	if position > 0 {
		order, err = o.ex.PlaceMarketShort(ctx, cfg.Pair, position)
	} else {
		order, err = o.ex.PlaceMarketLong(ctx, cfg.Pair, -position)
	}
	if err != nil {
		return fmt.Errorf("市价平仓失败: %w", err)
	}
	if order.Status != models.StatusFilled {
		// 实盘市价单的返回可能尚未成交, 以查询结果为准
		if fetched, err := o.ex.GetOrder(ctx, order.ID, cfg.Pair); err == nil {
			order = fetched
		}
	}
	if order.Status != models.StatusFilled {
		return fmt.Errorf("市价平仓订单 %d 未成交, 状态 %s", order.ID, order.Status)
	}
	o.state.UpdatePositionByOrder(*order)
	o.logger.Info("已市价平仓", zap.Int64("order_id", order.ID), zap.Float64("size", order.FilledSize))
	return nil
}
