package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"
	"grid-trader-go/internal/statemanager"

	"go.uber.org/zap"
)

// 未配置 max_trial 时的默认尝试次数
const defaultMaxTrial = 3

// Strategy 是调度器与回测引擎驱动策略的统一接口
type Strategy interface {
	// Init 解析并校验策略参数, 准备初始状态
	Init(ctx context.Context, argsJSON []byte) error
	// Next 执行一次评估
	Next(ctx context.Context) error
}

// Terminator 由可以主动结束并平仓的策略实现
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Deps 是构造策略所需的外部依赖
type Deps struct {
	StrategyID string
	Exchange   exchange.Exchange
	Repo       persistence.StateRepository // 可选, 为空则不持久化
	Pairs      []models.PairSpec
	Logger     *zap.Logger
	Now        func() time.Time // 状态快照的时间戳, 回测时为模拟时钟
}

func (d Deps) pairSpec(pair string) models.PairSpec {
	for _, s := range d.Pairs {
		if s.Pair == pair {
			return s
		}
	}
	return models.DefaultPairSpec(pair)
}

// Grid 网格策略控制器: 未初始化 -> (等待触发) -> 稳定运行 -> 已终止
type Grid struct {
	deps     Deps
	logger   *zap.Logger
	state    *statemanager.GridStateManager
	operator *GridOperator
}

// NewGrid 创建网格策略, 需要调用 Init 后才能运行
func NewGrid(deps Deps) *Grid {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Grid{deps: deps, logger: deps.Logger.With(zap.String("strategy_id", deps.StrategyID))}
}

// ParseGridConfig 解析 Init 的 JSON 参数
func ParseGridConfig(argsJSON []byte) (models.GridConfig, error) {
	var cfg models.GridConfig
	if err := json.Unmarshal(argsJSON, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", statemanager.ErrInvalidGrid, err)
	}
	pair, err := models.ParsePair(cfg.Pair)
	if err != nil {
		return cfg, fmt.Errorf("%w: %v", statemanager.ErrInvalidGrid, err)
	}
	cfg.Pair = pair.String()
	if cfg.MaxTrial == 0 {
		cfg.MaxTrial = defaultMaxTrial
	}
	return cfg, statemanager.Validate(cfg)
}

// Init 校验参数; 若存储中有同一策略ID且参数相同的状态则从中恢复
func (g *Grid) Init(ctx context.Context, argsJSON []byte) error {
	cfg, err := ParseGridConfig(argsJSON)
	if err != nil {
		return err
	}
	spec := g.deps.pairSpec(cfg.Pair)
	g.logger = g.logger.With(zap.String("pair", cfg.Pair))

	state, err := g.restore(cfg, spec)
	if err != nil {
		return err
	}
	if state == nil {
		state, err = statemanager.New(g.deps.StrategyID, cfg, spec)
		if err != nil {
			return err
		}
		if cfg.TriggerPrice == 0 {
			state.SetTriggered()
		}
		g.logger.Info("网格初始化完成",
			zap.Float64("lower", cfg.Lower),
			zap.Float64("upper", cfg.Upper),
			zap.Int("number", cfg.Number),
			zap.Float64("interval", state.Interval()),
			zap.Float64("size", cfg.Size),
			zap.Float64("trigger_price", cfg.TriggerPrice),
		)
	}
	g.state = state
	g.operator = NewGridOperator(g.deps.Exchange, state, g.logger)
	g.save()
	return nil
}

func (g *Grid) restore(cfg models.GridConfig, spec models.PairSpec) (*statemanager.GridStateManager, error) {
	if g.deps.Repo == nil || g.deps.StrategyID == "" {
		return nil, nil
	}
	saved, err := g.deps.Repo.LoadState(g.deps.StrategyID)
	if err != nil {
		return nil, fmt.Errorf("加载策略状态失败: %w", err)
	}
	if saved == nil {
		return nil, nil
	}
	if saved.Config != cfg {
		g.logger.Warn("已保存的状态参数不一致, 重新初始化网格")
		return nil, nil
	}
	state, err := statemanager.Restore(*saved, spec)
	if err != nil {
		return nil, err
	}
	g.logger.Info("从存储中恢复网格状态",
		zap.Bool("triggered", state.IsTriggered()),
		zap.Bool("terminated", state.IsTerminated()),
		zap.Float64("position", state.Position()),
		zap.Time("saved_at", saved.LastUpdateTime),
	)
	return state, nil
}

func (g *Grid) save() {
	Position.WithLabelValues(g.deps.StrategyID).Set(g.state.Position())
	if g.deps.Repo == nil || g.deps.StrategyID == "" {
		return
	}
	snapshot := g.state.Snapshot(g.deps.Now())
	if err := g.deps.Repo.SaveState(&snapshot); err != nil {
		g.logger.Error("保存策略状态失败", zap.Error(err))
	}
}

// State 返回当前状态的快照
func (g *Grid) State() models.GridState {
	return g.state.Snapshot(g.deps.Now())
}

// Next 执行一次评估。只有历史数据耗尽等致命错误才会返回 error。
func (g *Grid) Next(ctx context.Context) error {
	if g.state == nil {
		return fmt.Errorf("grid strategy is not initialized")
	}
	switch {
	case g.state.IsTerminated():
		Ticks.WithLabelValues(g.deps.StrategyID, "terminated").Inc()
		return nil
	case !g.state.IsTriggered():
		Ticks.WithLabelValues(g.deps.StrategyID, "trigger_wait").Inc()
		err := g.waitTrigger(ctx)
		g.save()
		return err
	default:
		Ticks.WithLabelValues(g.deps.StrategyID, "steady").Inc()
		err := g.steady(ctx)
		g.save()
		return err
	}
}

// waitTrigger 市价进入 [trigger-interval, trigger+interval] 后开始挂单
func (g *Grid) waitTrigger(ctx context.Context) error {
	price, err := g.deps.Exchange.GetMarketPrice(ctx, g.state.Config().Pair)
	if err != nil {
		if isFatal(ctx, err) {
			return err
		}
		g.logger.Warn("获取市场价失败", zap.Error(err))
		return nil
	}
	trigger := g.state.Config().TriggerPrice
	interval := g.state.Interval()
	if price < trigger-interval || price > trigger+interval {
		return nil
	}
	g.state.SetTriggered()
	g.logger.Info("价格进入触发区间, 开始运行网格", zap.Float64("price", price), zap.Float64("trigger_price", trigger))
	return g.operator.OpenLevelsNearMarketPrice(ctx)
}

func (g *Grid) steady(ctx context.Context) error {
	if err := g.checkStopOrders(ctx); err != nil {
		return err
	}
	if err := g.checkLevelOrders(ctx); err != nil {
		return err
	}
	return g.operator.OpenLevelsNearMarketPrice(ctx)
}

// checkStopOrders 止损成交后更新持仓, 清除止损单ID, 并关闭被止损一侧所有已开的档位
func (g *Grid) checkStopOrders(ctx context.Context) error {
	stops := []struct {
		spec   stopSpec
		closes models.Side
	}{
		{g.operator.stopLower(), models.Long},
		{g.operator.stopUpper(), models.Short},
	}
	for _, s := range stops {
		id := s.spec.id()
		if id == 0 {
			continue
		}
		order, err := g.deps.Exchange.GetOrder(ctx, id, g.state.Config().Pair)
		if err != nil {
			if isFatal(ctx, err) {
				return err
			}
			g.logger.Error("状态不一致: 无法查询止损单", zap.String("stop", s.spec.name), zap.Int64("order_id", id), zap.Error(err))
			continue
		}
		switch order.Status {
		case models.StatusFilled:
			g.state.UpdatePositionByOrder(*order)
			s.spec.setID(0)
			closed := g.state.CloseOpenedSides(s.closes)
			OrderFills.WithLabelValues(g.deps.StrategyID, kindStop, string(order.Side)).Inc()
			g.logger.Warn("止损单成交",
				zap.String("stop", s.spec.name),
				zap.Int64("order_id", id),
				zap.Float64("price", order.Price),
				zap.Float64("size", order.FilledSize),
				zap.Ints("closed_levels", closed),
				zap.Float64("position", g.state.Position()),
			)
		case models.StatusCancelled:
			s.spec.setID(0)
			g.logger.Warn("止损单已被撤销", zap.String("stop", s.spec.name), zap.Int64("order_id", id))
		}
	}
	return nil
}

// checkLevelOrders 按档位从低到高检查 OPENING 订单是否成交
func (g *Grid) checkLevelOrders(ctx context.Context) error {
	pair := g.state.Config().Pair
	for _, level := range g.state.Levels() {
		for _, side := range []models.Side{models.Long, models.Short} {
			sub := level.SideState(side)
			if sub.Status != models.LevelOpening || sub.OrderID == 0 {
				continue
			}
			order, err := g.deps.Exchange.GetOrder(ctx, sub.OrderID, pair)
			if err != nil {
				if isFatal(ctx, err) {
					return err
				}
				g.logger.Error("状态不一致: 无法查询档位订单",
					zap.Int("level", level.Index),
					zap.String("side", string(side)),
					zap.Int64("order_id", sub.OrderID),
					zap.Error(err),
				)
				continue
			}
			switch order.Status {
			case models.StatusFilled:
				if err := g.onLevelFilled(ctx, level, side, order); err != nil {
					return err
				}
			case models.StatusCancelled:
				if err := g.state.SetLevelClosed(level.Index, side); err != nil {
					return err
				}
				g.logger.Warn("档位订单已被撤销", zap.Int("level", level.Index), zap.String("side", string(side)), zap.Int64("order_id", order.ID))
			}
		}
	}
	return nil
}

// onLevelFilled 更新持仓并标记为 OPENED, 与最近的反向已开档位配对平仓, 然后刷新止损单
func (g *Grid) onLevelFilled(ctx context.Context, level models.GridLevel, side models.Side, order *models.Order) error {
	g.state.UpdatePositionByOrder(*order)
	if err := g.state.SetLevelOpened(level.Index, side); err != nil {
		return err
	}
	OrderFills.WithLabelValues(g.deps.StrategyID, kindLevel, string(side)).Inc()

	var (
		match models.GridLevel
		ok    bool
	)
	if side == models.Long {
		match, ok = g.state.GetShortLevelToCloseAt(level.Index)
	} else {
		match, ok = g.state.GetLongLevelToCloseAt(level.Index)
	}
	fields := []zap.Field{
		zap.Int("level", level.Index),
		zap.String("side", string(side)),
		zap.Int64("order_id", order.ID),
		zap.Float64("price", order.Price),
		zap.Float64("position", g.state.Position()),
	}
	if ok {
		if err := g.state.SetLevelClosed(level.Index, side); err != nil {
			return err
		}
		if err := g.state.SetLevelClosed(match.Index, side.Opposite()); err != nil {
			return err
		}
		fields = append(fields, zap.Int("paired_level", match.Index))
	}
	g.logger.Info("档位订单成交", fields...)

	if err := g.operator.UpdateStopLowerOrder(ctx); err != nil {
		return err
	}
	return g.operator.UpdateStopUpperOrder(ctx)
}

// Terminate 撤销所有档位与止损单, 市价平仓并进入终止状态。终止后的 Next 不再做任何操作。
func (g *Grid) Terminate(ctx context.Context) error {
	if g.state == nil || g.state.IsTerminated() {
		return nil
	}
	g.logger.Info("开始终止网格")
	if err := g.operator.CancelAllLevelOrders(ctx); err != nil {
		return err
	}
	if err := g.operator.CancelStopOrders(ctx); err != nil {
		return err
	}
	if err := g.operator.ClosePosition(ctx); err != nil {
		g.save()
		return err
	}
	g.state.CloseOpenedSides(models.Long)
	g.state.CloseOpenedSides(models.Short)
	g.state.SetTerminated()
	g.save()
	g.logger.Info("网格已终止")
	return nil
}
