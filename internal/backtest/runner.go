// Package backtest replays historical bars through the matching engine and
// drives one strategy against it, one evaluation per clock step.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grid-trader-go/internal/bot"
	"grid-trader-go/internal/exchange"
	"grid-trader-go/internal/ledger"
	"grid-trader-go/internal/models"
	"grid-trader-go/internal/persistence"

	"go.uber.org/zap"
)

// Config 描述一次回测
type Config struct {
	StrategyName   string
	StrategyID     string
	Start          time.Time // 第一根K线的开盘时间
	End            time.Time // 最后一根参与评估的K线的收盘时间上限
	Interval       string
	Pairs          []models.PairSpec
	Ledger         ledger.Config
	TerminateAtEnd bool
}

// Result 汇总一次回测的输出
type Result struct {
	StrategyID      string
	Start           time.Time
	End             time.Time
	Steps           int
	Aborted         bool   // 历史数据提前耗尽
	AbortReason     string // Aborted 为 true 时的原因
	InitialBalances map[string]float64
	FinalBalances   map[string]float64 // 最后一条历史记录的余额, 含未实现盈亏
	History         []models.HistoryRecord
	Trades          []models.Trade
	FinalState      *models.GridState
}

// Runner 持有撮合引擎和被测策略
type Runner struct {
	cfg      Config
	engine   *exchange.BacktestExchange
	strategy bot.Strategy
	logger   *zap.Logger
}

// NewRunner 创建撮合引擎与策略。引擎时钟从 Start+Interval 开始, 即第一根K线收盘时。
func NewRunner(bars exchange.BarReader, cfg Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	step, err := models.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if !cfg.End.After(cfg.Start) {
		return nil, fmt.Errorf("backtest end %s must be after start %s", cfg.End, cfg.Start)
	}
	if cfg.StrategyName == "" {
		cfg.StrategyName = "grid"
	}
	if cfg.StrategyID == "" {
		cfg.StrategyID = "backtest"
	}

	engine, err := exchange.NewBacktestExchange(bars, exchange.BacktestConfig{
		Interval: cfg.Interval,
		Start:    cfg.Start.Add(step),
		Pairs:    cfg.Pairs,
		Ledger:   cfg.Ledger,
	}, logger.Named("engine"))
	if err != nil {
		return nil, err
	}

	strategy, err := bot.NewStrategy(cfg.StrategyName, bot.Deps{
		StrategyID: cfg.StrategyID,
		Exchange:   engine,
		Repo:       persistence.NewMemoryRepository(),
		Pairs:      cfg.Pairs,
		Logger:     logger.Named("strategy"),
		Now:        engine.Clock,
	})
	if err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, engine: engine, strategy: strategy, logger: logger}, nil
}

// Engine 返回撮合引擎, 供报告读取余额曲线与成交
func (r *Runner) Engine() *exchange.BacktestExchange { return r.engine }

// Run 初始化策略后循环执行 Next 与 NextClock 直到结束时间。历史数据耗尽时提前结束并标记 Aborted。
func (r *Runner) Run(ctx context.Context, argsJSON []byte) (*Result, error) {
	if err := r.strategy.Init(ctx, argsJSON); err != nil {
		return nil, fmt.Errorf("策略初始化失败: %w", err)
	}

	res := &Result{
		StrategyID:      r.cfg.StrategyID,
		Start:           r.cfg.Start,
		End:             r.cfg.End,
		InitialBalances: copyBalances(r.cfg.Ledger.InitialBalances),
	}
	r.logger.Info("回测开始",
		zap.String("strategy_id", r.cfg.StrategyID),
		zap.Time("start", r.cfg.Start),
		zap.Time("end", r.cfg.End),
		zap.String("interval", r.cfg.Interval),
	)

	started := time.Now()
	step := r.engine.Interval()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.strategy.Next(ctx); err != nil {
			if r.abort(res, err) {
				break
			}
			return nil, fmt.Errorf("%s 评估失败: %w", r.engine.Clock().Format(time.RFC3339), err)
		}
		res.Steps++

		if r.engine.Clock().Add(step).After(r.cfg.End) {
			break
		}
		if err := r.engine.NextClock(ctx); err != nil {
			if r.abort(res, err) {
				break
			}
			return nil, fmt.Errorf("推进时钟失败: %w", err)
		}
	}

	if r.cfg.TerminateAtEnd && !res.Aborted {
		if t, ok := r.strategy.(bot.Terminator); ok {
			if err := t.Terminate(ctx); err != nil {
				return nil, fmt.Errorf("终止策略失败: %w", err)
			}
		}
	}
	if err := r.engine.Seal(ctx); err != nil {
		r.logger.Warn("封存最后一个周期失败", zap.Error(err))
	}

	res.History = r.engine.GetHistory()
	res.Trades = r.engine.GetTrades()
	if n := len(res.History); n > 0 {
		res.FinalBalances = copyBalances(res.History[n-1].Balances)
	} else {
		res.FinalBalances = r.engine.Balances()
	}
	if g, ok := r.strategy.(*bot.Grid); ok {
		state := g.State()
		res.FinalState = &state
	}

	r.logger.Info("回测结束",
		zap.Int("steps", res.Steps),
		zap.Int("trades", len(res.Trades)),
		zap.Bool("aborted", res.Aborted),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

// abort 判断错误是否为历史数据耗尽
func (r *Runner) abort(res *Result, err error) bool {
	if !errors.Is(err, exchange.ErrNoMarketPrice) {
		return false
	}
	res.Aborted = true
	res.AbortReason = err.Error()
	r.logger.Warn("历史数据耗尽, 回测提前结束", zap.Time("clock", r.engine.Clock()), zap.Error(err))
	return true
}

func copyBalances(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
