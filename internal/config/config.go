package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"grid-trader-go/internal/models"

	"github.com/spf13/viper"
)

// ErrInvalidConfig 表示配置内容不合法
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig 从指定路径加载配置文件 (JSON/YAML) 并解析到Config结构体中。
// 环境变量 GRID_<KEY> 可覆盖文件中的值, 例如 GRID_BACKTEST_INTERVAL=5m。
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件 %s 失败: %w", path, err)
	}

	cfg := &models.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	normalize(cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.name", "grid")
	v.SetDefault("backtest.interval", "1m")
	v.SetDefault("backtest.accounting", "perp")
	v.SetDefault("backtest.data_source", "csv")
	v.SetDefault("backtest.data_dir", "data")
	v.SetDefault("backtest.cache_size", 64)
	v.SetDefault("backtest.window_size", 1000)
	v.SetDefault("live.tick_interval_ms", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
}

// normalize 修正 viper 对 map key 小写化带来的影响
func normalize(cfg *models.Config) {
	if len(cfg.Backtest.InitialBalances) > 0 {
		balances := make(map[string]float64, len(cfg.Backtest.InitialBalances))
		for currency, amount := range cfg.Backtest.InitialBalances {
			balances[strings.ToUpper(currency)] += amount
		}
		cfg.Backtest.InitialBalances = balances
	}
	for i := range cfg.Pairs {
		cfg.Pairs[i].Pair = strings.ToUpper(cfg.Pairs[i].Pair)
	}
	cfg.Backtest.Accounting = strings.ToLower(cfg.Backtest.Accounting)
	cfg.Backtest.DataSource = strings.ToLower(cfg.Backtest.DataSource)
}

// Validate 检查运行所需的配置项
func Validate(cfg *models.Config, mode string) error {
	if cfg.Strategy.Name == "" {
		return fmt.Errorf("%w: strategy.name 不能为空", ErrInvalidConfig)
	}
	for _, p := range cfg.Pairs {
		if _, err := models.ParsePair(p.Pair); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if p.PricePrecision < 0 || p.SizePrecision < 0 {
			return fmt.Errorf("%w: %s 精度不能为负数", ErrInvalidConfig, p.Pair)
		}
	}
	if mode != "backtest" {
		return nil
	}

	bt := cfg.Backtest
	if _, err := models.ParseInterval(bt.Interval); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	start, end, err := BacktestRange(bt)
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("%w: backtest.end 必须晚于 backtest.start", ErrInvalidConfig)
	}
	if bt.Accounting != "perp" && bt.Accounting != "spot" {
		return fmt.Errorf("%w: backtest.accounting 只能是 perp 或 spot", ErrInvalidConfig)
	}
	if bt.DataSource != "csv" && bt.DataSource != "sqlite" {
		return fmt.Errorf("%w: backtest.data_source 只能是 csv 或 sqlite", ErrInvalidConfig)
	}
	if bt.MakerFeeRate < 0 || bt.TakerFeeRate < 0 {
		return fmt.Errorf("%w: 手续费率不能为负数", ErrInvalidConfig)
	}
	return nil
}

// BacktestRange 解析回测的起止时间
func BacktestRange(bt models.BacktestConfig) (time.Time, time.Time, error) {
	start, err := ParseTime(bt.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: backtest.start: %v", ErrInvalidConfig, err)
	}
	end, err := ParseTime(bt.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: backtest.end: %v", ErrInvalidConfig, err)
	}
	return start, end, nil
}

// ParseTime 支持 YYYY-MM-DD 与 RFC3339 两种格式, 统一转换为 UTC
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("时间格式错误 %q, 请使用 YYYY-MM-DD 或 RFC3339", s)
	}
	return t.UTC(), nil
}

// StrategyArgsJSON 将策略参数重新编码为 JSON, 供 Strategy.Init 使用
func StrategyArgsJSON(cfg *models.Config) ([]byte, error) {
	args := cfg.Strategy.Args
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("编码策略参数失败: %w", err)
	}
	return data, nil
}
