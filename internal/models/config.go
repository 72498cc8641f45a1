package models

// Config 结构体定义了程序的所有配置参数
type Config struct {
	Strategy    StrategyConfig `json:"strategy" mapstructure:"strategy"`
	Pairs       []PairSpec     `json:"pairs" mapstructure:"pairs"`               // 交易对精度
	Backtest    BacktestConfig `json:"backtest" mapstructure:"backtest"`         // 回测引擎配置
	Live        LiveConfig     `json:"live" mapstructure:"live"`                 // 实盘配置
	StateDBPath string         `json:"db_path" mapstructure:"db_path"`           // 策略状态数据库路径 (为空则不持久化)
	MetricsAddr string         `json:"metrics_addr" mapstructure:"metrics_addr"` // Prometheus 监听地址 (仅实盘)
	LogConfig   LogConfig      `json:"log" mapstructure:"log"`
}

// StrategyConfig 描述要运行的策略
type StrategyConfig struct {
	Name string         `json:"name" mapstructure:"name"` // 注册表中的策略名, 如 "grid"
	ID   string         `json:"id" mapstructure:"id"`     // 策略实例ID, 为空时自动生成
	Args map[string]any `json:"args" mapstructure:"args"` // 传给 Init 的参数
}

// BacktestConfig 定义了回测引擎特定配置
type BacktestConfig struct {
	Start           string             `json:"start" mapstructure:"start"`       // 开始时间 (YYYY-MM-DD 或 RFC3339)
	End             string             `json:"end" mapstructure:"end"`           // 结束时间
	Interval        string             `json:"interval" mapstructure:"interval"` // 时钟周期, 如 "1m"
	InitialBalances map[string]float64 `json:"initial_balances" mapstructure:"initial_balances"`
	MakerFeeRate    float64            `json:"maker_fee_rate" mapstructure:"maker_fee_rate"` // 挂单手续费率
	TakerFeeRate    float64            `json:"taker_fee_rate" mapstructure:"taker_fee_rate"` // 吃单手续费率
	Accounting      string             `json:"accounting" mapstructure:"accounting"`         // "perp" 或 "spot"
	DataSource      string             `json:"data_source" mapstructure:"data_source"`       // "csv" 或 "sqlite"
	DataDir         string             `json:"data_dir" mapstructure:"data_dir"`             // 历史数据目录
	CacheSize       int64              `json:"cache_size" mapstructure:"cache_size"`         // K线缓存最多保留的窗口数
	WindowSize      int                `json:"window_size" mapstructure:"window_size"`       // 每次加载的K线数量
	TerminateAtEnd  bool               `json:"terminate_at_end" mapstructure:"terminate_at_end"`
}

// LiveConfig 定义了实盘交易配置
type LiveConfig struct {
	IsTestnet      bool `json:"is_testnet" mapstructure:"is_testnet"`             // 是否使用测试网
	TickIntervalMs int  `json:"tick_interval_ms" mapstructure:"tick_interval_ms"` // 策略执行间隔
	StreamEnabled  bool `json:"stream_enabled" mapstructure:"stream_enabled"`     // 是否订阅 bookTicker 推送
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" mapstructure:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" mapstructure:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" mapstructure:"compress"`       // 是否压缩旧日志文件
}

// PairSpecFor 返回交易对的精度配置, 未配置时返回默认值
func (c *Config) PairSpecFor(pair string) PairSpec {
	for _, p := range c.Pairs {
		if p.Pair == pair {
			return p
		}
	}
	return DefaultPairSpec(pair)
}
