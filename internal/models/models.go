package models

import (
	"strings"
	"time"
)

// TradingMode 运行模式
type TradingMode string

const (
	ModePaperTrading TradingMode = "paper_trading"
	ModeLive         TradingMode = "live"
	ModeBacktest     TradingMode = "backtest"
)

// Spacing 网格间距模式
type Spacing string

const (
	SpacingArithmetic Spacing = "arithmetic"
	SpacingGeometric  Spacing = "geometric"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	TradingMode    TradingMode `json:"trading_mode" yaml:"trading_mode"`       // paper_trading, live, backtest
	ExchangeName   string      `json:"exchange_name" yaml:"exchange_name"`     // 目前仅支持 binance
	BaseCurrency   string      `json:"base_currency" yaml:"base_currency"`     // 基础货币, 如 "BTC"
	QuoteCurrency  string      `json:"quote_currency" yaml:"quote_currency"`   // 计价货币, 如 "USDT"
	InitialBalance float64     `json:"initial_balance" yaml:"initial_balance"` // 模拟盘/回测的初始计价货币余额
	IsTestnet      bool        `json:"is_testnet" yaml:"is_testnet"`
	DBPath         string      `json:"db_path" yaml:"db_path"` // 账本数据库目录
	LiveWSURL      string      `json:"live_ws_url" yaml:"live_ws_url"`
	TestnetWSURL   string      `json:"testnet_ws_url" yaml:"testnet_ws_url"`
	ReportURL      string      `json:"report_url" yaml:"report_url"`       // 收益推送地址, 为空则不推送
	MetricsAddr    string      `json:"metrics_addr" yaml:"metrics_addr"`   // prometheus 监听地址, 为空则关闭
	StatusEverySec int         `json:"status_every_sec" yaml:"status_every_sec"`

	Grid     GridConfig     `json:"grid" yaml:"grid"`
	Watchdog WatchdogConfig `json:"watchdog" yaml:"watchdog"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`

	LogConfig LogConfig `json:"log" yaml:"log"`

	// 凭证只从环境变量读取
	APIKey      string `json:"-" yaml:"-"`
	SecretKey   string `json:"-" yaml:"-"`
	ReportToken string `json:"-" yaml:"-"`
}

// Symbol 返回交易所使用的交易对名称, 例如 BTCUSDT
func (c *Config) Symbol() string {
	return strings.ToUpper(c.BaseCurrency + c.QuoteCurrency)
}

// WSBaseURL 根据是否测试网返回行情 websocket 地址
func (c *Config) WSBaseURL() string {
	if c.IsTestnet {
		return c.TestnetWSURL
	}
	return c.LiveWSURL
}

// GridConfig 网格参数
type GridConfig struct {
	LowerPrice      float64 `json:"lower_price" yaml:"lower_price"`
	UpperPrice      float64 `json:"upper_price" yaml:"upper_price"`
	Rungs           int     `json:"rungs" yaml:"rungs"` // 网格线数量, 偶数会自动加一
	Spacing         Spacing `json:"spacing" yaml:"spacing"`
	Investment      float64 `json:"investment" yaml:"investment"` // 投入上限 (计价货币)
	TickSize        string  `json:"tick_size" yaml:"tick_size"`
	StepSize        string  `json:"step_size" yaml:"step_size"`
	FeeRate         float64 `json:"fee_rate" yaml:"fee_rate"`
	InitialPurchase bool    `json:"initial_purchase" yaml:"initial_purchase"` // 启动时市价买入卖单所需的基础货币
	PlaceWorkers    int     `json:"place_workers" yaml:"place_workers"`
}

// WatchdogConfig 对账巡检参数
type WatchdogConfig struct {
	IntervalMs          int `json:"interval_ms" yaml:"interval_ms"`
	PassTimeoutMs       int `json:"pass_timeout_ms" yaml:"pass_timeout_ms"`
	GraceWindowMs       int `json:"grace_window_ms" yaml:"grace_window_ms"`
	PendingStaleMs      int `json:"pending_stale_ms" yaml:"pending_stale_ms"`
	ZombieCooldownMs    int `json:"zombie_cooldown_ms" yaml:"zombie_cooldown_ms"`
	EscalateAfter       int `json:"escalate_after" yaml:"escalate_after"` // 连续失败多少次后上报
	MaxPages            int `json:"max_pages" yaml:"max_pages"`
	CleanStartAttempts  int `json:"clean_start_attempts" yaml:"clean_start_attempts"`
	CleanStartDelayMs   int `json:"clean_start_delay_ms" yaml:"clean_start_delay_ms"`
	PlacementTimeoutMs  int `json:"placement_timeout_ms" yaml:"placement_timeout_ms"`
	DispatchBufferSize  int `json:"dispatch_buffer_size" yaml:"dispatch_buffer_size"`
	DispatchWorkerCount int `json:"dispatch_worker_count" yaml:"dispatch_worker_count"`
}

func (w WatchdogConfig) Interval() time.Duration       { return ms(w.IntervalMs) }
func (w WatchdogConfig) PassTimeout() time.Duration    { return ms(w.PassTimeoutMs) }
func (w WatchdogConfig) GraceWindow() time.Duration    { return ms(w.GraceWindowMs) }
func (w WatchdogConfig) PendingStale() time.Duration   { return ms(w.PendingStaleMs) }
func (w WatchdogConfig) ZombieCooldown() time.Duration { return ms(w.ZombieCooldownMs) }
func (w WatchdogConfig) CleanStartDelay() time.Duration {
	return ms(w.CleanStartDelayMs)
}
func (w WatchdogConfig) PlacementTimeout() time.Duration { return ms(w.PlacementTimeoutMs) }

// RetryConfig 网关调用的重试与限流参数
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs    int     `json:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
	CallTimeoutMs  int     `json:"call_timeout_ms" yaml:"call_timeout_ms"`
	RequestsPerSec float64 `json:"requests_per_sec" yaml:"requests_per_sec"`
	PageSize       int     `json:"page_size" yaml:"page_size"`
}

func (r RetryConfig) BaseDelay() time.Duration   { return ms(r.BaseDelayMs) }
func (r RetryConfig) MaxDelay() time.Duration    { return ms(r.MaxDelayMs) }
func (r RetryConfig) CallTimeout() time.Duration { return ms(r.CallTimeoutMs) }

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
