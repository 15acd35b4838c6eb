// Package config 负责加载和验证 YAML 配置文件。
// 提供套利引擎所需的所有配置项，包括行情连接、检测阈值、风控、执行与存储设置。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config 应用配置根结构
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Market 交易标的配置
	Market MarketConfig `yaml:"market"`
	// Metadata 元数据 API 配置
	Metadata MetadataConfig `yaml:"metadata"`
	// WS WebSocket 连接配置
	WS WSConfig `yaml:"ws"`
	// Fees 手续费配置
	Fees FeesConfig `yaml:"fees"`
	// Detector 机会检测配置
	Detector DetectorConfig `yaml:"detector"`
	// Risk 风控配置
	Risk RiskConfig `yaml:"risk"`
	// Advisory 外部决策服务配置
	Advisory AdvisoryConfig `yaml:"advisory"`
	// Execution 执行配置
	Execution ExecutionConfig `yaml:"execution"`
	// Monitor 监控告警配置
	Monitor MonitorConfig `yaml:"monitor"`
	// Redis 持久化缓存配置
	Redis RedisConfig `yaml:"redis"`
	// Output JSONL 输出配置
	Output OutputConfig `yaml:"output"`
	// API HTTP 接口配置
	API APIConfig `yaml:"api"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
	// EnvFile 可选 .env 文件路径（用于注入密钥）
	EnvFile string `yaml:"env_file"`
}

// MarketConfig 交易标的
type MarketConfig struct {
	// Base 基础资产，如 BTC
	Base string `yaml:"base"`
	// BinanceQuote Binance 计价货币，默认 USDT
	BinanceQuote string `yaml:"binance_quote"`
	// UpbitQuote Upbit 计价货币，默认 KRW
	UpbitQuote string `yaml:"upbit_quote"`
}

// MetadataConfig 元数据 API 配置
type MetadataConfig struct {
	// Binance Binance 现货 exchangeInfo 地址
	Binance string `yaml:"binance"`
	// Upbit Upbit market/all 地址
	Upbit string `yaml:"upbit"`
	// TimeoutMs HTTP 请求超时时间（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
	// Skip 跳过元数据校验（离线/测试环境）
	Skip bool `yaml:"skip"`
}

// WSConfig WebSocket 连接配置
type WSConfig struct {
	Binance ExchangeWSConfig `yaml:"binance"`
	Upbit   ExchangeWSConfig `yaml:"upbit"`
}

// ExchangeWSConfig 单个交易所的 WebSocket 配置
type ExchangeWSConfig struct {
	// URL WebSocket 连接地址
	URL string `yaml:"url"`
	// Depth 订阅深度档位
	Depth int `yaml:"depth"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// ReadTimeoutMs 读取超时（毫秒）
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// ReconnectBaseMs 重连基础等待（毫秒），与 ReconnectMaxMs 相等即固定退避
	ReconnectBaseMs int `yaml:"reconnect_base_ms"`
	// ReconnectMaxMs 重连最大等待（毫秒）
	ReconnectMaxMs int `yaml:"reconnect_max_ms"`
}

// FeesConfig 手续费配置
type FeesConfig struct {
	Binance FeeDetail `yaml:"binance"`
	Upbit   FeeDetail `yaml:"upbit"`
}

// FeeDetail 手续费详情
type FeeDetail struct {
	// TakerRate Taker 手续费率（0-1）
	TakerRate float64 `yaml:"taker_rate"`
	// RebateRate 返佣比例（0-1）
	RebateRate float64 `yaml:"rebate_rate"`
}

// EffectiveTakerFee 有效 Taker 费率（考虑返佣）
func (f FeeDetail) EffectiveTakerFee() decimal.Decimal {
	rate := decimal.NewFromFloat(f.TakerRate)
	return rate.Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(f.RebateRate)))
}

// DetectorConfig 机会检测配置
type DetectorConfig struct {
	// TickMs 评估周期（毫秒）
	TickMs int `yaml:"tick_ms"`
	// MinProfitUSD 单位净利润最小值（USD）
	MinProfitUSD float64 `yaml:"min_profit_usd"`
	// MinProfitPercent 净利润率最小值（%）
	MinProfitPercent float64 `yaml:"min_profit_percent"`
	// MaxSlippage 滑点缓冲比例（买入价 × 比例）
	MaxSlippage float64 `yaml:"max_slippage"`
	// MinLotSize 最小可交易数量
	MinLotSize float64 `yaml:"min_lot_size"`
	// ReferenceSize 流动性评分的参考数量
	ReferenceSize float64 `yaml:"reference_size"`
	// StableGapPercent 价差稳定性上限（%），价差率达到该值时稳定性评分为 0
	StableGapPercent float64 `yaml:"stable_gap_percent"`
	// ExchangeRate 初始汇率（Upbit 计价货币 / Binance 计价货币，如 KRW/USDT）
	ExchangeRate float64 `yaml:"exchange_rate"`
	// MaxBookAgeMs 快照最大允许年龄（毫秒），0 表示不检查
	MaxBookAgeMs int `yaml:"max_book_age_ms"`
}

// RiskConfig 风控配置
type RiskConfig struct {
	// MaxRiskScore 回退规则下允许执行的最大风险分（严格小于）
	MaxRiskScore float64 `yaml:"max_risk_score"`
	// MaxLatencyMs 当前往返时延上限（毫秒）
	MaxLatencyMs float64 `yaml:"max_latency_ms"`
	// MinLiquidityQty 流动性充足的最小可交易数量
	MinLiquidityQty float64 `yaml:"min_liquidity_qty"`
	// HedgeRiskThreshold 风险分超过该值时部分对冲
	HedgeRiskThreshold float64 `yaml:"hedge_risk_threshold"`
	// HedgeAmount 部分对冲比例
	HedgeAmount float64 `yaml:"hedge_amount"`
	// HistorySize 评估历史环形缓冲大小
	HistorySize int `yaml:"history_size"`
	// TopN 每个周期评估的机会数量
	TopN int `yaml:"top_n"`
}

// AdvisoryConfig 外部决策服务配置
type AdvisoryConfig struct {
	// Enabled 是否启用
	Enabled bool `yaml:"enabled"`
	// URL 决策服务地址
	URL string `yaml:"url"`
	// APIKey Bearer 令牌（建议通过 ${ENV} 注入）
	APIKey string `yaml:"api_key"`
	// Model 透传给服务的模型名称
	Model string `yaml:"model"`
	// MaxTokens 响应长度上限
	MaxTokens int `yaml:"max_tokens"`
	// TimeoutMs 严格超时（毫秒）
	TimeoutMs int `yaml:"timeout_ms"`
}

// ExecutionConfig 执行配置
type ExecutionConfig struct {
	// Mode paper 或 live
	Mode string `yaml:"mode"`
	// AutoExecute 评估通过后是否自动执行
	AutoExecute bool `yaml:"auto_execute"`
	// MaxConcurrent 并发执行上限
	MaxConcurrent int `yaml:"max_concurrent"`
	// OrderTimeoutMs 单腿下单超时（毫秒）
	OrderTimeoutMs int `yaml:"order_timeout_ms"`
	// PreflightBalance 下单前并发检查双边余额
	PreflightBalance bool `yaml:"preflight_balance"`
	// RollbackAttempts 回滚最大尝试次数
	RollbackAttempts int `yaml:"rollback_attempts"`
	// RollbackBackoffMs 回滚重试基础间隔（毫秒）
	RollbackBackoffMs int `yaml:"rollback_backoff_ms"`
	// RetentionMs 已完成执行记录保留时长（毫秒）
	RetentionMs int `yaml:"retention_ms"`
	// MaxOrderQty 单次执行数量上限
	MaxOrderQty float64 `yaml:"max_order_qty"`
	// Gateway 实盘下单网关
	Gateway GatewayConfig `yaml:"gateway"`
	// Paper 模拟成交参数（mode=paper）
	Paper PaperConfig `yaml:"paper"`
}

// PaperConfig 模拟成交配置
type PaperConfig struct {
	// SlippageBps 成交价相对盘口的额外滑点（基点）
	SlippageBps float64 `yaml:"slippage_bps"`
	// Balances 初始余额: 交易所 -> 资产 -> 数量
	Balances map[string]map[string]float64 `yaml:"balances"`
}

// GatewayConfig 外部下单网关（签名在网关侧完成）
type GatewayConfig struct {
	// Binance Binance 网关地址
	Binance string `yaml:"binance"`
	// Upbit Upbit 网关地址
	Upbit string `yaml:"upbit"`
	// Token 网关访问令牌
	Token string `yaml:"token"`
	// RateLimitPerSec 每秒请求上限
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
}

// MonitorConfig 监控告警配置
type MonitorConfig struct {
	// WindowSize 滚动窗口大小
	WindowSize int `yaml:"window_size"`
	// MaxErrors 连续错误告警阈值
	MaxErrors int `yaml:"max_errors"`
	// MaxLatencyMs 执行时延告警阈值（毫秒）
	MaxLatencyMs float64 `yaml:"max_latency_ms"`
}

// RedisConfig 持久化缓存配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// BookTTLMs 订单簿缓存 TTL（毫秒）
	BookTTLMs int `yaml:"book_ttl_ms"`
	// OpportunityTTLMs 最近机会列表 TTL（毫秒）
	OpportunityTTLMs int `yaml:"opportunity_ttl_ms"`
	// OpportunityCap 最近机会列表长度上限
	OpportunityCap int `yaml:"opportunity_cap"`
	// ExecutionTTLMs 执行记录 TTL（毫秒）
	ExecutionTTLMs int `yaml:"execution_ttl_ms"`
}

// OutputConfig JSONL 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// Enabled 是否输出 JSONL
	Enabled bool `yaml:"enabled"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
	// MetricsIntervalMs 指标快照写入间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
}

// APIConfig HTTP 接口配置
type APIConfig struct {
	// Addr 监听地址，为空则不启动
	Addr string `yaml:"addr"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析配置内容
// 先加载可选 .env，再展开 ${ENV}，最后解析 YAML、设置默认值并验证。
func Parse(data []byte) (*Config, error) {
	var probe struct {
		App AppConfig `yaml:"app"`
	}
	_ = yaml.Unmarshal(data, &probe)
	if probe.App.EnvFile != "" {
		if err := godotenv.Load(probe.App.EnvFile); err != nil {
			return nil, fmt.Errorf("加载 env 文件失败: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "cross-exchange-arbitrage"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Market.BinanceQuote == "" {
		c.Market.BinanceQuote = "USDT"
	}
	if c.Market.UpbitQuote == "" {
		c.Market.UpbitQuote = "KRW"
	}

	if c.Metadata.TimeoutMs == 0 {
		c.Metadata.TimeoutMs = 10000 // 10 秒
	}

	for _, ws := range []*ExchangeWSConfig{&c.WS.Binance, &c.WS.Upbit} {
		if ws.Depth == 0 {
			ws.Depth = 15
		}
		if ws.PingIntervalMs == 0 {
			ws.PingIntervalMs = 20000
		}
		if ws.ReadTimeoutMs == 0 {
			ws.ReadTimeoutMs = 30000
		}
		// 默认固定 5s 退避
		if ws.ReconnectBaseMs == 0 {
			ws.ReconnectBaseMs = 5000
		}
		if ws.ReconnectMaxMs == 0 {
			ws.ReconnectMaxMs = ws.ReconnectBaseMs
		}
	}

	if c.Detector.TickMs == 0 {
		c.Detector.TickMs = 500
	}
	if c.Detector.ReferenceSize == 0 {
		c.Detector.ReferenceSize = 1
	}
	if c.Detector.StableGapPercent == 0 {
		c.Detector.StableGapPercent = 5
	}

	if c.Risk.MaxRiskScore == 0 {
		c.Risk.MaxRiskScore = 0.7
	}
	if c.Risk.MaxLatencyMs == 0 {
		c.Risk.MaxLatencyMs = 100
	}
	if c.Risk.HedgeRiskThreshold == 0 {
		c.Risk.HedgeRiskThreshold = 0.5
	}
	if c.Risk.HedgeAmount == 0 {
		c.Risk.HedgeAmount = 0.5
	}
	if c.Risk.HistorySize == 0 {
		c.Risk.HistorySize = 1000
	}
	if c.Risk.TopN == 0 {
		c.Risk.TopN = 3
	}

	if c.Advisory.TimeoutMs == 0 {
		c.Advisory.TimeoutMs = 5000
	}
	if c.Advisory.MaxTokens == 0 {
		c.Advisory.MaxTokens = 500
	}

	if c.Execution.Mode == "" {
		c.Execution.Mode = "paper"
	}
	if c.Execution.MaxConcurrent == 0 {
		c.Execution.MaxConcurrent = 10
	}
	if c.Execution.OrderTimeoutMs == 0 {
		c.Execution.OrderTimeoutMs = 3000
	}
	if c.Execution.RollbackAttempts == 0 {
		c.Execution.RollbackAttempts = 3
	}
	if c.Execution.RollbackBackoffMs == 0 {
		c.Execution.RollbackBackoffMs = 200
	}
	if c.Execution.RetentionMs == 0 {
		c.Execution.RetentionMs = 300000 // 5 分钟
	}
	if c.Execution.Gateway.RateLimitPerSec == 0 {
		c.Execution.Gateway.RateLimitPerSec = 10
	}
	if c.Execution.Paper.Balances == nil {
		c.Execution.Paper.Balances = map[string]map[string]float64{
			"binance": {"USDT": 100000, "BTC": 1},
			"upbit":   {"KRW": 140000000, "BTC": 1},
		}
	}

	if c.Monitor.WindowSize == 0 {
		c.Monitor.WindowSize = 1000
	}
	if c.Monitor.MaxErrors == 0 {
		c.Monitor.MaxErrors = 5
	}
	if c.Monitor.MaxLatencyMs == 0 {
		c.Monitor.MaxLatencyMs = 1000
	}

	if c.Redis.BookTTLMs == 0 {
		c.Redis.BookTTLMs = 5000
	}
	if c.Redis.OpportunityTTLMs == 0 {
		c.Redis.OpportunityTTLMs = 3600000 // 1 小时
	}
	if c.Redis.OpportunityCap == 0 {
		c.Redis.OpportunityCap = 100
	}
	if c.Redis.ExecutionTTLMs == 0 {
		c.Redis.ExecutionTTLMs = 86400000 // 24 小时
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围，汇总全部错误后一次返回
func (c *Config) Validate() error {
	var errs []string

	if c.Market.Base == "" {
		errs = append(errs, "market.base: 基础资产不能为空")
	}

	if !c.Metadata.Skip {
		if c.Metadata.Binance == "" {
			errs = append(errs, "metadata.binance: Binance 元数据 API 地址不能为空")
		}
		if c.Metadata.Upbit == "" {
			errs = append(errs, "metadata.upbit: Upbit 元数据 API 地址不能为空")
		}
	}

	if c.WS.Binance.URL == "" {
		errs = append(errs, "ws.binance.url: Binance WebSocket 地址不能为空")
	}
	if c.WS.Upbit.URL == "" {
		errs = append(errs, "ws.upbit.url: Upbit WebSocket 地址不能为空")
	}
	for name, ws := range map[string]ExchangeWSConfig{"binance": c.WS.Binance, "upbit": c.WS.Upbit} {
		if ws.ReconnectMaxMs < ws.ReconnectBaseMs {
			errs = append(errs, fmt.Sprintf("ws.%s.reconnect_max_ms: 不能小于 reconnect_base_ms", name))
		}
	}

	for field, rate := range map[string]float64{
		"fees.binance.taker_rate":  c.Fees.Binance.TakerRate,
		"fees.binance.rebate_rate": c.Fees.Binance.RebateRate,
		"fees.upbit.taker_rate":    c.Fees.Upbit.TakerRate,
		"fees.upbit.rebate_rate":   c.Fees.Upbit.RebateRate,
	} {
		if err := validateFeeRate(rate, field); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Detector.TickMs <= 0 {
		errs = append(errs, "detector.tick_ms: 评估周期必须为正数")
	}
	if c.Detector.MinProfitUSD < 0 {
		errs = append(errs, "detector.min_profit_usd: 不能为负数")
	}
	if c.Detector.MinProfitPercent < 0 {
		errs = append(errs, "detector.min_profit_percent: 不能为负数")
	}
	if c.Detector.MaxSlippage < 0 || c.Detector.MaxSlippage >= 1 {
		errs = append(errs, "detector.max_slippage: 必须在 [0, 1) 之间")
	}
	if c.Detector.MinLotSize < 0 {
		errs = append(errs, "detector.min_lot_size: 不能为负数")
	}
	if c.Detector.ReferenceSize <= 0 {
		errs = append(errs, "detector.reference_size: 必须为正数")
	}
	if c.Detector.ExchangeRate <= 0 {
		errs = append(errs, "detector.exchange_rate: 汇率必须为正数")
	}

	if c.Risk.MaxRiskScore <= 0 || c.Risk.MaxRiskScore > 1 {
		errs = append(errs, "risk.max_risk_score: 必须在 (0, 1] 之间")
	}
	if c.Risk.HedgeAmount <= 0 || c.Risk.HedgeAmount > 1 {
		errs = append(errs, "risk.hedge_amount: 必须在 (0, 1] 之间")
	}
	if c.Advisory.Enabled && c.Advisory.URL == "" {
		errs = append(errs, "advisory.url: 启用外部决策时地址不能为空")
	}

	switch c.Execution.Mode {
	case "paper":
	case "live":
		if c.Execution.Gateway.Binance == "" || c.Execution.Gateway.Upbit == "" {
			errs = append(errs, "execution.gateway: live 模式必须配置双边网关地址")
		}
	default:
		errs = append(errs, fmt.Sprintf("execution.mode: 无效的模式 '%s'，有效值: paper, live", c.Execution.Mode))
	}
	if c.Execution.MaxConcurrent <= 0 {
		errs = append(errs, "execution.max_concurrent: 必须为正数")
	}
	if c.Execution.OrderTimeoutMs <= 0 {
		errs = append(errs, "execution.order_timeout_ms: 必须为正数")
	}
	if c.Execution.RollbackAttempts <= 0 {
		errs = append(errs, "execution.rollback_attempts: 必须为正数")
	}
	if c.Execution.Paper.SlippageBps < 0 {
		errs = append(errs, "execution.paper.slippage_bps: 不能为负数")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr: 启用 Redis 时地址不能为空")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateFeeRate 验证手续费率范围
func validateFeeRate(rate float64, field string) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("%s: 费率必须在 0-1 之间，当前值: %f", field, rate)
	}
	return nil
}

// Ms 毫秒整数转 time.Duration
func Ms(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
