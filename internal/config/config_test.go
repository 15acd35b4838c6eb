// Package config 配置模块测试
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// **Feature: cross-exchange-arbitrage, Property 20: Config Validation Correctness**

// TestConfigValidation_FeeRateRange 测试手续费率范围验证
// 属性: 费率在 [0, 1] 范围外应验证失败
func TestConfigValidation_FeeRateRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("费率小于0应验证失败", prop.ForAll(
		func(rate float64) bool {
			cfg := createValidConfig()
			cfg.Fees.Upbit.TakerRate = rate
			return cfg.Validate() != nil
		},
		gen.Float64Range(-1000, -0.0001),
	))

	properties.Property("费率大于1应验证失败", prop.ForAll(
		func(rate float64) bool {
			cfg := createValidConfig()
			cfg.Fees.Binance.RebateRate = rate
			return cfg.Validate() != nil
		},
		gen.Float64Range(1.0001, 1000),
	))

	properties.Property("费率在有效范围内应通过验证", prop.ForAll(
		func(rate float64) bool {
			cfg := createValidConfig()
			cfg.Fees.Binance.TakerRate = rate
			cfg.Fees.Upbit.TakerRate = rate
			cfg.Fees.Upbit.RebateRate = rate
			return cfg.Validate() == nil
		},
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestConfigValidation_DetectorParams 测试检测参数验证
// 属性: 汇率必须为正数，滑点必须在 [0, 1) 之间
func TestConfigValidation_DetectorParams(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("汇率非正数应验证失败", prop.ForAll(
		func(rate float64) bool {
			cfg := createValidConfig()
			cfg.Detector.ExchangeRate = rate
			return cfg.Validate() != nil
		},
		gen.Float64Range(-10000, 0),
	))

	properties.Property("滑点超出范围应验证失败", prop.ForAll(
		func(slip float64) bool {
			cfg := createValidConfig()
			cfg.Detector.MaxSlippage = slip
			return cfg.Validate() != nil
		},
		gen.Float64Range(1, 100),
	))

	properties.Property("正数汇率与合法滑点应通过验证", prop.ForAll(
		func(rate, slip float64) bool {
			cfg := createValidConfig()
			cfg.Detector.ExchangeRate = rate
			cfg.Detector.MaxSlippage = slip
			return cfg.Validate() == nil
		},
		gen.Float64Range(0.0001, 100000),
		gen.Float64Range(0, 0.99),
	))

	properties.TestingRun(t)
}

// TestConfigValidation_ExecutionMode 测试执行模式验证
func TestConfigValidation_ExecutionMode(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"paper 模式", func(c *Config) { c.Execution.Mode = "paper" }, ""},
		{"live 缺少网关", func(c *Config) { c.Execution.Mode = "live" }, "execution.gateway"},
		{"live 配置网关", func(c *Config) {
			c.Execution.Mode = "live"
			c.Execution.Gateway.Binance = "http://gw-binance"
			c.Execution.Gateway.Upbit = "http://gw-upbit"
		}, ""},
		{"未知模式", func(c *Config) { c.Execution.Mode = "dry" }, "execution.mode"},
		{"redis 缺少地址", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
		{"advisory 缺少地址", func(c *Config) { c.Advisory.Enabled = true }, "advisory.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("不应返回错误: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("错误应包含 %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// TestConfigValidation_AggregatesErrors 测试多个错误一次返回
func TestConfigValidation_AggregatesErrors(t *testing.T) {
	cfg := createValidConfig()
	cfg.Market.Base = ""
	cfg.WS.Upbit.URL = ""
	cfg.App.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("应返回错误")
	}
	for _, field := range []string{"market.base", "ws.upbit.url", "app.log_level"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("错误信息缺少 %s: %v", field, err)
		}
	}
}

// createValidConfig 创建一个有效的配置用于测试
func createValidConfig() *Config {
	cfg := &Config{
		App:    AppConfig{Name: "test", LogLevel: "info"},
		Market: MarketConfig{Base: "BTC"},
		Metadata: MetadataConfig{
			Binance: "https://api.binance.com/api/v3/exchangeInfo",
			Upbit:   "https://api.upbit.com/v1/market/all",
		},
		WS: WSConfig{
			Binance: ExchangeWSConfig{URL: "wss://stream.binance.com:9443/ws"},
			Upbit:   ExchangeWSConfig{URL: "wss://api.upbit.com/websocket/v1"},
		},
		Fees: FeesConfig{
			Binance: FeeDetail{TakerRate: 0.001},
			Upbit:   FeeDetail{TakerRate: 0.0005},
		},
		Detector: DetectorConfig{
			MinProfitUSD:     10,
			MinProfitPercent: 0.5,
			MaxSlippage:      0.001,
			ExchangeRate:     1400,
		},
	}
	cfg.setDefaults()
	return cfg
}

// TestLoad_ValidFile 测试加载有效配置文件
func TestLoad_ValidFile(t *testing.T) {
	t.Setenv("ARB_ADVISORY_KEY", "secret-key")

	content := `
app:
  name: "arb-test"
  log_level: "debug"
market:
  base: "BTC"
metadata:
  binance: "https://api.binance.com/api/v3/exchangeInfo"
  upbit: "https://api.upbit.com/v1/market/all"
ws:
  binance:
    url: "wss://stream.binance.com:9443/ws"
  upbit:
    url: "wss://api.upbit.com/websocket/v1"
fees:
  binance:
    taker_rate: 0.001
  upbit:
    taker_rate: 0.0005
detector:
  min_profit_usd: 10
  min_profit_percent: 0.5
  max_slippage: 0.001
  exchange_rate: 1400
advisory:
  enabled: true
  url: "http://localhost:9000/assess"
  api_key: "${ARB_ADVISORY_KEY}"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.App.Name != "arb-test" {
		t.Errorf("App.Name = %s, want arb-test", cfg.App.Name)
	}
	if cfg.Advisory.APIKey != "secret-key" {
		t.Errorf("Advisory.APIKey = %q, want 环境变量展开值", cfg.Advisory.APIKey)
	}
	if cfg.Execution.Mode != "paper" {
		t.Errorf("Execution.Mode 默认值 = %s, want paper", cfg.Execution.Mode)
	}
	if cfg.Execution.MaxConcurrent != 10 {
		t.Errorf("Execution.MaxConcurrent 默认值 = %d, want 10", cfg.Execution.MaxConcurrent)
	}
	if cfg.WS.Binance.ReconnectBaseMs != 5000 || cfg.WS.Binance.ReconnectMaxMs != 5000 {
		t.Errorf("默认重连退避应固定 5s, got base=%d max=%d", cfg.WS.Binance.ReconnectBaseMs, cfg.WS.Binance.ReconnectMaxMs)
	}
	if cfg.Risk.MaxRiskScore != 0.7 || cfg.Risk.TopN != 3 {
		t.Errorf("Risk 默认值错误: %+v", cfg.Risk)
	}
	if cfg.Detector.TickMs != 500 {
		t.Errorf("Detector.TickMs = %d, want 500", cfg.Detector.TickMs)
	}
}

// TestLoad_EnvFile 测试通过 .env 注入密钥
func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("ARB_TEST_REDIS_PASSWORD=from-dotenv\n"), 0644); err != nil {
		t.Fatalf("创建 env 文件失败: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("ARB_TEST_REDIS_PASSWORD") })

	content := `
app:
  env_file: "` + envFile + `"
market:
  base: "BTC"
metadata:
  skip: true
ws:
  binance:
    url: "wss://a"
  upbit:
    url: "wss://b"
detector:
  exchange_rate: 1400
redis:
  enabled: true
  addr: "localhost:6379"
  password: "${ARB_TEST_REDIS_PASSWORD}"
`
	cfg, err := Parse([]byte(content))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Redis.Password != "from-dotenv" {
		t.Errorf("Redis.Password = %q, want from-dotenv", cfg.Redis.Password)
	}
}

// TestLoad_InvalidFile 测试加载无效文件
func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("加载不存在的文件应返回错误")
	}
}

// TestLoad_InvalidYAML 测试加载无效 YAML
func TestLoad_InvalidYAML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "invalid.yaml")
	if err := os.WriteFile(tmpFile, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	_, err := Load(tmpFile)
	if err == nil {
		t.Error("加载无效 YAML 应返回错误")
	}
}

// TestEffectiveFee 测试有效手续费计算
func TestEffectiveFee(t *testing.T) {
	fee := FeeDetail{
		TakerRate:  0.0004,
		RebateRate: 0.25, // 25% 返佣
	}

	// 有效 Taker 费率 = 0.0004 * (1 - 0.25) = 0.0003
	want := decimal.RequireFromString("0.0003")
	if got := fee.EffectiveTakerFee(); !got.Equal(want) {
		t.Errorf("EffectiveTakerFee() = %s, want %s", got, want)
	}
}
