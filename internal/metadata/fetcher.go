package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher 元数据获取器接口
type Fetcher interface {
	// FetchBinance 获取 Binance 现货交易对
	FetchBinance(ctx context.Context, url string) ([]BinanceSymbol, error)
	// FetchUpbit 获取 Upbit 市场列表
	FetchUpbit(ctx context.Context, url string) ([]UpbitMarket, error)
}

// HTTPFetcher HTTP 元数据获取器
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher 创建 HTTP 元数据获取器
// 参数 timeoutMs: HTTP 请求超时时间（毫秒）
func NewHTTPFetcher(timeoutMs int) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
		},
	}
}

// FetchBinance 获取 Binance 现货交易对
// 参数 url: exchangeInfo 地址，可附带 ?symbol=BTCUSDT
func (f *HTTPFetcher) FetchBinance(ctx context.Context, url string) ([]BinanceSymbol, error) {
	body, err := f.doRequest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("请求 Binance 元数据失败: %w", err)
	}

	var resp BinanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析 Binance 元数据失败: %w", err)
	}
	return resp.Symbols, nil
}

// FetchUpbit 获取 Upbit 市场列表
func (f *HTTPFetcher) FetchUpbit(ctx context.Context, url string) ([]UpbitMarket, error) {
	body, err := f.doRequest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("请求 Upbit 元数据失败: %w", err)
	}

	var markets []UpbitMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return nil, fmt.Errorf("解析 Upbit 元数据失败: %w", err)
	}
	return markets, nil
}

func (f *HTTPFetcher) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("User-Agent", "cross-exchange-arbitrage/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP 状态码错误: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	return body, nil
}
