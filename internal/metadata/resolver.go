package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"cross-exchange-arbitrage/internal/config"
)

// ErrNotListed 交易所未上架该标的
var ErrNotListed = errors.New("metadata: market not listed")

// Resolve 把配置的基础资产解析为双边交易标识
// Binance 取 <BASE><QUOTE> 且状态为 TRADING；Upbit 取 <QUOTE>-<BASE>。
// 参数 ctx: 上下文
// 参数 cfg: 配置
// 参数 f: 元数据获取器
func Resolve(ctx context.Context, cfg *config.Config, f Fetcher) (*Market, error) {
	m := Static(cfg)

	binanceSyms, err := f.FetchBinance(ctx, cfg.Metadata.Binance)
	if err != nil {
		return nil, fmt.Errorf("获取 Binance 元数据失败: %w", err)
	}
	sym, ok := lo.Find(binanceSyms, func(s BinanceSymbol) bool {
		return strings.EqualFold(s.Symbol, m.BinanceSymbol)
	})
	if !ok || !sym.IsTrading() {
		return nil, fmt.Errorf("binance %s: %w", m.BinanceSymbol, ErrNotListed)
	}
	m.BinanceMinQty, m.BinanceStepSize = sym.LotSize()

	upbitMarkets, err := f.FetchUpbit(ctx, cfg.Metadata.Upbit)
	if err != nil {
		return nil, fmt.Errorf("获取 Upbit 元数据失败: %w", err)
	}
	um, ok := lo.Find(upbitMarkets, func(u UpbitMarket) bool {
		return strings.EqualFold(u.Market, m.UpbitMarket)
	})
	if !ok {
		return nil, fmt.Errorf("upbit %s: %w", m.UpbitMarket, ErrNotListed)
	}
	m.UpbitWarning = um.MarketWarning != "" && um.MarketWarning != "NONE"

	return m, nil
}

// Static 不访问网络，仅按命名规则构造交易标识（metadata.skip 时使用）
func Static(cfg *config.Config) *Market {
	base := normalizeAsset(cfg.Market.Base)
	return &Market{
		Base:          base,
		BinanceSymbol: base + normalizeAsset(cfg.Market.BinanceQuote),
		UpbitMarket:   normalizeAsset(cfg.Market.UpbitQuote) + "-" + base,
	}
}

// normalizeAsset 资产代码标准化：去空白、转大写
func normalizeAsset(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
