package tools

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

// MarketPrice is the output of the market price tool.
type MarketPrice struct {
	Asset            string  `json:"asset"`
	PriceUSD         float64 `json:"price_usd"`
	Change24hPercent float64 `json:"change_24h_percent"`
	Volume24hUSD     float64 `json:"volume_24h_usd"`
	Volatility       string  `json:"volatility"`
}

// Sentiment is the output of the internal sentiment tool.
type Sentiment struct {
	Asset           string  `json:"asset"`
	SentimentScore  float64 `json:"sentiment_score"`
	RiskLevel       string  `json:"risk_level"`
	SocialSentiment float64 `json:"social_sentiment"`
	NewsSentiment   float64 `json:"news_sentiment"`
	MarketOutlook   string  `json:"market_outlook"`
	Confidence      float64 `json:"confidence"`
}

type basePrice struct {
	price      float64
	volatility string
}

var mockPrices = map[string]basePrice{
	"BTC":  {45000, "high"},
	"ETH":  {2500, "medium"},
	"USDT": {1, "low"},
	"SOL":  {100, "high"},
}

var defaultBasePrice = basePrice{1000, "medium"}

// MockOptions configures the mock tools.
type MockOptions struct {
	// Seed makes jitter reproducible; zero picks a random seed.
	Seed uint64
	// FixedPrice pins price_usd when non-nil.
	FixedPrice *float64
	// FixedSentiment pins sentiment_score when non-nil.
	FixedSentiment *float64
}

// FixedPrice returns a pointer for MockOptions.FixedPrice.
func FixedPrice(p float64) *float64 { return &p }

// FixedSentiment returns a pointer for MockOptions.FixedSentiment.
func FixedSentiment(s float64) *float64 { return &s }

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand(seed uint64) *lockedRand {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) uniform(lo, hi float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo + l.r.Float64()*(hi-lo)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MarketPriceTool returns mock market data with ±5% price jitter.
type MarketPriceTool struct {
	rng   *lockedRand
	fixed *float64
}

// NewMarketPriceTool creates a mock market price tool.
func NewMarketPriceTool(opts MockOptions) *MarketPriceTool {
	return &MarketPriceTool{rng: newLockedRand(opts.Seed), fixed: opts.FixedPrice}
}

func (t *MarketPriceTool) Name() string       { return MarketPriceName }
func (t *MarketPriceTool) Dependency() string { return "market_data" }

func (t *MarketPriceTool) Description() string {
	return "Get the current market price for a cryptocurrency asset. " +
		"Returns price, 24h change, volume, and volatility metrics."
}

func (t *MarketPriceTool) Invoke(ctx context.Context, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Tool: MarketPriceName, Kind: KindTimeout, Err: err}
	}
	asset := strings.ToUpper(params.Asset)
	base, ok := mockPrices[asset]
	if !ok {
		base = defaultBasePrice
	}

	price := base.price + t.rng.uniform(-base.price*0.05, base.price*0.05)
	if t.fixed != nil {
		price = *t.fixed
	}
	return JSONResult(MarketPriceName, MarketPrice{
		Asset:            asset,
		PriceUSD:         round2(price),
		Change24hPercent: round2(t.rng.uniform(-15, 15)),
		Volume24hUSD:     round2(t.rng.uniform(1_000_000, 50_000_000)),
		Volatility:       base.volatility,
	})
}

// SentimentTool returns mock internal sentiment indicators.
type SentimentTool struct {
	rng   *lockedRand
	fixed *float64
}

// NewSentimentTool creates a mock sentiment tool.
func NewSentimentTool(opts MockOptions) *SentimentTool {
	return &SentimentTool{rng: newLockedRand(opts.Seed), fixed: opts.FixedSentiment}
}

func (t *SentimentTool) Name() string       { return InternalSentimentName }
func (t *SentimentTool) Dependency() string { return "internal_sentiment" }

func (t *SentimentTool) Description() string {
	return "Get internal sentiment analysis and risk indicators for a cryptocurrency asset. " +
		"Returns sentiment score, risk indicators, and market outlook."
}

func (t *SentimentTool) Invoke(ctx context.Context, params Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Tool: InternalSentimentName, Kind: KindTimeout, Err: err}
	}
	score := t.rng.uniform(0.3, 0.9)
	if t.fixed != nil {
		score = *t.fixed
	}
	score = round2(score)

	risk, outlook := "Low", "bullish"
	switch {
	case score < 0.4:
		risk, outlook = "High", "bearish"
	case score < 0.6:
		risk, outlook = "Medium", "neutral"
	}
	return JSONResult(InternalSentimentName, Sentiment{
		Asset:           strings.ToUpper(params.Asset),
		SentimentScore:  score,
		RiskLevel:       risk,
		SocialSentiment: round2(t.rng.uniform(0.4, 0.95)),
		NewsSentiment:   round2(t.rng.uniform(0.3, 0.9)),
		MarketOutlook:   outlook,
		Confidence:      round2(t.rng.uniform(0.7, 0.95)),
	})
}

// MockSet returns the default mock capabilities in invocation order.
func MockSet(opts MockOptions) []Capability {
	return []Capability{NewMarketPriceTool(opts), NewSentimentTool(opts)}
}
