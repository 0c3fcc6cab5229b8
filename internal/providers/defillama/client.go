package defillama

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	GoldCoinKey = "coingecko:tether-gold"
	// FallbackGoldUSD is used when the coins API cannot be reached.
	FallbackGoldUSD = 2650.0

	SourceLive     = "defillama"
	SourceFallback = "static"
)

// llama uses its own chain names in coin keys.
var llamaChains = map[int64]string{
	1:     "ethereum",
	10:    "optimism",
	56:    "bsc",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
	43114: "avax",
}

var nativeCoins = map[string]string{
	"ETH":  "coingecko:ethereum",
	"POL":  "coingecko:matic-network",
	"BNB":  "coingecko:binancecoin",
	"AVAX": "coingecko:avalanche-2",
}

type Client struct {
	http      *httpx.Client
	coinsBase string
	log       *slog.Logger
	now       func() time.Time
}

func New(httpClient *httpx.Client, log *slog.Logger) *Client {
	return &Client{
		http:      httpClient,
		coinsBase: registry.DefiLlamaCoinsURL,
		log:       logging.OrDiscard(log),
		now:       time.Now,
	}
}

// WithBaseURL points the client at a different coins API host.
func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.coinsBase = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "defillama",
		Type:         "prices",
		RequiresKey:  false,
		Capabilities: []string{"prices.current", "prices.gold"},
	}
}

type pricesResponse struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Timestamp  int64   `json:"timestamp"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

// CoinKey returns the coins API key for a token on a chain.
func CoinKey(chainID int64, token id.Token) (string, bool) {
	if id.IsZeroAddress(token.Address) {
		key, ok := nativeCoins[strings.ToUpper(token.Symbol)]
		return key, ok
	}
	chain, ok := llamaChains[chainID]
	if !ok {
		return "", false
	}
	return chain + ":" + strings.ToLower(token.Address), true
}

// Prices fetches current USD prices for coin keys. Keys the API does not
// know are absent from the result.
func (c *Client) Prices(ctx context.Context, keys []string) (map[string]float64, error) {
	uniq := make([]string, 0, len(keys))
	seen := map[string]struct{}{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	if len(uniq) == 0 {
		return map[string]float64{}, nil
	}
	sort.Strings(uniq)

	var resp pricesResponse
	url := c.coinsBase + "/prices/current/" + strings.Join(uniq, ",")
	if _, err := httpx.GetJSON(ctx, c.http, url, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Coins))
	for k, v := range resp.Coins {
		if v.Price > 0 {
			out[k] = v.Price
		}
	}
	return out, nil
}

// GoldSpot is a USD price for one troy ounce of tokenized gold.
type GoldSpot struct {
	PriceUSD float64
	Source   string
	AsOf     time.Time
}

// GoldSpotPrice never fails: upstream trouble falls back to a static price.
func (c *Client) GoldSpotPrice(ctx context.Context) GoldSpot {
	prices, err := c.Prices(ctx, []string{GoldCoinKey})
	if err == nil {
		if p, ok := prices[GoldCoinKey]; ok {
			return GoldSpot{PriceUSD: p, Source: SourceLive, AsOf: c.now().UTC()}
		}
		err = clierr.New(clierr.CodeUnavailable, "gold price missing from response")
	}
	c.log.Warn("gold spot price unavailable, using fallback", "error", err)
	return GoldSpot{PriceUSD: FallbackGoldUSD, Source: SourceFallback, AsOf: c.now().UTC()}
}
