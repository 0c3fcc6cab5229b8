package x402

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
)

const (
	ProviderName  = "x402"
	RouteID       = "x402-pay"
	PaymentHeader = "X-Payment"
	ProofHeader   = "X-Payment-Proof"
	DefaultHost   = "localhost:3000"

	maxBodyBytes = 1 << 20
)

// DemoPayment is what the bundled demo paywall charges.
var DemoPayment = model.PaymentDescriptor{
	Amount:    "0.50",
	Token:     "USDC",
	Chain:     "base",
	Recipient: "0x742d35Cc6634C0532925a3b844Bc9e7595f2bD1e",
}

type Client struct {
	http *httpx.Client
	log  *slog.Logger
}

func New(httpClient *httpx.Client, log *slog.Logger) *Client {
	return &Client{http: httpClient, log: logging.OrDiscard(log)}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "x402",
		Type:         "paywall",
		RequiresKey:  false,
		Capabilities: []string{"paywall.probe"},
	}
}

type requirement struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
}

type paywallBody struct {
	Payment *model.PaymentDescriptor `json:"payment"`
	Accepts []requirement            `json:"accepts"`
}

// Probe fetches rawURL and returns the payment descriptor when the resource
// answers 402. Any other status yields nil without error.
func (c *Client) Probe(ctx context.Context, rawURL string) (*model.PaymentDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "build paywall probe request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Raw().Do(req)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "probe paywall", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		c.log.Debug("no paywall", "url", rawURL, "status", resp.StatusCode)
		return nil, nil
	}

	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var body paywallBody
	if err := json.Unmarshal(buf, &body); err == nil {
		if body.Payment != nil && complete(*body.Payment) {
			return body.Payment, nil
		}
	}
	if raw := strings.TrimSpace(resp.Header.Get(PaymentHeader)); raw != "" {
		var desc model.PaymentDescriptor
		if err := json.Unmarshal([]byte(raw), &desc); err == nil && complete(desc) {
			return &desc, nil
		}
	}
	if len(body.Accepts) > 0 {
		if desc, ok := fromRequirement(body.Accepts[0]); ok {
			return &desc, nil
		}
	}
	c.log.Debug("402 without a readable payment descriptor", "url", rawURL)
	return nil, nil
}

func complete(d model.PaymentDescriptor) bool {
	return d.Amount != "" && d.Token != "" && d.Recipient != ""
}

// fromRequirement maps an x402 "accepts" entry. Amounts are base units, so
// they are scaled when the asset is a registry token.
func fromRequirement(r requirement) (model.PaymentDescriptor, bool) {
	if r.MaxAmountRequired == "" || r.PayTo == "" {
		return model.PaymentDescriptor{}, false
	}
	desc := model.PaymentDescriptor{
		Amount:    r.MaxAmountRequired,
		Token:     r.Asset,
		Chain:     r.Network,
		Recipient: r.PayTo,
	}
	chain, err := id.ParseChain(r.Network)
	if err != nil {
		return desc, true
	}
	desc.Chain = chain.Slug
	if token, ok := id.LookupByAddress(chain.EVMChainID, r.Asset); ok {
		desc.Token = token.Symbol
		desc.Amount = id.FormatDecimal(r.MaxAmountRequired, token.Decimals)
	}
	return desc, true
}

// ResolveURL turns a path relative to the serving host into an absolute URL.
func ResolveURL(raw, host, proto string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.IsAbs() {
		return raw
	}
	if host == "" {
		host = DefaultHost
	}
	if proto == "" {
		proto = "http"
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return proto + "://" + host + raw
}

// Route presents a detected paywall as the single payable route.
func Route(d model.PaymentDescriptor) model.RouteOption {
	return model.RouteOption{
		ID:            RouteID,
		Path:          "Pay " + d.Amount + " " + d.Token + " on " + d.Chain,
		Fee:           d.Amount + " " + d.Token,
		EstimatedTime: "~10s",
		Provider:      ProviderName,
		RouteType:     model.RouteTypeStandard,
	}
}
