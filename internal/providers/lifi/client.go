package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggonzalez94/payagent/internal/cache"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	ProviderName    = "LI.FI"
	DefaultSlippage = 0.005
)

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

func WithIntegrator(name string) Option {
	return func(c *Client) { c.integrator = strings.TrimSpace(name) }
}

func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(base, "/") }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = logging.OrDiscard(log) }
}

type Client struct {
	http       *httpx.Client
	baseURL    string
	apiKey     string
	integrator string
	cache      *cache.Store
	log        *slog.Logger
}

func New(httpClient *httpx.Client, routes *cache.Store, opts ...Option) *Client {
	c := &Client{
		http:    httpClient,
		baseURL: registry.LiFiBaseURL,
		cache:   routes,
		log:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "lifi",
		Type:        "cross-chain",
		RequiresKey: false,
		Capabilities: []string{
			"routes.advanced",
			"quote",
			"quote.contract-calls",
		},
	}
}

func (c *Client) headers() map[string]string {
	return map[string]string{"x-lifi-api-key": c.apiKey}
}

type estimate struct {
	ToAmount        string `json:"toAmount"`
	ToAmountMin     string `json:"toAmountMin"`
	ApprovalAddress string `json:"approvalAddress"`
	FeeCosts        []struct {
		AmountUSD string `json:"amountUSD"`
	} `json:"feeCosts"`
	GasCosts []struct {
		AmountUSD string `json:"amountUSD"`
	} `json:"gasCosts"`
	ExecutionDuration float64 `json:"executionDuration"`
}

func (e estimate) feeUSD() float64 {
	total := 0.0
	for _, item := range e.FeeCosts {
		v, _ := strconv.ParseFloat(item.AmountUSD, 64)
		total += v
	}
	return total
}

func (e estimate) gasUSD() float64 {
	total := 0.0
	for _, item := range e.GasCosts {
		v, _ := strconv.ParseFloat(item.AmountUSD, 64)
		total += v
	}
	return total
}

type toolDetails struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type step struct {
	Type        string      `json:"type"`
	Tool        string      `json:"tool"`
	ToolDetails toolDetails `json:"toolDetails"`
	Estimate    estimate    `json:"estimate"`
}

func (s step) label() string {
	return firstNonEmpty(s.ToolDetails.Name, s.Tool, s.Type)
}

type routesRequest struct {
	FromChainID      int64         `json:"fromChainId"`
	ToChainID        int64         `json:"toChainId"`
	FromTokenAddress string        `json:"fromTokenAddress"`
	ToTokenAddress   string        `json:"toTokenAddress"`
	FromAmount       string        `json:"fromAmount"`
	FromAddress      string        `json:"fromAddress,omitempty"`
	ToAddress        string        `json:"toAddress,omitempty"`
	Options          routesOptions `json:"options"`
}

type routesOptions struct {
	Slippage   float64 `json:"slippage"`
	Integrator string  `json:"integrator,omitempty"`
	Order      string  `json:"order"`
}

type routesResponse struct {
	Routes []struct {
		ID         string `json:"id"`
		GasCostUSD string `json:"gasCostUSD"`
		Steps      []step `json:"steps"`
	} `json:"routes"`
}

// FindRoutes lists LI.FI advanced routes for a transfer or swap. Inputs that
// do not map to a known chain or token produce no routes.
func (c *Client) FindRoutes(ctx context.Context, q providers.RouteQuery) ([]model.RouteOption, error) {
	fromChain, toChain, fromToken, toToken, ok := c.resolvePair(q)
	if !ok {
		return nil, nil
	}
	amount, err := id.ToBaseUnits(q.Amount, fromToken.Decimals)
	if err != nil {
		c.log.Warn("lifi skipped: invalid amount", "amount", q.Amount, "error", err)
		return nil, nil
	}
	slippage := q.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	recipient := q.Recipient
	if !id.IsAddress(recipient) {
		recipient = q.FromAddress
	}

	key := cache.Key("lifi", fromChain.EVMChainID, toChain.EVMChainID, fromToken.Address, toToken.Address, amount, q.FromAddress, recipient, slippage)
	if c.cache != nil {
		if hit, ok := c.cache.Get(key); ok {
			if routes, ok := hit.([]model.RouteOption); ok {
				return cloneRoutes(routes), nil
			}
		}
	}

	body, err := json.Marshal(routesRequest{
		FromChainID:      fromChain.EVMChainID,
		ToChainID:        toChain.EVMChainID,
		FromTokenAddress: fromToken.Address,
		ToTokenAddress:   toToken.Address,
		FromAmount:       amount,
		FromAddress:      q.FromAddress,
		ToAddress:        recipient,
		Options: routesOptions{
			Slippage:   slippage,
			Integrator: c.integrator,
			Order:      "CHEAPEST",
		},
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode lifi routes request", err)
	}
	var resp routesResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, "POST", c.baseURL+"/advanced/routes", body, c.headers(), &resp); err != nil {
		return nil, err
	}

	out := make([]model.RouteOption, 0, len(resp.Routes))
	for i, r := range resp.Routes {
		totalUSD := 0.0
		var duration float64
		tools := make([]string, 0, len(r.Steps))
		for _, s := range r.Steps {
			totalUSD += s.Estimate.feeUSD() + s.Estimate.gasUSD()
			duration += s.Estimate.ExecutionDuration
			tools = append(tools, s.label())
		}
		path := fmt.Sprintf("%s %s -> %s %s", fromChain.Name, fromToken.Symbol, toChain.Name, toToken.Symbol)
		if len(tools) > 0 {
			path += " via " + strings.Join(tools, " + ")
		}
		out = append(out, model.RouteOption{
			ID:            fmt.Sprintf("lifi-%d", i),
			Path:          path,
			Fee:           providers.FormatUSD(totalUSD),
			EstimatedTime: providers.FormatMinutes(int64(duration)),
			Provider:      ProviderName,
			RouteType:     model.RouteTypeStandard,
		})
	}
	if c.cache != nil {
		c.cache.Put(key, cloneRoutes(out))
	}
	return out, nil
}

func (c *Client) resolvePair(q providers.RouteQuery) (id.Chain, id.Chain, id.Token, id.Token, bool) {
	fromChain, err := id.ParseChain(firstNonEmpty(q.FromChain, id.DefaultChainSlug))
	if err != nil {
		c.log.Warn("lifi skipped: unknown source chain", "chain", q.FromChain)
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, false
	}
	toChain, err := id.ParseChain(firstNonEmpty(q.ToChain, fromChain.Slug))
	if err != nil {
		c.log.Warn("lifi skipped: unknown destination chain", "chain", q.ToChain)
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, false
	}
	fromToken, err := id.ResolveToken(fromChain, q.FromToken)
	if err != nil {
		c.log.Warn("lifi skipped: unknown source token", "token", q.FromToken, "chain", fromChain.Slug)
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, false
	}
	toToken, err := id.ResolveToken(toChain, firstNonEmpty(q.ToToken, q.FromToken))
	if err != nil {
		c.log.Warn("lifi skipped: unknown destination token", "token", q.ToToken, "chain", toChain.Slug)
		return id.Chain{}, id.Chain{}, id.Token{}, id.Token{}, false
	}
	return fromChain, toChain, fromToken, toToken, true
}

// Quote is a single executable LI.FI step.
type Quote struct {
	Tool              string
	StepLabels        []string
	ApprovalAddress   string
	FromToken         id.Token
	FromAmount        string
	FeeUSD            float64
	GasUSD            float64
	ExecutionDuration int64
	Transaction       model.UnsignedTransaction
}

type quoteResponse struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Tool          string      `json:"tool"`
	ToolDetails   toolDetails `json:"toolDetails"`
	Estimate      estimate    `json:"estimate"`
	IncludedSteps []step      `json:"includedSteps"`
	Action        struct {
		FromAmount string `json:"fromAmount"`
	} `json:"action"`
	TransactionRequest struct {
		To       string `json:"to"`
		From     string `json:"from"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		ChainID  int64  `json:"chainId"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

type QuoteRequest struct {
	FromChain   id.Chain
	ToChain     id.Chain
	FromToken   id.Token
	ToToken     id.Token
	FromAmount  string
	FromAddress string
	ToAddress   string
	Slippage    float64
}

// Quote fetches an executable transfer or swap step from GET /quote.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	slippage := req.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("fromToken", req.FromToken.Address)
	vals.Set("toToken", req.ToToken.Address)
	vals.Set("fromAmount", req.FromAmount)
	vals.Set("fromAddress", req.FromAddress)
	vals.Set("toAddress", firstNonEmpty(req.ToAddress, req.FromAddress))
	vals.Set("slippage", formatSlippage(slippage))
	if c.integrator != "" {
		vals.Set("integrator", c.integrator)
	}

	var resp quoteResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/quote?"+vals.Encode(), c.headers(), &resp); err != nil {
		return Quote{}, err
	}
	q, err := c.toQuote(resp, req.FromChain)
	if err != nil {
		return Quote{}, err
	}
	q.FromToken = req.FromToken
	q.FromAmount = firstNonEmpty(resp.Action.FromAmount, req.FromAmount)
	return q, nil
}

// ContractCall is a destination-chain call LI.FI executes after bridging.
type ContractCall struct {
	FromAmount         string `json:"fromAmount"`
	FromTokenAddress   string `json:"fromTokenAddress"`
	ToContractAddress  string `json:"toContractAddress"`
	ToContractCallData string `json:"toContractCallData"`
	ToContractGasLimit string `json:"toContractGasLimit"`
}

type ContractCallsRequest struct {
	FromChain     id.Chain
	ToChain       id.Chain
	FromToken     id.Token
	ToToken       id.Token
	FromAddress   string
	ToAmount      string
	ContractCalls []ContractCall
	Slippage      float64
}

type contractCallsBody struct {
	FromChain     int64          `json:"fromChain"`
	FromToken     string         `json:"fromToken"`
	FromAddress   string         `json:"fromAddress"`
	ToChain       int64          `json:"toChain"`
	ToToken       string         `json:"toToken"`
	ToAmount      string         `json:"toAmount"`
	ContractCalls []ContractCall `json:"contractCalls"`
	Slippage      float64        `json:"slippage"`
	Integrator    string         `json:"integrator,omitempty"`
}

// ContractCallsQuote asks LI.FI to bridge into ToToken and then run the
// given destination calls.
func (c *Client) ContractCallsQuote(ctx context.Context, req ContractCallsRequest) (Quote, error) {
	slippage := req.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	body, err := json.Marshal(contractCallsBody{
		FromChain:     req.FromChain.EVMChainID,
		FromToken:     req.FromToken.Address,
		FromAddress:   req.FromAddress,
		ToChain:       req.ToChain.EVMChainID,
		ToToken:       req.ToToken.Address,
		ToAmount:      req.ToAmount,
		ContractCalls: req.ContractCalls,
		Slippage:      slippage,
		Integrator:    c.integrator,
	})
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeInternal, "encode lifi contract calls request", err)
	}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, "POST", c.baseURL+"/quote/contractCalls", body, c.headers(), &resp); err != nil {
		return Quote{}, err
	}
	q, err := c.toQuote(resp, req.FromChain)
	if err != nil {
		return Quote{}, err
	}
	q.FromToken = req.FromToken
	q.FromAmount = firstNonEmpty(resp.Action.FromAmount, req.ToAmount)
	return q, nil
}

func (c *Client) toQuote(resp quoteResponse, fromChain id.Chain) (Quote, error) {
	if strings.TrimSpace(resp.TransactionRequest.To) == "" || strings.TrimSpace(resp.TransactionRequest.Data) == "" {
		return Quote{}, clierr.New(clierr.CodeUnavailable, "lifi quote missing executable transaction payload")
	}
	if resp.TransactionRequest.ChainID != 0 && resp.TransactionRequest.ChainID != fromChain.EVMChainID {
		return Quote{}, clierr.New(clierr.CodeActionPlan, "lifi transaction chain does not match source chain")
	}
	value, err := hexToDecimal(resp.TransactionRequest.Value)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeActionPlan, "parse lifi transaction value", err)
	}
	labels := make([]string, 0, len(resp.IncludedSteps))
	for _, s := range resp.IncludedSteps {
		labels = append(labels, s.label())
	}
	chainID := resp.TransactionRequest.ChainID
	if chainID == 0 {
		chainID = fromChain.EVMChainID
	}
	return Quote{
		Tool:              firstNonEmpty(resp.ToolDetails.Name, resp.Tool),
		StepLabels:        labels,
		ApprovalAddress:   resp.Estimate.ApprovalAddress,
		FeeUSD:            resp.Estimate.feeUSD(),
		GasUSD:            resp.Estimate.gasUSD(),
		ExecutionDuration: int64(resp.Estimate.ExecutionDuration),
		Transaction: model.UnsignedTransaction{
			To:      resp.TransactionRequest.To,
			Data:    ensureHexPrefix(resp.TransactionRequest.Data),
			Value:   value,
			ChainID: chainID,
		},
	}, nil
}

func cloneRoutes(in []model.RouteOption) []model.RouteOption {
	out := make([]model.RouteOption, len(in))
	copy(out, in)
	return out
}

func formatSlippage(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

// hexToDecimal accepts LI.FI's hex quantities and plain decimal strings.
func hexToDecimal(v string) (string, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0", nil
	}
	n := new(big.Int)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		if _, ok := n.SetString(clean[2:], 16); !ok {
			return "", fmt.Errorf("invalid hex value %q", v)
		}
		return n.String(), nil
	}
	if _, ok := n.SetString(clean, 10); !ok {
		return "", fmt.Errorf("invalid numeric value %q", v)
	}
	return n.String(), nil
}
