package across

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const ProviderName = "Across"

type Client struct {
	http    *httpx.Client
	baseURL string
	log     *slog.Logger
}

func New(httpClient *httpx.Client, log *slog.Logger) *Client {
	return &Client{http: httpClient, baseURL: registry.AcrossBaseURL, log: logging.OrDiscard(log)}
}

func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "across",
		Type:        "cross-chain",
		RequiresKey: false,
		Capabilities: []string{
			"suggested-fees",
			"swap.approval",
		},
	}
}

type pair struct {
	fromChain id.Chain
	toChain   id.Chain
	fromToken id.Token
	toToken   id.Token
	amount    string
}

func (c *Client) resolve(q providers.RouteQuery) (pair, bool) {
	fromChain, err := id.ParseChain(firstNonEmpty(q.FromChain, id.DefaultChainSlug))
	if err != nil {
		return pair{}, false
	}
	toChain, err := id.ParseChain(firstNonEmpty(q.ToChain, fromChain.Slug))
	if err != nil {
		return pair{}, false
	}
	fromToken, err := id.ResolveToken(fromChain, q.FromToken)
	if err != nil {
		c.log.Warn("across skipped: unknown source token", "token", q.FromToken, "chain", fromChain.Slug)
		return pair{}, false
	}
	toToken, err := id.ResolveToken(toChain, firstNonEmpty(q.ToToken, q.FromToken))
	if err != nil {
		c.log.Warn("across skipped: unknown destination token", "token", q.ToToken, "chain", toChain.Slug)
		return pair{}, false
	}
	amount, err := id.ToBaseUnits(q.Amount, fromToken.Decimals)
	if err != nil {
		return pair{}, false
	}
	return pair{fromChain: fromChain, toChain: toChain, fromToken: fromToken, toToken: toToken, amount: amount}, true
}

// FindRoutes returns at most one bridge route from Across suggested fees.
// Same-chain queries are not Across's business and return nothing.
func (c *Client) FindRoutes(ctx context.Context, q providers.RouteQuery) ([]model.RouteOption, error) {
	if q.SameChain() {
		return nil, nil
	}
	p, ok := c.resolve(q)
	if !ok {
		return nil, nil
	}
	if p.fromChain.EVMChainID == p.toChain.EVMChainID {
		return nil, nil
	}

	vals := url.Values{}
	vals.Set("inputToken", p.fromToken.Address)
	vals.Set("outputToken", p.toToken.Address)
	vals.Set("originChainId", strconv.FormatInt(p.fromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(p.toChain.EVMChainID, 10))
	vals.Set("amount", p.amount)
	if id.IsAddress(q.Recipient) {
		vals.Set("recipient", q.Recipient)
	}

	var fees map[string]any
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/suggested-fees?"+vals.Encode(), nil, &fees); err != nil {
		return nil, err
	}
	if isTrue(fees["isAmountTooLow"]) {
		c.log.Warn("across skipped: amount below bridge minimum", "amount", q.Amount)
		return nil, nil
	}

	feeUSD := pickFloat(fees, "totalRelayFeeUsd", "feeUsd")
	if feeUSD == 0 {
		feeBase := pickNumberString(fees, "totalRelayFee", "relayFeeTotal")
		feeUSD = approximateStableUSD(p.fromToken.Symbol, feeBase, p.fromToken.Decimals)
	}
	fill := int64(pickFloat(fees, "estimatedFillTimeSec", "estimatedFillTime"))
	if fill == 0 {
		fill = 120
	}

	return []model.RouteOption{{
		ID:            "across-0",
		Path:          fmt.Sprintf("%s %s -> %s %s via Across", p.fromChain.Name, p.fromToken.Symbol, p.toChain.Name, p.toToken.Symbol),
		Fee:           providers.FormatUSD(feeUSD),
		EstimatedTime: formatFillTime(fill),
		Provider:      ProviderName,
		RouteType:     model.RouteTypeStandard,
	}}, nil
}

type swapApprovalResponse struct {
	ApprovalTxns []struct {
		ChainID int64  `json:"chainId"`
		To      string `json:"to"`
		Data    string `json:"data"`
		Value   string `json:"value"`
	} `json:"approvalTxns"`
	SwapTx struct {
		ChainID int64  `json:"chainId"`
		To      string `json:"to"`
		Data    string `json:"data"`
		Value   string `json:"value"`
	} `json:"swapTx"`
}

// SwapApproval is Across's executable answer: zero or more approvals
// followed by the deposit transaction.
type SwapApproval struct {
	Approvals []model.UnsignedTransaction
	Swap      model.UnsignedTransaction
}

// BuildSwapApproval fetches executable calldata from /swap/approval.
func (c *Client) BuildSwapApproval(ctx context.Context, q providers.RouteQuery) (SwapApproval, error) {
	p, ok := c.resolve(q)
	if !ok {
		return SwapApproval{}, clierr.New(clierr.CodeUnsupported, "across does not support this token or chain pair")
	}
	if !common.IsHexAddress(q.FromAddress) {
		return SwapApproval{}, clierr.New(clierr.CodeUsage, "across execution requires a valid sender address")
	}
	recipient := q.Recipient
	if !common.IsHexAddress(recipient) {
		recipient = q.FromAddress
	}
	slippage := q.Slippage
	if slippage <= 0 {
		slippage = 0.005
	}

	vals := url.Values{}
	vals.Set("amount", p.amount)
	vals.Set("tradeType", "exactInput")
	vals.Set("inputToken", p.fromToken.Address)
	vals.Set("outputToken", p.toToken.Address)
	vals.Set("originChainId", strconv.FormatInt(p.fromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(p.toChain.EVMChainID, 10))
	vals.Set("depositor", q.FromAddress)
	vals.Set("recipient", recipient)
	vals.Set("slippage", strconv.FormatFloat(slippage, 'f', -1, 64))

	var resp swapApprovalResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/swap/approval?"+vals.Encode(), nil, &resp); err != nil {
		return SwapApproval{}, err
	}
	if strings.TrimSpace(resp.SwapTx.To) == "" || strings.TrimSpace(resp.SwapTx.Data) == "" {
		return SwapApproval{}, clierr.New(clierr.CodeUnavailable, "across execution response missing swap transaction payload")
	}
	if resp.SwapTx.ChainID != 0 && resp.SwapTx.ChainID != p.fromChain.EVMChainID {
		return SwapApproval{}, clierr.New(clierr.CodeActionPlan, "across swap transaction chain does not match source chain")
	}

	out := SwapApproval{}
	for _, approval := range resp.ApprovalTxns {
		if strings.TrimSpace(approval.To) == "" || strings.TrimSpace(approval.Data) == "" {
			continue
		}
		if approval.ChainID != 0 && approval.ChainID != p.fromChain.EVMChainID {
			continue
		}
		out.Approvals = append(out.Approvals, model.UnsignedTransaction{
			To:       common.HexToAddress(approval.To).Hex(),
			Data:     ensureHexPrefix(approval.Data),
			Value:    normalizeTransactionValue(approval.Value),
			ChainID:  p.fromChain.EVMChainID,
			Provider: "Approval: " + ProviderName,
		})
	}
	out.Swap = model.UnsignedTransaction{
		To:       common.HexToAddress(resp.SwapTx.To).Hex(),
		Data:     ensureHexPrefix(resp.SwapTx.Data),
		Value:    normalizeTransactionValue(resp.SwapTx.Value),
		ChainID:  p.fromChain.EVMChainID,
		Provider: ProviderName,
	}
	return out, nil
}

func formatFillTime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("~%ds", seconds)
	}
	return providers.FormatMinutes(seconds)
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func pickNumberString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if out := numberString(v); out != "" {
				return out
			}
		}
	}
	return ""
}

func pickFloat(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if out, ok := floatValue(v); ok {
				return out
			}
		}
	}
	return 0
}

func numberString(v any) string {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return ""
		}
		return trimLeadingZeros(s)
	case float64:
		return trimLeadingZeros(strconv.FormatFloat(t, 'f', 0, 64))
	case map[string]any:
		if out := numberString(t["total"]); out != "" {
			return out
		}
		return numberString(t["amount"])
	default:
		return ""
	}
}

func floatValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case map[string]any:
		if f, ok := floatValue(t["usd"]); ok {
			return f, true
		}
		if f, ok := floatValue(t["value"]); ok {
			return f, true
		}
		return 0, false
	default:
		return 0, false
	}
}

// approximateStableUSD prices a base-unit fee at $1 per unit for stablecoins.
func approximateStableUSD(symbol, amountBase string, decimals int) float64 {
	if !id.IsStable(symbol) || strings.TrimSpace(amountBase) == "" {
		return 0
	}
	v, err := strconv.ParseFloat(id.FormatDecimal(amountBase, decimals), 64)
	if err != nil {
		return 0
	}
	return v
}

func trimLeadingZeros(v string) string {
	v = strings.TrimLeft(v, "0")
	if v == "" {
		return "0"
	}
	return v
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func normalizeTransactionValue(v string) string {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0"
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		n := new(big.Int)
		if _, ok := n.SetString(clean[2:], 16); ok {
			return n.String()
		}
		return "0"
	}
	if n, ok := new(big.Int).SetString(clean, 10); ok {
		return n.String()
	}
	return "0"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
