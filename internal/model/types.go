package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const EnvelopeVersion = "v1"

// Envelope wraps CLI output.
type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Routes    int    `json:"routes"`
	LatencyMS int64  `json:"latency_ms"`
}

type ProviderInfo struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
}

// Action is the closed set of things a payment intent can ask for.
type Action string

const (
	ActionTransfer      Action = "transfer"
	ActionSwap          Action = "swap"
	ActionDeposit       Action = "deposit"
	ActionYield         Action = "yield"
	ActionConsolidate   Action = "consolidate"
	ActionPayViaPaywall Action = "pay_via_paywall"
)

var actionAliases = map[string]Action{
	"transfer":        ActionTransfer,
	"send":            ActionTransfer,
	"swap":            ActionSwap,
	"deposit":         ActionDeposit,
	"yield":           ActionYield,
	"consolidate":     ActionConsolidate,
	"pay_via_paywall": ActionPayViaPaywall,
	"pay_x402":        ActionPayViaPaywall,
}

func ParseAction(raw string) (Action, error) {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unknown intent action %q", raw)
	}
	return a, nil
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseAction(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

type Intent struct {
	Action        Action `json:"action"`
	Amount        string `json:"amount"`
	FromToken     string `json:"fromToken"`
	ToToken       string `json:"toToken"`
	FromChain     string `json:"fromChain,omitempty"`
	ToChain       string `json:"toChain,omitempty"`
	ToAddress     string `json:"toAddress,omitempty"`
	VaultProtocol string `json:"vaultProtocol,omitempty"`
	URL           string `json:"url,omitempty"`
}

// RecipientProfile holds resolved identity and declared payment preferences.
// A nil Address means the identifier could not be resolved.
type RecipientProfile struct {
	Address           *string `json:"address"`
	PreferredChain    string  `json:"preferredChain,omitempty"`
	PreferredToken    string  `json:"preferredToken,omitempty"`
	PreferredSlippage string  `json:"preferredSlippage,omitempty"`
	MaxFee            string  `json:"maxFee,omitempty"`
	Avatar            string  `json:"avatar,omitempty"`
	Description       string  `json:"description,omitempty"`
	Vault             string  `json:"vault,omitempty"`
	Strategy          string  `json:"strategy,omitempty"`
}

func (p RecipientProfile) Resolved() bool {
	return p.Address != nil
}

type RouteType string

const (
	RouteTypeStandard     RouteType = "standard"
	RouteTypeComposer     RouteType = "composer"
	RouteTypeContractCall RouteType = "contract-call"
)

type RouteOption struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Fee           string    `json:"fee"`
	EstimatedTime string    `json:"estimatedTime"`
	Provider      string    `json:"provider"`
	RouteType     RouteType `json:"routeType,omitempty"`
}

type EnsProfile struct {
	Avatar      string `json:"avatar,omitempty"`
	Description string `json:"description,omitempty"`
}

type ChatRequest struct {
	Message     string   `json:"message"`
	UserAddress string   `json:"userAddress,omitempty"`
	Slippage    *float64 `json:"slippage,omitempty"`
}

// ChatResponse leaves Routes nil when routing was not attempted, which keeps
// the field out of the JSON body. An empty non-nil slice encodes as [].
type ChatResponse struct {
	Content         string             `json:"content"`
	Intent          Intent             `json:"intent"`
	Routes          []RouteOption      `json:"routes,omitempty"`
	ResolvedAddress string             `json:"resolvedAddress,omitempty"`
	MultichainName  string             `json:"multichainName,omitempty"`
	EnsProfile      *EnsProfile        `json:"ensProfile,omitempty"`
	Plan            *ConsolidationPlan `json:"plan,omitempty"`
}

func (r ChatResponse) MarshalJSON() ([]byte, error) {
	type alias ChatResponse
	out := struct {
		alias
		Routes *[]RouteOption `json:"routes,omitempty"`
	}{alias: alias(r)}
	if r.Routes != nil {
		routes := r.Routes
		out.Routes = &routes
	}
	return json.Marshal(out)
}

type ExecuteRequest struct {
	RouteID     string   `json:"routeId"`
	FromAddress string   `json:"fromAddress"`
	Intent      *Intent  `json:"intent"`
	Slippage    *float64 `json:"slippage,omitempty"`
}

type UnsignedTransaction struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	ChainID  int64  `json:"chainId"`
	Provider string `json:"provider,omitempty"`
}

type PaymentDescriptor struct {
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Recipient string `json:"recipient"`
}

type Balance struct {
	Chain           string  `json:"chain"`
	Token           string  `json:"token"`
	TokenAddress    string  `json:"tokenAddress"`
	Decimals        int     `json:"decimals"`
	AmountBaseUnits string  `json:"amountBaseUnits"`
	Amount          string  `json:"amount"`
	ValueUSD        float64 `json:"valueUsd,omitempty"`
}

type ConsolidationTarget struct {
	PreferredToken string `json:"preferredToken"`
	PreferredChain string `json:"preferredChain"`
	Address        string `json:"address,omitempty"`
}

type ConsolidationOpportunity struct {
	SourceToken string  `json:"sourceToken"`
	SourceChain string  `json:"sourceChain"`
	Amount      string  `json:"amount"`
	ValueUSD    float64 `json:"valueUsd,omitempty"`
	TargetToken string  `json:"targetToken"`
	TargetChain string  `json:"targetChain"`
	Executable  bool    `json:"executable"`
}

type ConsolidationStep struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Provider      string `json:"provider"`
	Fee           string `json:"fee"`
	EstimatedTime string `json:"estimatedTime"`
	Executable    bool   `json:"executable"`
	Description   string `json:"description"`
}

type GoldConversion struct {
	FromToken    string  `json:"fromToken"`
	ToToken      string  `json:"toToken"`
	Chain        string  `json:"chain"`
	StableAmount string  `json:"stableAmount"`
	GoldAmount   string  `json:"goldAmount"`
	SpotPriceUSD float64 `json:"spotPriceUsd"`
	PriceSource  string  `json:"priceSource"`
	Description  string  `json:"description"`
}

type ConsolidationPlan struct {
	Steps          []ConsolidationStep `json:"steps"`
	TotalSavings   string              `json:"totalSavings"`
	GoldConversion *GoldConversion     `json:"goldConversion,omitempty"`
}

type Receipt struct {
	TxHash      string            `json:"txHash"`
	Subname     string            `json:"subname"`
	Amount      string            `json:"amount"`
	Token       string            `json:"token"`
	Chain       string            `json:"chain"`
	Recipient   string            `json:"recipient"`
	From        string            `json:"from"`
	TextRecords map[string]string `json:"textRecords"`
	CreatedAt   time.Time         `json:"createdAt"`
}

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
)

type Invoice struct {
	ID              string        `json:"id"`
	ReceiverAddress string        `json:"receiverAddress"`
	ReceiverEns     string        `json:"receiverEns,omitempty"`
	Amount          string        `json:"amount"`
	Token           string        `json:"token"`
	Memo            string        `json:"memo,omitempty"`
	Status          InvoiceStatus `json:"status"`
	CreatedAt       string        `json:"createdAt"`
	PaidAt          string        `json:"paidAt,omitempty"`
	PaidTxHash      string        `json:"paidTxHash,omitempty"`
	ExpiresAt       string        `json:"expiresAt,omitempty"`
}

// StrategyAllocation is one leg of a split deposit. Amount is filled in once
// the total is known.
type StrategyAllocation struct {
	Strategy   string  `json:"strategy"`
	Percentage float64 `json:"percentage"`
	Amount     string  `json:"amount,omitempty"`
}

// EnsInvoiceRequest asks for the transaction that publishes an invoice as a
// text record on ensName.
type EnsInvoiceRequest struct {
	EnsName string  `json:"ensName"`
	Invoice Invoice `json:"invoice"`
}

// EnsInvoiceTx is the unsigned record write plus a human-readable summary.
type EnsInvoiceTx struct {
	UnsignedTransaction
	Message string `json:"message"`
}

// EnsInvoice is an invoice read back from an ENS text record.
type EnsInvoice struct {
	Invoice
	EnsName   string `json:"ensName"`
	InvoiceID string `json:"invoiceId"`
	RecordKey string `json:"recordKey"`
	Verified  bool   `json:"verified"`
}

// PrimaryName is the reverse-resolved name of an address on a chain.
type PrimaryName struct {
	Address        string `json:"address"`
	ChainID        int64  `json:"chainId"`
	Name           string `json:"name"`
	MultichainName string `json:"multichainName,omitempty"`
}

type ReceiptRequest struct {
	TxHash    string `json:"txHash"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Chain     string `json:"chain"`
	Recipient string `json:"recipient"`
	From      string `json:"from"`
}

type CreateInvoiceRequest struct {
	ReceiverAddress string   `json:"receiverAddress"`
	ReceiverEns     string   `json:"receiverEns,omitempty"`
	Amount          string   `json:"amount"`
	Token           string   `json:"token,omitempty"`
	Memo            string   `json:"memo,omitempty"`
	ExpiresInHours  *float64 `json:"expiresInHours,omitempty"`
}

type UpdateInvoiceRequest struct {
	ID     string        `json:"id"`
	Status InvoiceStatus `json:"status"`
	TxHash string        `json:"txHash,omitempty"`
}

type ConsolidateRequest struct {
	Address        string `json:"address"`
	PreferredToken string `json:"preferredToken,omitempty"`
	PreferredChain string `json:"preferredChain,omitempty"`
}

// TimeFormat is RFC 3339 in UTC with millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"
