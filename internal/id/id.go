package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// NativeTokenAddress is the placeholder address routing APIs use for a chain's gas token.
const NativeTokenAddress = "0x0000000000000000000000000000000000000000"

// DefaultChainSlug is used whenever an intent leaves a chain unspecified.
const DefaultChainSlug = "ethereum"

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

func (t Token) IsNative() bool {
	return strings.EqualFold(t.Address, NativeTokenAddress)
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"base":      {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161},
	"optimism":  {Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10},
	"polygon":   {Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137},
	"bsc":       {Name: "BSC", Slug: "bsc", CAIP2: "eip155:56", EVMChainID: 56},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", CAIP2: "eip155:43114", EVMChainID: 43114},
}

var chainAliases = map[string]string{
	"eth":     "ethereum",
	"mainnet": "ethereum",
	"arb":     "arbitrum",
	"op":      "optimism",
	"matic":   "polygon",
	"pol":     "polygon",
	"bnb":     "bsc",
	"avax":    "avalanche",
}

// canonicalOrder drives destination-chain inference: the first chain that
// lists a token natively wins.
var canonicalOrder = []string{"ethereum", "base", "arbitrum", "optimism", "polygon", "bsc", "avalanche"}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

// Small bootstrap registry used for symbol resolution, balance scans and
// approval checks.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "ETH", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		{Symbol: "PYUSD", Address: "0x6c3ea9036406852006290770BEdFcAbA0e23A0e8", Decimals: 6},
		{Symbol: "USDE", Address: "0x4c9EDD5852cd905f086C759E8383e09bff1E68B3", Decimals: 18},
		{Symbol: "XAUT", Address: "0x68749665FF8D2d112Fa859AA293F07A622782F38", Decimals: 6},
		{Symbol: "PAXG", Address: "0x45804880De22913dAFE09f4980848ECE6EcbAf78", Decimals: 18},
	},
	8453: {
		{Symbol: "ETH", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	42161: {
		{Symbol: "ETH", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
		{Symbol: "ARB", Address: "0x912CE59144191C1204E64559FE8253a0e49E6548", Decimals: 18},
	},
	10: {
		{Symbol: "ETH", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		{Symbol: "OP", Address: "0x4200000000000000000000000000000000000042", Decimals: 18},
	},
	137: {
		{Symbol: "POL", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	56: {
		{Symbol: "BNB", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "DAI", Address: "0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3", Decimals: 18},
	},
	43114: {
		{Symbol: "AVAX", Address: NativeTokenAddress, Decimals: 18},
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "DAI", Address: "0xd586E7F844cEa2F87f50152665BCbc2C279D8d70", Decimals: 18},
	},
}

var stableSymbols = map[string]bool{
	"USDC":  true,
	"USDT":  true,
	"DAI":   true,
	"USDE":  true,
	"PYUSD": true,
}

var goldSymbols = map[string]bool{
	"XAUT": true,
	"PAXG": true,
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)
	if alias, ok := chainAliases[norm]; ok {
		norm = alias
	}

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if known, ok := chainByID[id]; ok {
			return known, nil
		}
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain id: %d", id))
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain id: %d", id))
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ChainByID returns the registry chain for an EVM chain id.
func ChainByID(chainID int64) (Chain, bool) {
	chain, ok := chainByID[chainID]
	return chain, ok
}

// CanonicalChains lists supported chains in inference order.
func CanonicalChains() []Chain {
	out := make([]Chain, 0, len(canonicalOrder))
	for _, slug := range canonicalOrder {
		out = append(out, chainBySlug[slug])
	}
	return out
}

// Tokens returns the registry tokens for a chain.
func Tokens(chainID int64) []Token {
	src := tokenRegistry[chainID]
	out := make([]Token, len(src))
	copy(out, src)
	return out
}

func KnownToken(chainID int64, symbol string) (Token, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, t := range tokenRegistry[chainID] {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return Token{}, false
}

// ResolveToken accepts a symbol or an EVM address on the given chain.
func ResolveToken(chain Chain, input string) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	if evmAddressPattern.MatchString(raw) {
		if t, ok := LookupByAddress(chain.EVMChainID, raw); ok {
			return t, nil
		}
		return Token{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not in the registry for %s; decimals unknown", raw, chain.Name))
	}
	if t, ok := KnownToken(chain.EVMChainID, raw); ok {
		return t, nil
	}
	return Token{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("token %s is not available on %s", strings.ToUpper(raw), chain.Name))
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			return t, true
		}
	}
	return Token{}, false
}

// NativeChainFor returns the first canonical chain that lists the token.
func NativeChainFor(symbol string) (Chain, bool) {
	for _, slug := range canonicalOrder {
		chain := chainBySlug[slug]
		if _, ok := KnownToken(chain.EVMChainID, symbol); ok {
			return chain, true
		}
	}
	return Chain{}, false
}

func IsStable(symbol string) bool {
	return stableSymbols[strings.ToUpper(strings.TrimSpace(symbol))]
}

func IsGold(symbol string) bool {
	return goldSymbols[strings.ToUpper(strings.TrimSpace(symbol))]
}

func IsAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}

// IsZeroAddress reports whether v is empty or the zero address.
func IsZeroAddress(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, NativeTokenAddress)
}

// SameChain compares two chain inputs after alias resolution.
func SameChain(a, b string) bool {
	ca, errA := ParseChain(a)
	cb, errB := ParseChain(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return ca.EVMChainID == cb.EVMChainID
}
