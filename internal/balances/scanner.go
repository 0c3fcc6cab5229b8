package balances

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/providers/defillama"
	"github.com/ggonzalez94/payagent/internal/registry"
	"golang.org/x/sync/errgroup"
)

// Backend is the read surface the scanner needs from a chain client.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dialer opens a backend for a chain. The returned func releases it.
type Dialer func(ctx context.Context, chain id.Chain) (Backend, func(), error)

// PriceSource values non-stable balances.
type PriceSource interface {
	Prices(ctx context.Context, keys []string) (map[string]float64, error)
}

type Scanner struct {
	dial   Dialer
	chains []id.Chain
	prices PriceSource
	log    *slog.Logger
}

// RPCDialer dials each chain through its configured or default RPC endpoint.
func RPCDialer(overrides map[int64]string) Dialer {
	return func(ctx context.Context, chain id.Chain) (Backend, func(), error) {
		url, err := registry.ResolveRPCURL(overrides[chain.EVMChainID], chain.EVMChainID)
		if err != nil {
			return nil, nil, err
		}
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc for "+chain.Slug, err)
		}
		return client, client.Close, nil
	}
}

// New scans the given chains, or every canonical chain when none are given.
func New(dial Dialer, chains []id.Chain, prices PriceSource, log *slog.Logger) *Scanner {
	if len(chains) == 0 {
		chains = id.CanonicalChains()
	}
	return &Scanner{dial: dial, chains: chains, prices: prices, log: logging.OrDiscard(log)}
}

// ParseChains maps chain inputs to registry chains, skipping unknown ones.
func ParseChains(inputs []string) []id.Chain {
	out := make([]id.Chain, 0, len(inputs))
	for _, in := range inputs {
		if chain, err := id.ParseChain(in); err == nil {
			out = append(out, chain)
		}
	}
	return out
}

// Scan returns every non-zero registry balance held by owner. Chains that
// fail to answer are skipped.
func (s *Scanner) Scan(ctx context.Context, owner string) ([]model.Balance, error) {
	if !id.IsAddress(owner) {
		return nil, clierr.New(clierr.CodeUsage, "address must be a 0x-prefixed EVM address")
	}
	account := common.HexToAddress(owner)

	var (
		mu  sync.Mutex
		out []model.Balance
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range s.chains {
		g.Go(func() error {
			found, err := s.scanChain(gctx, chain, account)
			if err != nil {
				s.log.Warn("balance scan failed", "chain", chain.Slug, "error", err)
				return nil
			}
			mu.Lock()
			out = append(out, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Chain != out[j].Chain {
			return chainRank(out[i].Chain) < chainRank(out[j].Chain)
		}
		return out[i].Token < out[j].Token
	})
	s.value(ctx, out)
	return out, nil
}

func (s *Scanner) scanChain(ctx context.Context, chain id.Chain, account common.Address) ([]model.Balance, error) {
	backend, release, err := s.dial(ctx, chain)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []model.Balance
	for _, token := range id.Tokens(chain.EVMChainID) {
		amount, err := readBalance(ctx, backend, token, account)
		if err != nil {
			s.log.Debug("token balance read failed", "chain", chain.Slug, "token", token.Symbol, "error", err)
			continue
		}
		if amount.Sign() == 0 {
			continue
		}
		base := amount.String()
		out = append(out, model.Balance{
			Chain:           chain.Slug,
			Token:           token.Symbol,
			TokenAddress:    token.Address,
			Decimals:        token.Decimals,
			AmountBaseUnits: base,
			Amount:          id.FormatDecimal(base, token.Decimals),
		})
	}
	return out, nil
}

func readBalance(ctx context.Context, backend Backend, token id.Token, account common.Address) (*big.Int, error) {
	if token.IsNative() {
		return backend.BalanceAt(ctx, account, nil)
	}
	data, err := registry.ERC20.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(token.Address)
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := registry.ERC20.Unpack("balanceOf", raw)
	if err != nil || len(values) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "decode balanceOf")
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode balanceOf")
	}
	return n, nil
}

// value fills ValueUSD. Stables count at par; everything else uses the price
// source when one is configured.
func (s *Scanner) value(ctx context.Context, bals []model.Balance) {
	keys := make([]string, len(bals))
	var lookups []string
	for i, b := range bals {
		if id.IsStable(b.Token) {
			bals[i].ValueUSD = amountFloat(b.Amount)
			continue
		}
		chain, err := id.ParseChain(b.Chain)
		if err != nil {
			continue
		}
		key, ok := defillama.CoinKey(chain.EVMChainID, id.Token{Symbol: b.Token, Address: b.TokenAddress, Decimals: b.Decimals})
		if !ok {
			continue
		}
		keys[i] = key
		lookups = append(lookups, key)
	}
	if s.prices == nil || len(lookups) == 0 {
		return
	}
	prices, err := s.prices.Prices(ctx, lookups)
	if err != nil {
		s.log.Warn("price lookup failed", "error", err)
		return
	}
	for i, key := range keys {
		if p, ok := prices[key]; ok && key != "" {
			bals[i].ValueUSD = amountFloat(bals[i].Amount) * p
		}
	}
}

func amountFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

func chainRank(slug string) int {
	for i, c := range id.CanonicalChains() {
		if c.Slug == slug {
			return i
		}
	}
	return len(id.CanonicalChains())
}
