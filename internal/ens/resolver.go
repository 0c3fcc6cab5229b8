package ens

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/logging"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
	"golang.org/x/sync/errgroup"
)

// ContractCaller is the read-only slice of an Ethereum client the resolver needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

var profileKeys = []string{
	registry.TextKeyChain,
	registry.TextKeyToken,
	registry.TextKeySlippage,
	registry.TextKeyMaxFee,
	registry.TextKeyAvatar,
	registry.TextKeyDescription,
	registry.TextKeyVault,
	registry.TextKeyStrategy,
}

type Resolver struct {
	rpcURL   string
	caller   ContractCaller
	registry common.Address
	log      *slog.Logger
}

// New returns a resolver that dials rpcURL on demand.
func New(rpcURL string, log *slog.Logger) *Resolver {
	return &Resolver{
		rpcURL:   strings.TrimSpace(rpcURL),
		registry: common.HexToAddress(registry.ENSRegistryAddress),
		log:      logging.OrDiscard(log),
	}
}

// NewWithCaller binds the resolver to an existing client.
func NewWithCaller(caller ContractCaller, log *slog.Logger) *Resolver {
	r := New("", log)
	r.caller = caller
	return r
}

func (r *Resolver) connect(ctx context.Context) (ContractCaller, func(), error) {
	if r.caller != nil {
		return r.caller, func() {}, nil
	}
	if r.rpcURL == "" {
		return nil, nil, clierr.New(clierr.CodeUsage, "ens rpc url is not configured")
	}
	client, err := ethclient.DialContext(ctx, r.rpcURL)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect ens rpc", err)
	}
	return client, client.Close, nil
}

// Resolve looks up the address and payment preferences of identifier.
// Plain addresses pass through unchanged. Resolution failures are logged and
// reported as an unresolved profile, never as an error.
func (r *Resolver) Resolve(ctx context.Context, identifier string) model.RecipientProfile {
	identifier = strings.TrimSpace(identifier)
	if !IsName(identifier) {
		addr := identifier
		return model.RecipientProfile{Address: &addr}
	}

	caller, closeFn, err := r.connect(ctx)
	if err != nil {
		r.log.Debug("ens resolve failed", "name", identifier, "error", err)
		return model.RecipientProfile{}
	}
	defer closeFn()

	node := Namehash(identifier)
	resolverAddr, err := r.resolverFor(ctx, caller, node)
	if err != nil {
		r.log.Debug("ens resolver lookup failed", "name", identifier, "error", err)
		return model.RecipientProfile{}
	}

	addr, err := r.addr(ctx, caller, resolverAddr, node)
	if err != nil {
		r.log.Debug("ens addr lookup failed", "name", identifier, "error", err)
		return model.RecipientProfile{}
	}
	if addr == (common.Address{}) {
		r.log.Debug("ens name has no address", "name", identifier)
		return model.RecipientProfile{}
	}

	texts := make([]string, len(profileKeys))
	var g errgroup.Group
	for i, key := range profileKeys {
		g.Go(func() error {
			v, err := r.text(ctx, caller, resolverAddr, node, key)
			if err != nil {
				r.log.Debug("ens text lookup failed", "name", identifier, "key", key, "error", err)
				return nil
			}
			texts[i] = strings.TrimSpace(v)
			return nil
		})
	}
	_ = g.Wait()

	hex := addr.Hex()
	return model.RecipientProfile{
		Address:           &hex,
		PreferredChain:    texts[0],
		PreferredToken:    texts[1],
		PreferredSlippage: texts[2],
		MaxFee:            texts[3],
		Avatar:            texts[4],
		Description:       texts[5],
		Vault:             texts[6],
		Strategy:          texts[7],
	}
}

// BuildSetPreferenceTx returns the resolver multicall that writes the
// preferred token and chain text records for name.
func (r *Resolver) BuildSetPreferenceTx(ctx context.Context, name, token, chain string) (model.UnsignedTransaction, error) {
	if !IsName(name) {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "set-preferences requires an ENS name")
	}
	caller, closeFn, err := r.connect(ctx)
	if err != nil {
		return model.UnsignedTransaction{}, err
	}
	defer closeFn()

	node := Namehash(name)
	resolverAddr, err := r.resolverFor(ctx, caller, node)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeActionPlan, fmt.Sprintf("No resolver found for %s", name), err)
	}

	setToken, err := registry.ENSResolver.Pack("setText", node, registry.TextKeyToken, token)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack setText token", err)
	}
	setChain, err := registry.ENSResolver.Pack("setText", node, registry.TextKeyChain, chain)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack setText chain", err)
	}
	data, err := registry.ENSResolver.Pack("multicall", [][]byte{setToken, setChain})
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack multicall", err)
	}
	return model.UnsignedTransaction{
		To:      resolverAddr.Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Value:   "0",
		ChainID: 1,
	}, nil
}

func (r *Resolver) resolverFor(ctx context.Context, caller ContractCaller, node common.Hash) (common.Address, error) {
	out, err := call(ctx, caller, r.registry, registry.ENSRegistry, "resolver", node)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected resolver output type %T", out[0])
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("no resolver set")
	}
	return addr, nil
}

func (r *Resolver) addr(ctx context.Context, caller ContractCaller, resolver common.Address, node common.Hash) (common.Address, error) {
	out, err := call(ctx, caller, resolver, registry.ENSResolver, "addr", node)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected addr output type %T", out[0])
	}
	return addr, nil
}

func (r *Resolver) text(ctx context.Context, caller ContractCaller, resolver common.Address, node common.Hash, key string) (string, error) {
	out, err := call(ctx, caller, resolver, registry.ENSResolver, "text", node, key)
	if err != nil {
		return "", err
	}
	v, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected text output type %T", out[0])
	}
	return v, nil
}

func call(ctx context.Context, caller ContractCaller, to common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return out, nil
}
