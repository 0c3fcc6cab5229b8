package ens

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

var chainShortNames = map[int64]string{
	1:     "eth",
	8453:  "base",
	10:    "optimism",
	42161: "arbitrum",
}

// ChainShortName is the ERC-7828 label for chainID, or "" when it has none.
func ChainShortName(chainID int64) string {
	return chainShortNames[chainID]
}

// FormatChainAddress renders name@chain.
func FormatChainAddress(name, chain string) string {
	return Normalize(name) + "@" + strings.ToLower(strings.TrimSpace(chain))
}

// ParseChainAddress splits "alice.eth@base" into its name and chain. ok is
// false when s has no chain suffix or the name part is not an ENS name.
func ParseChainAddress(s string) (name, chain string, ok bool) {
	name, chain, found := strings.Cut(strings.TrimSpace(s), "@")
	if !found || strings.TrimSpace(chain) == "" || !IsName(name) {
		return "", "", false
	}
	return strings.TrimSpace(name), strings.ToLower(strings.TrimSpace(chain)), true
}

// reverseNode is the ENSIP-19 reverse node of address. Mainnet uses the
// addr.reverse namespace, other chains their EVM coin type.
func reverseNode(address common.Address, chainID int64) common.Hash {
	label := strings.ToLower(strings.TrimPrefix(address.Hex(), "0x"))
	if chainID == 0 || chainID == 1 {
		return Namehash(label + ".addr.reverse")
	}
	return Namehash(fmt.Sprintf("%s.%x.reverse", label, uint32(0x80000000)|uint32(chainID)))
}

// ReverseName returns the primary name of address on chainID. The chain
// specific record wins, then the mainnet one. A name only counts when it
// resolves forward to the same address. No primary name yields "".
func (r *Resolver) ReverseName(ctx context.Context, address string, chainID int64) (model.PrimaryName, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return model.PrimaryName{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid address: %s", address))
	}
	addr := common.HexToAddress(strings.TrimSpace(address))
	out := model.PrimaryName{Address: addr.Hex(), ChainID: chainID}

	caller, closeFn, err := r.connect(ctx)
	if err != nil {
		return model.PrimaryName{}, err
	}
	defer closeFn()

	nodes := []common.Hash{reverseNode(addr, chainID)}
	if chainID != 0 && chainID != 1 {
		nodes = append(nodes, reverseNode(addr, 1))
	}
	for _, node := range nodes {
		name, err := r.reverseLookup(ctx, caller, node)
		if err != nil {
			r.log.Debug("ens reverse lookup failed", "address", out.Address, "node", node.Hex(), "error", err)
			continue
		}
		if name == "" || !r.forwardMatches(ctx, caller, name, addr) {
			continue
		}
		out.Name = name
		if short := ChainShortName(chainID); short != "" {
			out.MultichainName = FormatChainAddress(name, short)
		}
		return out, nil
	}
	return out, nil
}

func (r *Resolver) reverseLookup(ctx context.Context, caller ContractCaller, node common.Hash) (string, error) {
	resolverAddr, err := r.resolverFor(ctx, caller, node)
	if err != nil {
		return "", err
	}
	res, err := call(ctx, caller, resolverAddr, registry.ENSResolver, "name", node)
	if err != nil {
		return "", err
	}
	name, ok := res[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected name output type %T", res[0])
	}
	return strings.TrimSpace(name), nil
}

func (r *Resolver) forwardMatches(ctx context.Context, caller ContractCaller, name string, want common.Address) bool {
	if !IsName(name) {
		return false
	}
	node := Namehash(name)
	resolverAddr, err := r.resolverFor(ctx, caller, node)
	if err != nil {
		return false
	}
	got, err := r.addr(ctx, caller, resolverAddr, node)
	return err == nil && got == want
}
