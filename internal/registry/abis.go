package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI fragments used by providers, the ENS resolver and the execution builder.
const (
	ERC20MinimalABI = `[
		{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	ENSRegistryABI = `[
		{"name":"resolver","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]}
	]`

	ENSPublicResolverABI = `[
		{"name":"addr","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
		{"name":"text","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]},
		{"name":"setText","type":"function","stateMutability":"nonpayable","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"},{"name":"value","type":"string"}],"outputs":[]},
		{"name":"multicall","type":"function","stateMutability":"nonpayable","inputs":[{"name":"data","type":"bytes[]"}],"outputs":[{"name":"results","type":"bytes[]"}]},
		{"name":"name","type":"function","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]}
	]`

	YieldRouterABI = `[
		{"name":"depositToYield","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"vault","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
	]`

	RestakingRouterABI = `[
		{"name":"depositToRenzo","type":"function","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"minEzEthOut","type":"uint256"}],"outputs":[]}
	]`

	// ProtectedRouterABI is the vault router that reverts when minted shares
	// fall below minShares.
	ProtectedRouterABI = `[
		{"name":"depositWithSlippage","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"assets","type":"uint256"},{"name":"minShares","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
		{"name":"lifiCallback","type":"function","stateMutability":"nonpayable","inputs":[{"name":"vault","type":"address"},{"name":"recipient","type":"address"},{"name":"minShares","type":"uint256"}],"outputs":[{"name":"shares","type":"uint256"}]}
	]`
)

var (
	ERC20       = mustABI(ERC20MinimalABI)
	ENSRegistry = mustABI(ENSRegistryABI)
	ENSResolver = mustABI(ENSPublicResolverABI)
	YieldRouter = mustABI(YieldRouterABI)
	Restaking   = mustABI(RestakingRouterABI)
	Protected   = mustABI(ProtectedRouterABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
