package morpho

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/httpx"
	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const (
	vaultPageSize = 50
	// Vaults below this size are ignored when picking a deposit target.
	minVaultTVLUSD = 100_000
)

type Client struct {
	http     *httpx.Client
	endpoint string
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, endpoint: registry.MorphoGraphQLEndpoint}
}

func (c *Client) WithEndpoint(endpoint string) *Client {
	c.endpoint = endpoint
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:         "morpho",
		Type:         "vault",
		RequiresKey:  false,
		Capabilities: []string{"vaults.discover"},
	}
}

const vaultsQuery = `query Vaults($first:Int,$where:VaultFilters,$orderBy:VaultOrderBy,$orderDirection:OrderDirection){
  vaults(first:$first, where:$where, orderBy:$orderBy, orderDirection:$orderDirection){
    items{
      address
      name
      symbol
      asset{ address symbol }
      state{ netApy totalAssetsUsd }
    }
  }
}`

type vaultsResponse struct {
	Data struct {
		Vaults struct {
			Items []morphoVault `json:"items"`
		} `json:"vaults"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type morphoVault struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	Asset   *struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"asset"`
	State *struct {
		NetAPY         float64 `json:"netApy"`
		TotalAssetsUSD float64 `json:"totalAssetsUsd"`
	} `json:"state"`
}

// Vault is a listed MetaMorpho vault that accepts the requested asset.
type Vault struct {
	Address        string
	Name           string
	Symbol         string
	NetAPY         float64
	TotalAssetsUSD float64
}

// BestVault returns the highest net-APY listed vault for token on chain.
func (c *Client) BestVault(ctx context.Context, chain id.Chain, token id.Token) (Vault, error) {
	vaults, err := c.fetchVaults(ctx, chain, token)
	if err != nil {
		return Vault{}, err
	}
	candidates := make([]Vault, 0, len(vaults))
	for _, v := range vaults {
		if v.State == nil || !id.IsAddress(v.Address) {
			continue
		}
		if v.Asset != nil && v.Asset.Address != "" && !strings.EqualFold(v.Asset.Address, token.Address) {
			continue
		}
		if v.State.TotalAssetsUSD < minVaultTVLUSD {
			continue
		}
		candidates = append(candidates, Vault{
			Address:        v.Address,
			Name:           v.Name,
			Symbol:         v.Symbol,
			NetAPY:         v.State.NetAPY,
			TotalAssetsUSD: v.State.TotalAssetsUSD,
		})
	}
	if len(candidates) == 0 {
		return Vault{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("morpho has no listed %s vault on %s", token.Symbol, chain.Name))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].NetAPY != candidates[j].NetAPY {
			return candidates[i].NetAPY > candidates[j].NetAPY
		}
		return candidates[i].TotalAssetsUSD > candidates[j].TotalAssetsUSD
	})
	return candidates[0], nil
}

func (c *Client) fetchVaults(ctx context.Context, chain id.Chain, token id.Token) ([]morphoVault, error) {
	body, err := json.Marshal(map[string]any{
		"query": vaultsQuery,
		"variables": map[string]any{
			"first": vaultPageSize,
			"where": map[string]any{
				"chainId_in":      []int64{chain.EVMChainID},
				"listed":          true,
				"assetAddress_in": []string{strings.ToLower(token.Address)},
			},
			"orderBy":        "NetApy",
			"orderDirection": "Desc",
		},
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "marshal morpho vault query", err)
	}

	var resp vaultsResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.endpoint, body, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("morpho graphql error: %s", resp.Errors[0].Message))
	}
	return resp.Data.Vaults.Items, nil
}
