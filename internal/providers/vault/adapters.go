package vault

import (
	"context"
	"strings"

	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/providers/morpho"
)

// Adapter yields the vault a protocol deposits into on the destination chain.
// An empty address means the protocol has no usable vault right now.
type Adapter interface {
	Protocol() string
	DisplayName() string
	VaultAddress(ctx context.Context, chain id.Chain, asset id.Token) (string, error)
}

// Static serves a configured vault address.
type Static struct {
	protocol string
	display  string
	address  string
}

func NewStatic(protocol, display, address string) *Static {
	return &Static{protocol: strings.ToLower(protocol), display: display, address: strings.TrimSpace(address)}
}

// ProfileProtocol names the vault a recipient declares in its ENS profile.
const ProfileProtocol = "profile"

func newProfile(address string) *Static {
	return NewStatic(ProfileProtocol, "Preferred", address)
}

func NewAave(address string) *Static {
	return NewStatic("aave", "Aave", address)
}

func (s *Static) Protocol() string    { return s.protocol }
func (s *Static) DisplayName() string { return s.display }

func (s *Static) VaultAddress(context.Context, id.Chain, id.Token) (string, error) {
	return s.address, nil
}

// VaultFinder discovers a vault for an asset on a chain.
type VaultFinder interface {
	BestVault(ctx context.Context, chain id.Chain, token id.Token) (morpho.Vault, error)
}

// Morpho uses a configured vault when set and otherwise asks the Morpho API
// for the best listed vault.
type Morpho struct {
	configured string
	finder     VaultFinder
}

func NewMorpho(configured string, finder VaultFinder) *Morpho {
	return &Morpho{configured: strings.TrimSpace(configured), finder: finder}
}

func (m *Morpho) Protocol() string    { return "morpho" }
func (m *Morpho) DisplayName() string { return "Morpho" }

func (m *Morpho) VaultAddress(ctx context.Context, chain id.Chain, asset id.Token) (string, error) {
	if !id.IsZeroAddress(m.configured) {
		return m.configured, nil
	}
	if m.finder == nil {
		return "", nil
	}
	v, err := m.finder.BestVault(ctx, chain, asset)
	if err != nil {
		return "", err
	}
	return v.Address, nil
}
