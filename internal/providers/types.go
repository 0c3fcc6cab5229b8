package providers

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ggonzalez94/payagent/internal/id"
	"github.com/ggonzalez94/payagent/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// RouteProvider discovers candidate routes for one query. An empty result
// means no route; an error means the provider failed outright.
type RouteProvider interface {
	Provider
	FindRoutes(ctx context.Context, q RouteQuery) ([]model.RouteOption, error)
}

// RouteQuery is the provider-neutral shape of a routing request. Chains and
// tokens are raw user inputs; each provider maps them onto its own ids.
type RouteQuery struct {
	Action        model.Action
	FromAddress   string
	Recipient     string
	FromChain     string
	ToChain       string
	FromToken     string
	ToToken       string
	Amount        string
	Slippage      float64
	VaultProtocol string
	Vault         string
	// Strategy is the recipient's raw split allocation record, if any.
	Strategy string
}

// SameChain reports whether the query starts and ends on one chain.
func (q RouteQuery) SameChain() bool {
	return id.SameChain(q.FromChain, q.ToChain)
}

var feeNumber = regexp.MustCompile(`^([0-9]+(\.[0-9]*)?|\.[0-9]+)`)

// ParseFee extracts the numeric part of a display fee such as "$1.25".
// Everything except digits and dots is dropped first.
func ParseFee(fee string) (float64, bool) {
	var b strings.Builder
	for _, r := range fee {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	m := feeNumber.FindString(b.String())
	if m == "" {
		return math.NaN(), false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return math.NaN(), false
	}
	return v, true
}

func FormatUSD(v float64) string {
	return fmt.Sprintf("$%.2f", v)
}

// FormatMinutes renders a duration in seconds as whole minutes, rounded up.
func FormatMinutes(seconds int64) string {
	return fmt.Sprintf("%d min", int64(math.Ceil(float64(seconds)/60)))
}
