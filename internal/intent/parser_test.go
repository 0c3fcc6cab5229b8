package intent

import (
	"testing"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/model"
)

func TestParseTransfer(t *testing.T) {
	in, err := New().Parse("Send 10 usdc to alice.eth on Base.")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := model.Intent{Action: model.ActionTransfer, Amount: "10", FromToken: "USDC", ToAddress: "alice.eth", ToChain: "base"}
	if in != want {
		t.Fatalf("unexpected intent: %+v", in)
	}
}

func TestParseTransferMultichainName(t *testing.T) {
	in, err := New().Parse("send 5 USDC to bob.eth@arbitrum")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.ToAddress != "bob.eth" || in.ToChain != "arbitrum" || in.ToToken != "" {
		t.Fatalf("unexpected intent: %+v", in)
	}

	in, err = New().Parse("send 5 USDC to bob.eth@arbitrum on base")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.ToAddress != "bob.eth" || in.ToChain != "base" {
		t.Fatalf("explicit chain should win over the name suffix: %+v", in)
	}
}

func TestParseTransferAsOtherToken(t *testing.T) {
	in, err := New().Parse("transfer 0.5 ETH to 0x742d35Cc6634C0532925a3b844Bc9e7595f2bD1e as USDC from arbitrum")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.ToToken != "USDC" || in.FromChain != "arbitrum" || in.ToChain != "" || in.Amount != "0.5" {
		t.Fatalf("unexpected intent: %+v", in)
	}
}

func TestParseSwap(t *testing.T) {
	in, err := New().Parse("swap 100 USDC for DAI on base")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionSwap || in.FromToken != "USDC" || in.ToToken != "DAI" || in.FromChain != "base" || in.ToChain != "base" {
		t.Fatalf("unexpected intent: %+v", in)
	}
}

func TestParseDeposit(t *testing.T) {
	in, err := New().Parse("deposit 100 USDC into morpho for bob.eth from optimism")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionDeposit || in.VaultProtocol != "morpho" || in.ToAddress != "bob.eth" || in.FromChain != "optimism" || in.ToToken != "USDC" {
		t.Fatalf("unexpected intent: %+v", in)
	}

	in, err = New().Parse("earn 50 DAI on aave")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionYield || in.VaultProtocol != "aave" || in.FromChain != "" {
		t.Fatalf("protocol must not be read as a chain: %+v", in)
	}
}

func TestParseConsolidate(t *testing.T) {
	in, err := New().Parse("consolidate all my balances into XAUT")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionConsolidate || in.ToToken != "XAUT" {
		t.Fatalf("unexpected intent: %+v", in)
	}

	in, err = New().Parse("consolidate to USDC on arb")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.ToToken != "USDC" || in.ToChain != "arbitrum" {
		t.Fatalf("unexpected intent: %+v", in)
	}
}

func TestParsePaywall(t *testing.T) {
	in, err := New().Parse("access /api/x402-demo")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionPayViaPaywall || in.URL != "/api/x402-demo" {
		t.Fatalf("unexpected intent: %+v", in)
	}

	in, err = New().Parse("pay https://example.com/premium")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionPayViaPaywall || in.URL != "https://example.com/premium" {
		t.Fatalf("paywall must win over transfer for URLs: %+v", in)
	}
}

func TestParseStructuredIntent(t *testing.T) {
	in, err := New().Parse(`{"action":"send","amount":"5","fromToken":"USDC","toToken":"USDC","toAddress":"carol.eth"}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if in.Action != model.ActionTransfer || in.ToAddress != "carol.eth" {
		t.Fatalf("unexpected intent: %+v", in)
	}

	if _, err := New().Parse(`{"action":"bridge"}`); clierr.ExitCode(err) != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error for unknown action, got %v", err)
	}
}

func TestParseRejectsUnknownAndEmpty(t *testing.T) {
	for _, msg := range []string{"", "   ", "what's the weather"} {
		_, err := New().Parse(msg)
		if err == nil {
			t.Fatalf("expected error for %q", msg)
		}
		if clierr.ExitCode(err) != int(clierr.CodeUsage) {
			t.Fatalf("expected usage error for %q, got %v", msg, err)
		}
	}
}
