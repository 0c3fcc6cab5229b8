package ens

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestChainAddressNotation(t *testing.T) {
	if got := FormatChainAddress("Vitalik.ETH", "Base"); got != "vitalik.eth@base" {
		t.Fatalf("unexpected notation: %s", got)
	}
	name, chain, ok := ParseChainAddress(" nick.eth@Arbitrum ")
	if !ok || name != "nick.eth" || chain != "arbitrum" {
		t.Fatalf("unexpected parse: %q %q %v", name, chain, ok)
	}
	for _, bad := range []string{"nick.eth", "nick.eth@", "0xabc@base", "user@example.com"} {
		if _, _, ok := ParseChainAddress(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
	if ChainShortName(8453) != "base" || ChainShortName(1) != "eth" || ChainShortName(137) != "" {
		t.Fatal("unexpected chain short names")
	}
}

func TestReverseNodeUsesCoinType(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	if reverseNode(addr, 1) != Namehash("00000000000000000000000000000000000a11ce.addr.reverse") {
		t.Fatal("unexpected mainnet reverse node")
	}
	// Base: 0x80000000 | 8453 = 0x80002105.
	if reverseNode(addr, 8453) != Namehash("00000000000000000000000000000000000a11ce.80002105.reverse") {
		t.Fatal("unexpected base reverse node")
	}
}

func TestReverseNamePrefersChainRecord(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	fake := &fakeENS{
		resolver: common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63"),
		addr:     addr,
		names: map[common.Hash]string{
			reverseNode(addr, 8453): "alice.eth",
			reverseNode(addr, 1):    "alice-mainnet.eth",
		},
	}
	got, err := NewWithCaller(fake, nil).ReverseName(context.Background(), addr.Hex(), 8453)
	if err != nil {
		t.Fatalf("ReverseName failed: %v", err)
	}
	if got.Name != "alice.eth" || got.MultichainName != "alice.eth@base" || got.ChainID != 8453 {
		t.Fatalf("unexpected primary name: %+v", got)
	}

	delete(fake.names, reverseNode(addr, 8453))
	got, err = NewWithCaller(fake, nil).ReverseName(context.Background(), addr.Hex(), 8453)
	if err != nil {
		t.Fatalf("ReverseName failed: %v", err)
	}
	if got.Name != "alice-mainnet.eth" {
		t.Fatalf("expected mainnet fallback, got %+v", got)
	}
}

func TestReverseNameRequiresForwardMatch(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	fake := &fakeENS{
		resolver: common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63"),
		addr:     common.HexToAddress("0x00000000000000000000000000000000000b0b00"),
		names:    map[common.Hash]string{reverseNode(addr, 1): "alice.eth"},
	}
	got, err := NewWithCaller(fake, nil).ReverseName(context.Background(), addr.Hex(), 1)
	if err != nil {
		t.Fatalf("ReverseName failed: %v", err)
	}
	if got.Name != "" || got.Address != addr.Hex() {
		t.Fatalf("expected no primary name, got %+v", got)
	}

	if _, err := NewWithCaller(fake, nil).ReverseName(context.Background(), "not-an-address", 1); err == nil {
		t.Fatal("expected invalid address error")
	}
}
