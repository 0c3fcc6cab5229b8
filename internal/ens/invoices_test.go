package ens

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

func testInvoice() model.Invoice {
	return model.Invoice{
		ID:              "inv_abc123",
		ReceiverAddress: "0x00000000000000000000000000000000000a11ce",
		Amount:          "25",
		Token:           "USDC",
		Status:          model.InvoicePending,
		CreatedAt:       "2026-01-01T00:00:00Z",
	}
}

func TestBuildSetInvoiceTx(t *testing.T) {
	resolverAddr := common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63")
	inv := testInvoice()
	tx, err := NewWithCaller(&fakeENS{resolver: resolverAddr}, nil).BuildSetInvoiceTx(context.Background(), "alice.eth", inv)
	if err != nil {
		t.Fatalf("BuildSetInvoiceTx failed: %v", err)
	}
	if tx.To != resolverAddr.Hex() || tx.ChainID != 1 || tx.Value != "0" {
		t.Fatalf("unexpected tx envelope: %+v", tx)
	}
	raw := common.FromHex(tx.Data)
	setText := registry.ENSResolver.Methods["setText"]
	if !bytes.Equal(raw[:4], setText.ID) {
		t.Fatalf("expected setText selector, got %x", raw[:4])
	}
	args, err := setText.Inputs.Unpack(raw[4:])
	if err != nil {
		t.Fatalf("unpack setText: %v", err)
	}
	if common.Hash(args[0].([32]byte)) != Namehash("alice.eth") || args[1].(string) != "flowfi.invoice.inv_abc123" {
		t.Fatalf("unexpected record target: %v %v", args[0], args[1])
	}
	var stored model.Invoice
	if err := json.Unmarshal([]byte(args[2].(string)), &stored); err != nil {
		t.Fatalf("record is not invoice json: %v", err)
	}
	if stored != inv {
		t.Fatalf("stored invoice = %+v, want %+v", stored, inv)
	}
}

func TestBuildSetInvoiceTxValidates(t *testing.T) {
	r := NewWithCaller(&fakeENS{}, nil)
	if _, err := r.BuildSetInvoiceTx(context.Background(), "0xabc", testInvoice()); err == nil {
		t.Fatal("expected ENS name error")
	}
	if _, err := r.BuildSetInvoiceTx(context.Background(), "alice.eth", model.Invoice{}); err == nil {
		t.Fatal("expected missing id error")
	}
	if _, err := r.BuildSetInvoiceTx(context.Background(), "alice.eth", testInvoice()); err == nil || !strings.Contains(err.Error(), "No resolver found") {
		t.Fatalf("expected missing resolver error, got %v", err)
	}
}

func TestInvoiceFromENS(t *testing.T) {
	inv := testInvoice()
	payload, _ := json.Marshal(inv)
	fake := &fakeENS{
		resolver: common.HexToAddress("0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63"),
		texts:    map[string]string{InvoiceRecordKey(inv.ID): string(payload)},
	}
	r := NewWithCaller(fake, nil)

	got, err := r.InvoiceFromENS(context.Background(), "alice.eth", inv.ID)
	if err != nil {
		t.Fatalf("InvoiceFromENS failed: %v", err)
	}
	if got == nil || *got != inv {
		t.Fatalf("unexpected invoice: %+v", got)
	}

	missing, err := r.InvoiceFromENS(context.Background(), "alice.eth", "inv_missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing record, got %+v %v", missing, err)
	}

	fake.texts[InvoiceRecordKey("inv_bad")] = "{not json"
	if _, err := r.InvoiceFromENS(context.Background(), "alice.eth", "inv_bad"); err == nil {
		t.Fatal("expected decode error for corrupt record")
	}
}
