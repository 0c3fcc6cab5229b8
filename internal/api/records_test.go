package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggonzalez94/payagent/internal/model"
)

type fakeRecords struct {
	stored    map[string]model.Invoice
	published model.Invoice
	lastChain int64
}

func (f *fakeRecords) BuildSetInvoiceTx(_ context.Context, _ string, inv model.Invoice) (model.UnsignedTransaction, error) {
	f.published = inv
	return model.UnsignedTransaction{To: "0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63", Data: "0x10f13a8c", Value: "0", ChainID: 1}, nil
}

func (f *fakeRecords) InvoiceFromENS(_ context.Context, name, invoiceID string) (*model.Invoice, error) {
	inv, ok := f.stored[name+"/"+invoiceID]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (f *fakeRecords) ReverseName(_ context.Context, address string, chainID int64) (model.PrimaryName, error) {
	f.lastChain = chainID
	return model.PrimaryName{Address: address, ChainID: chainID, Name: "alice.eth", MultichainName: "alice.eth@base"}, nil
}

func newRecordsServer(t *testing.T, records *fakeRecords) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(Config{Records: records}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestPublishInvoiceToENS(t *testing.T) {
	records := &fakeRecords{}
	srv := newRecordsServer(t, records)

	body := map[string]any{"ensName": "alice.eth", "invoice": map[string]string{"id": "inv_1", "amount": "25", "token": "USDC"}}
	resp, out := do(t, http.MethodPost, srv.URL+"/api/invoice/ens", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, out)
	}
	if out["message"] != "Store invoice inv_1 in ENS record: flowfi.invoice.inv_1" {
		t.Fatalf("unexpected message: %v", out["message"])
	}
	if out["to"] != "0x231b0Ee14048e9dCcD1d247744d114a4EB5E8E63" || out["chainId"] != float64(1) {
		t.Fatalf("transaction fields should sit at the top level: %v", out)
	}
	if records.published.ID != "inv_1" || records.published.Amount != "25" {
		t.Fatalf("unexpected published invoice: %+v", records.published)
	}

	missing := map[string]any{"ensName": "alice.eth", "invoice": map[string]string{"id": "inv_1"}}
	resp, out = do(t, http.MethodPost, srv.URL+"/api/invoice/ens", missing, nil)
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "Missing required fields: ensName, invoice.id, invoice.amount" {
		t.Fatalf("expected missing field error, got %d %v", resp.StatusCode, out)
	}
}

func TestVerifyInvoiceFromENS(t *testing.T) {
	records := &fakeRecords{stored: map[string]model.Invoice{
		"alice.eth/inv_1": {ID: "inv_1", Amount: "25", Token: "USDC", Status: model.InvoicePending},
	}}
	srv := newRecordsServer(t, records)

	resp, out := do(t, http.MethodGet, srv.URL+"/api/invoice/ens?ensName=alice.eth&id=inv_1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, out)
	}
	if out["verified"] != true || out["recordKey"] != "flowfi.invoice.inv_1" || out["ensName"] != "alice.eth" || out["amount"] != "25" {
		t.Fatalf("unexpected verification: %v", out)
	}

	resp, out = do(t, http.MethodGet, srv.URL+"/api/invoice/ens?ensName=alice.eth&id=inv_2", nil, nil)
	if resp.StatusCode != http.StatusNotFound || out["error"] != "Invoice not found in ENS" || out["verified"] != false {
		t.Fatalf("expected not found, got %d %v", resp.StatusCode, out)
	}

	resp, out = do(t, http.MethodGet, srv.URL+"/api/invoice/ens?ensName=alice.eth", nil, nil)
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "Missing required params: ensName, id" {
		t.Fatalf("expected missing params error, got %d %v", resp.StatusCode, out)
	}
}

func TestPrimaryNameEndpoint(t *testing.T) {
	records := &fakeRecords{}
	srv := newRecordsServer(t, records)

	resp, out := do(t, http.MethodGet, srv.URL+"/api/ens/name?address=0x00000000000000000000000000000000000a11ce&chainId=8453", nil, nil)
	if resp.StatusCode != http.StatusOK || out["name"] != "alice.eth" || out["multichainName"] != "alice.eth@base" {
		t.Fatalf("unexpected primary name: %d %v", resp.StatusCode, out)
	}
	if records.lastChain != 8453 {
		t.Fatalf("unexpected chain: %d", records.lastChain)
	}

	do(t, http.MethodGet, srv.URL+"/api/ens/name?address=0x00000000000000000000000000000000000a11ce", nil, nil)
	if records.lastChain != 1 {
		t.Fatalf("chain should default to mainnet, got %d", records.lastChain)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/ens/name?address=0xabc&chainId=base", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric chain, got %d", resp.StatusCode)
	}
}

func TestRecordsEndpointsWithoutResolver(t *testing.T) {
	srv := httptest.NewServer(NewServer(Config{}).Handler())
	defer srv.Close()
	resp, _ := do(t, http.MethodGet, srv.URL+"/api/invoice/ens?ensName=alice.eth&id=inv_1", nil, nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatal("expected an error without an ENS resolver")
	}
}
