package ens

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/payagent/internal/errors"
	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

// InvoiceRecordKey is the text record an invoice is published under.
func InvoiceRecordKey(invoiceID string) string {
	return registry.InvoiceRecordPrefix + strings.TrimSpace(invoiceID)
}

// BuildSetInvoiceTx returns the setText call that stores inv as JSON on name.
func (r *Resolver) BuildSetInvoiceTx(ctx context.Context, name string, inv model.Invoice) (model.UnsignedTransaction, error) {
	if !IsName(name) {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "invoice publishing requires an ENS name")
	}
	if strings.TrimSpace(inv.ID) == "" {
		return model.UnsignedTransaction{}, clierr.New(clierr.CodeUsage, "invoice id is required")
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "encode invoice record", err)
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
	data, err := registry.ENSResolver.Pack("setText", node, InvoiceRecordKey(inv.ID), string(payload))
	if err != nil {
		return model.UnsignedTransaction{}, clierr.Wrap(clierr.CodeInternal, "pack setText invoice", err)
	}
	return model.UnsignedTransaction{
		To:      resolverAddr.Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Value:   "0",
		ChainID: 1,
	}, nil
}

// InvoiceFromENS reads invoiceID back from name. A missing or empty record
// returns nil without error.
func (r *Resolver) InvoiceFromENS(ctx context.Context, name, invoiceID string) (*model.Invoice, error) {
	if !IsName(name) {
		return nil, clierr.New(clierr.CodeUsage, "invoice lookup requires an ENS name")
	}
	caller, closeFn, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	node := Namehash(name)
	resolverAddr, err := r.resolverFor(ctx, caller, node)
	if err != nil {
		r.log.Debug("ens invoice resolver lookup failed", "name", name, "error", err)
		return nil, nil
	}
	raw, err := r.text(ctx, caller, resolverAddr, node, InvoiceRecordKey(invoiceID))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read invoice record", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var inv model.Invoice
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "decode invoice record", err)
	}
	return &inv, nil
}
