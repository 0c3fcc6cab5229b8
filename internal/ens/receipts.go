package ens

import (
	"strings"
	"time"

	"github.com/ggonzalez94/payagent/internal/model"
	"github.com/ggonzalez94/payagent/internal/registry"
)

const DefaultReceiptParent = "payments.payagent.eth"

// ReceiptSubname is the deterministic name a payment receipt lives under.
func ReceiptSubname(txHash, parent string) string {
	parent = strings.TrimSpace(parent)
	if parent == "" {
		parent = DefaultReceiptParent
	}
	return "tx-" + strings.ToLower(strings.TrimSpace(txHash)) + "." + Normalize(parent)
}

func ReceiptTextRecords(txHash, amount, token, chain, recipient string, at time.Time) map[string]string {
	return map[string]string{
		registry.ReceiptKeyTx:        txHash,
		registry.ReceiptKeyAmount:    amount,
		registry.ReceiptKeyToken:     token,
		registry.ReceiptKeyChain:     chain,
		registry.ReceiptKeyRecipient: recipient,
		registry.ReceiptKeyTimestamp: at.UTC().Format(model.TimeFormat),
	}
}
