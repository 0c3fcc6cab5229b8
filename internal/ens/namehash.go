package ens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases and NFC-normalizes every label of name.
func Normalize(name string) string {
	labels := strings.Split(strings.TrimSpace(name), ".")
	for i, label := range labels {
		labels[i] = norm.NFC.String(strings.ToLower(label))
	}
	return strings.Join(labels, ".")
}

// Namehash computes the EIP-137 node for name.
func Namehash(name string) common.Hash {
	var node common.Hash
	normalized := Normalize(name)
	if normalized == "" {
		return node
	}
	labels := strings.Split(normalized, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = common.BytesToHash(crypto.Keccak256(node.Bytes(), labelHash))
	}
	return node
}

// IsName reports whether identifier should go through ENS resolution.
func IsName(identifier string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(identifier)), ".eth")
}
