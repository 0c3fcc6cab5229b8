package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/payagent/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ValidateAmount checks that v is a positive decimal string.
func ValidateAmount(v string) error {
	clean := strings.TrimSpace(v)
	if !decimalPattern.MatchString(clean) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("amount must be a positive decimal like 1.23, got %q", v))
	}
	if strings.Trim(strings.ReplaceAll(clean, ".", ""), "0") == "" {
		return clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return nil
}

// ToBaseUnits converts a decimal amount into integer base units. Extra
// fractional digits beyond the token precision are truncated.
func ToBaseUnits(decimal string, decimals int) (string, error) {
	if err := ValidateAmount(decimal); err != nil {
		return "", err
	}
	if decimals < 0 {
		return "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	parts := strings.SplitN(strings.TrimSpace(decimal), ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		fracPart = fracPart[:decimals]
	}
	fracPart = fracPart + strings.Repeat("0", decimals-len(fracPart))
	combined := strings.TrimLeft(intPart+fracPart, "0")
	if combined == "" {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %s is below token precision", decimal))
	}
	if _, ok := new(big.Int).SetString(combined, 10); !ok {
		return "", clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return combined, nil
}

// FormatDecimal converts base-unit integer strings into decimal strings.
func FormatDecimal(baseUnits string, decimals int) string {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return "0"
	}
	if decimals == 0 {
		return n.String()
	}

	s := n.String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	if fracPart == "" {
		return intPart
	}
	return intPart + "." + fracPart
}
