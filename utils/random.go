package utils

import (
	"strings"

	"github.com/pocketbase/pocketbase/tools/security"
)

// VoucherAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const VoucherAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateVoucherCode returns the upper-cased prefix followed by length random
// characters drawn from VoucherAlphabet using a crypto/rand backed source.
// Generated codes are always in the form NormalizeVoucherCode produces.
func GenerateVoucherCode(prefix string, length int) string {
	return strings.ToUpper(strings.TrimSpace(prefix)) + security.RandomStringWithAlphabet(length, VoucherAlphabet)
}

// NormalizeVoucherCode upper-cases and trims a user supplied code.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
