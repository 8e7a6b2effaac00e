package service

import (
	"crypto/rand"
	"fmt"

	"github.com/utafrali/promotion-engine/pkg/textnorm"
)

// DefaultCouponPrefix is used when a generate_coupon effect names none.
const DefaultCouponPrefix = "PROMO"

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	codeSuffixLen = 8
	maxPrefixLen  = 20
)

// GenerateCouponCode returns PREFIX-XXXXXXXX with a random suffix drawn
// from crypto/rand. Uniqueness is enforced by the coupon store, which calls
// back for a new code on collision.
func GenerateCouponCode(prefix string) (string, error) {
	prefix = textnorm.Code(prefix)
	if prefix == "" {
		prefix = DefaultCouponPrefix
	}
	if len(prefix) > maxPrefixLen {
		prefix = prefix[:maxPrefixLen]
	}

	b := make([]byte, codeSuffixLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate coupon code: %w", err)
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return prefix + "-" + string(b), nil
}
