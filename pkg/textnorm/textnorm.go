// Package textnorm folds user-entered text for comparisons and coupon codes.
// Turkish letters are transliterated to their ASCII base letters first, so
// "İstanbul", "ISTANBUL" and "istanbul" compare equal.
package textnorm

import (
	"regexp"
	"strings"
)

var turkish = strings.NewReplacer(
	"ç", "c", "Ç", "C",
	"ğ", "g", "Ğ", "G",
	"ı", "i", "İ", "I",
	"ö", "o", "Ö", "O",
	"ş", "s", "Ş", "S",
	"ü", "u", "Ü", "U",
)

var nonCode = regexp.MustCompile(`[^A-Z0-9]+`)

// ASCII transliterates Turkish letters, keeping case.
func ASCII(s string) string {
	return turkish.Replace(s)
}

// Fold trims s, transliterates it, lower-cases it and collapses inner
// whitespace to single spaces.
func Fold(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(ASCII(s))), " ")
}

// EqualFold reports whether a and b are equal after Fold.
func EqualFold(a, b string) bool {
	if a == b {
		return true
	}
	return Fold(a) == Fold(b)
}

// Code returns s as an upper-case token of ASCII letters and digits.
//
//	Code(" yaz indirimi! ") == "YAZINDIRIMI"
func Code(s string) string {
	return nonCode.ReplaceAllString(strings.ToUpper(ASCII(s)), "")
}
