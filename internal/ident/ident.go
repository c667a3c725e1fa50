// Package ident holds the identifier and quantity rules shared by every
// reconciliation component: scanned-code normalization and quantity clamping.
package ident

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	// MaxQty is the upper sentinel for any line quantity.
	MaxQty = 999_999

	// DefaultMinCodeLength is the shortest keystroke-buffer code accepted as a scan.
	DefaultMinCodeLength = 6
)

// ErrInvalidQty is returned by ParseQty for unparseable or negative input.
var ErrInvalidQty = errors.New("invalid quantity")

// NormalizeCode canonicalizes a raw scanned or typed code.
//
// Scanners emit full-width digits on some keyboard layouts and append
// CR/LF/TAB terminators; NFKC folds the former and control characters are
// dropped. Interior spaces are removed since no barcode symbology we accept
// carries them.
func NormalizeCode(raw string) string {
	s := norm.NFKC.String(raw)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidCode reports whether a normalized code is long enough to be a real scan.
func ValidCode(code string, minLen int) bool {
	if minLen <= 0 {
		minLen = DefaultMinCodeLength
	}
	return len([]rune(code)) >= minLen
}

// ClampQty bounds q to [floor, max]. A max of zero or less means MaxQty.
func ClampQty(q, floor, max int) int {
	if max <= 0 {
		max = MaxQty
	}
	if floor < 0 {
		floor = 0
	}
	if q < floor {
		return floor
	}
	if q > max {
		return max
	}
	return q
}

// ParseQty parses operator input into a whole quantity.
// Fractional input is rounded half away from zero; the result is capped at MaxQty.
func ParseQty(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidQty)
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrInvalidQty, n)
		}
		return ClampQty(n, 0, MaxQty), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidQty, s)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: %q is negative", ErrInvalidQty, s)
	}
	if f > MaxQty {
		return MaxQty, nil
	}
	return int(math.Round(f)), nil
}

// ItemKey is the identity key used to match lines: the variant when present,
// otherwise the item.
func ItemKey(itemID, variantID string) string {
	if variantID != "" {
		return "v:" + variantID
	}
	return "i:" + itemID
}
