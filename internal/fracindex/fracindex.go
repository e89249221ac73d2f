// Package fracindex generates string order keys for sibling placement.
//
// Keys are base-62 digit strings compared bytewise, interpreted as fractions
// in the open interval (0, 1). Between any two distinct keys another key can
// always be synthesized by growing digit precision, so repeated insertion at
// one position never forces renumbering of existing siblings.
package fracindex

import (
	"errors"
	"fmt"
	"strings"
)

// digits is the ordered alphabet. ASCII byte order matches digit order, so
// plain string comparison orders keys correctly.
const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	// ErrInvalidKey reports a key outside the alphabet, an empty key, or a
	// key with a trailing minimum digit.
	ErrInvalidKey = errors.New("invalid order key")
	// ErrInverted reports bounds that are equal or out of order.
	ErrInverted = errors.New("order key bounds are not ascending")
)

// First returns the canonical key for the first element of an empty list.
func First() string {
	return string(digits[len(digits)/2])
}

// Between returns a key strictly between prev and next. An empty prev means
// no lower bound and an empty next means no upper bound; with both empty the
// result is First. Bounds must be valid keys with prev < next.
func Between(prev, next string) (string, error) {
	if prev != "" {
		if err := validate(prev); err != nil {
			return "", fmt.Errorf("lower bound %q: %w", prev, err)
		}
	}
	if next != "" {
		if err := validate(next); err != nil {
			return "", fmt.Errorf("upper bound %q: %w", next, err)
		}
		if prev >= next {
			return "", fmt.Errorf("%w: %q >= %q", ErrInverted, prev, next)
		}
	}
	return midpoint(prev, next), nil
}

// Validate reports whether key is a canonical order key. The authority
// checks inbound keys with it before letting them near the document.
func Validate(key string) error {
	return validate(key)
}

// validate rejects keys that have no canonical fraction form. A trailing
// minimum digit is forbidden because "V0" and "V" denote the same fraction.
func validate(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if key[len(key)-1] == digits[0] {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return ErrInvalidKey
		}
	}
	return nil
}

// midpoint returns a canonical key strictly between a and b, where an empty
// a stands for zero and an empty b for the exclusive upper bound one.
// Callers guarantee a < b when both are present.
func midpoint(a, b string) string {
	if b != "" {
		// Walk the shared prefix, padding a with implicit minimum digits.
		// b cannot run out first while matching: that would make b a
		// prefix of a and therefore b <= a.
		n := 0
		for n < len(b) {
			c := digits[0]
			if n < len(a) {
				c = a[n]
			}
			if c != b[n] {
				break
			}
			n++
		}
		if n > 0 {
			if n <= len(a) {
				return b[:n] + midpoint(a[n:], b[n:])
			}
			return b[:n] + midpoint("", b[n:])
		}
	}

	// Leading digits differ (or a bound is absent).
	digitA := 0
	if a != "" {
		digitA = strings.IndexByte(digits, a[0])
	}
	digitB := len(digits)
	if b != "" {
		digitB = strings.IndexByte(digits, b[0])
	}
	if digitB-digitA > 1 {
		return string(digits[(digitA+digitB+1)/2])
	}

	// Consecutive leading digits. When b has more digits, its first digit
	// alone already sits strictly between the bounds.
	if len(b) > 1 {
		return b[:1]
	}

	// Otherwise recurse under a's leading digit with no upper bound:
	// midpoint("49", "5") becomes "4" + midpoint("9", "").
	tail := ""
	if a != "" {
		tail = a[1:]
	}
	return string(digits[digitA]) + midpoint(tail, "")
}
