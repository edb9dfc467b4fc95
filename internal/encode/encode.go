// Package encode implements the canonical token encoding used throughout the
// wire protocol and the Store: every filename, key, and data blob travels as
// one whitespace-free token on a line.
package encode

import (
	"fmt"
	"strings"
)

// escapeSet is the fixed set of bytes that Encode replaces with a %HH
// sequence. It covers control bytes, space, DEL, and the characters that
// would otherwise break line- and token-oriented parsing.
var escapeSet = [256]bool{}

const escapeSpecials = " '%$:|"

func init() {
	for b := 0x01; b <= 0x20; b++ {
		escapeSet[b] = true
	}

	escapeSet[0x7F] = true

	for _, c := range escapeSpecials {
		escapeSet[byte(c)] = true
	}
}

const hexDigits = "0123456789ABCDEF"

// Encode replaces every byte in the escape set with an uppercase %HH
// sequence and passes all other bytes through unchanged.
func Encode(s string) string {
	var needsEscape bool

	for i := 0; i < len(s); i++ {
		if escapeSet[s[i]] {
			needsEscape = true
			break
		}
	}

	if !needsEscape {
		return s
	}

	var b strings.Builder

	b.Grow(len(s) + 8)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !escapeSet[c] {
			b.WriteByte(c)
			continue
		}

		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}

	return b.String()
}

// Decode is the left inverse of Encode: %HH sequences with two following hex
// digits are replaced by the decoded byte; any other byte (including a
// truncated trailing %) passes through unchanged.
func Decode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}

	var b strings.Builder

	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' || i+2 >= len(s) {
			b.WriteByte(c)
			continue
		}

		hi, hiOK := hexVal(s[i+1])
		lo, loOK := hexVal(s[i+2])

		if !hiOK || !loOK {
			b.WriteByte(c)
			continue
		}

		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}

	return b.String()
}

func hexVal(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	default:
		return 0, false
	}
}

// EncodeJoin encodes each token and joins them with a single space,
// producing one whitespace-separated protocol line field group.
func EncodeJoin(tokens ...string) string {
	encoded := make([]string, len(tokens))
	for i, t := range tokens {
		encoded[i] = Encode(t)
	}

	return strings.Join(encoded, " ")
}

// Validate returns an error if s contains a truncated trailing '%' escape,
// which Decode would otherwise silently pass through unchanged.
func Validate(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}

		if i+2 >= len(s) {
			return fmt.Errorf("encode: truncated escape at offset %d", i)
		}

		if _, ok := hexVal(s[i+1]); !ok {
			return fmt.Errorf("encode: invalid escape digit at offset %d", i+1)
		}

		if _, ok := hexVal(s[i+2]); !ok {
			return fmt.Errorf("encode: invalid escape digit at offset %d", i+2)
		}
	}

	return nil
}
