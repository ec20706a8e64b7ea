// Package rewrite implements the DMARC address rewriting core: the
// reversible address codec, the rule-based trigger evaluation and the
// From / X-Original-From orchestration. Everything in here is pure; the
// protocol layer applies the resulting mutation plan.
package rewrite

import (
	"fmt"
	"strings"
)

// DefaultQuoteChar is the escape introducer used when none is configured.
// It replaces the conventional "%" because "%" is not safe in a local part.
const DefaultQuoteChar = '='

const upperhex = "0123456789ABCDEF"

// safeByte reports whether b may appear verbatim in an encoded local part.
// The set matches URL percent-encoding: alphanumerics plus "_.~/-".
func safeByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '.' || b == '~' || b == '/' || b == '-':
		return true
	}
	return false
}

// Encode transforms an arbitrary address string into a string that is safe
// as the local part of an email address. Every byte outside the safe set,
// and every literal occurrence of quoteChar, becomes quoteChar followed by
// the two uppercase hex digits of the byte. Decode inverts it exactly.
func Encode(address string, quoteChar byte) string {
	var b strings.Builder
	b.Grow(len(address))
	for i := 0; i < len(address); i++ {
		c := address[i]
		if safeByte(c) && c != quoteChar {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(quoteChar)
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

// DecodeError reports a malformed escape sequence in an encoded local part.
type DecodeError struct {
	LocalPart string
	Pos       int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rewrite: malformed escape sequence in %q at offset %d", e.LocalPart, e.Pos)
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

// Decode is the inverse of [Encode]: every quoteChar must be followed by
// exactly two hex digits, which are substituted with the byte they encode.
// A truncated or malformed escape yields a [DecodeError].
func Decode(localPart string, quoteChar byte) (string, error) {
	var b strings.Builder
	b.Grow(len(localPart))
	for i := 0; i < len(localPart); i++ {
		c := localPart[i]
		if c != quoteChar {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(localPart) {
			return "", &DecodeError{LocalPart: localPart, Pos: i}
		}
		hi, ok1 := hexVal(localPart[i+1])
		lo, ok2 := hexVal(localPart[i+2])
		if !ok1 || !ok2 {
			return "", &DecodeError{LocalPart: localPart, Pos: i}
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}
