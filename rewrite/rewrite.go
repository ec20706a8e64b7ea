package rewrite

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// Header names this filter reads and writes.
const (
	HeaderFrom         = "From"
	HeaderOriginalFrom = "X-Original-From"
)

// AddressParseError reports a From header that could not be parsed as an
// address list. It is non-fatal: the message passes through unmodified.
type AddressParseError struct {
	Value string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("rewrite: cannot parse address list %q: %v", e.Value, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }

// OpKind is the kind of a header mutation instruction.
type OpKind int

const (
	// OpReplace replaces the Index-th occurrence of the named header.
	OpReplace OpKind = iota + 1
	// OpAdd appends a new header field.
	OpAdd
	// OpDelete removes the Index-th occurrence of the named header.
	OpDelete
)

// Op is one header mutation instruction. Index counts occurrences of Name
// and is one-based, matching the milter change-header convention.
type Op struct {
	Kind  OpKind
	Name  string
	Index int
	Value string
}

// Rewriter decides, per message, whether and how the From header is
// rewritten or restored. It is immutable after construction and safe for
// concurrent use by all sessions.
type Rewriter struct {
	// Domain is the rewrite domain the encoded addresses end up under.
	Domain string
	// QuoteChar is the escape introducer for the codec.
	QuoteChar byte
	// Rules gates the forward direction. Empty means always rewrite.
	Rules Rules
	// Forward and Reverse enable the two directions.
	Forward bool
	Reverse bool
}

// Plan computes the header mutations for one message from its complete
// header set. It performs no I/O. A nil plan with nil error means the
// message passes through unmodified; an [AddressParseError] likewise leaves
// the message alone but is worth a diagnostic.
func (r *Rewriter) Plan(h *Header) ([]Op, error) {
	stash, haveStash := h.Get(HeaderOriginalFrom)

	// The reverse direction restores what a prior forward pass stashed.
	// It is on purpose not gated by the rules: a rewritten message must
	// always be restorable.
	if haveStash && r.Reverse {
		if strings.TrimSpace(stash) == "" {
			return nil, &AddressParseError{Value: stash, Err: fmt.Errorf("empty %s header", HeaderOriginalFrom)}
		}
		return []Op{
			{Kind: OpReplace, Name: HeaderFrom, Index: 1, Value: stash},
			{Kind: OpDelete, Name: HeaderOriginalFrom, Index: 1},
		}, nil
	}

	if !r.Forward || haveStash {
		return nil, nil
	}
	from, haveFrom := h.Get(HeaderFrom)
	if !haveFrom {
		return nil, nil
	}
	if !r.Rules.Match(h) {
		return nil, nil
	}

	addrs, err := parseAddressList(from)
	if err != nil {
		return nil, &AddressParseError{Value: from, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &AddressParseError{Value: from, Err: fmt.Errorf("no addresses")}
	}

	rewritten := make([]string, len(addrs))
	for i, a := range addrs {
		encoded := Encode(a.Address, r.QuoteChar)
		rewritten[i] = formatAddress(a.Name, encoded+"@"+r.Domain)
	}

	return []Op{
		{Kind: OpAdd, Name: HeaderOriginalFrom, Value: from},
		{Kind: OpReplace, Name: HeaderFrom, Index: 1, Value: strings.Join(rewritten, ", ")},
	}, nil
}

// Unrewrite decodes a previously rewritten address back into the original
// one. The local part of addr is the codec payload; the rewrite domain is
// discarded.
func Unrewrite(addr string, quoteChar byte) (string, error) {
	local := addr
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		local = addr[:at]
	}
	return Decode(local, quoteChar)
}

// parseAddressList parses a raw From value into its addresses, preserving
// display names.
func parseAddressList(value string) ([]*mail.Address, error) {
	h := mail.HeaderFromMap(map[string][]string{HeaderFrom: {value}})
	return h.AddressList(HeaderFrom)
}

// atomPhrase reports whether name can appear as an unquoted display name:
// a phrase of atext runes separated by single spaces.
func atomPhrase(name string) bool {
	if name == "" || name[0] == ' ' || name[len(name)-1] == ' ' {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~ ", r):
		default:
			return false
		}
	}
	return !strings.Contains(name, "  ")
}

// formatAddress renders one rewritten address. Plain display names stay
// unquoted; anything else goes through the library formatter, which quotes
// or RFC 2047 encodes as needed.
func formatAddress(name, addr string) string {
	if name == "" {
		return "<" + addr + ">"
	}
	if atomPhrase(name) {
		return name + " <" + addr + ">"
	}
	a := mail.Address{Name: name, Address: addr}
	return a.String()
}
