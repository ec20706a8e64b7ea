package rewrite

import (
	"net/textproto"
	"strings"
)

// Rule is one rewrite.require entry. Either Present is true and the rule
// matches on the mere presence of the header, or Values holds the exact
// values of which at least one must match.
type Rule struct {
	Present bool
	Values  []string
}

// Rules maps header names to their required match. Keys are canonicalized
// on insertion via [Rules.Set], so lookups are case-insensitive.
type Rules map[string]Rule

// Set adds a rule under the canonical form of name.
func (r Rules) Set(name string, rule Rule) {
	r[textproto.CanonicalMIMEHeaderKey(name)] = rule
}

// Match reports whether the observed headers satisfy the rule set. An empty
// or nil rule set matches everything. Otherwise the rules are ORed: the
// first header instance that satisfies any rule decides. Header names
// compare case-insensitively, values case-sensitively after trimming
// surrounding whitespace from the observed value.
func (r Rules) Match(h *Header) bool {
	if len(r) == 0 {
		return true
	}
	for name, rule := range r {
		for _, observed := range h.Values(name) {
			if rule.Present {
				return true
			}
			trimmed := strings.TrimSpace(observed)
			for _, want := range rule.Values {
				if trimmed == want {
					return true
				}
			}
		}
	}
	return false
}
