package rewrite

import "testing"

func headerOf(pairs ...string) *Header {
	h := &Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

func TestRulesMatch(t *testing.T) {
	tests := []struct {
		name  string
		rules Rules
		h     *Header
		want  bool
	}{
		{"NilRules", nil, headerOf("From", "a@example.org"), true},
		{"EmptyRules", Rules{}, headerOf(), true},
		{
			"PresenceHit",
			Rules{"X-Mailgoat-Rewrite": {Present: true}},
			headerOf("X-Mailgoat-Rewrite", "anything"),
			true,
		},
		{
			"PresenceMiss",
			Rules{"X-Mailgoat-Rewrite": {Present: true}},
			headerOf("From", "a@example.org"),
			false,
		},
		{
			"ValueHit",
			Rules{"Precedence": {Values: []string{"list"}}},
			headerOf("Precedence", "list"),
			true,
		},
		{
			"ValueMiss",
			Rules{"Precedence": {Values: []string{"list"}}},
			headerOf("Precedence", "bulk"),
			false,
		},
		{
			"AnyOfList",
			Rules{"Precedence": {Values: []string{"list", "bulk"}}},
			headerOf("Precedence", "bulk"),
			true,
		},
		{
			"OrAcrossRules",
			Rules{
				"Precedence":   {Values: []string{"list"}},
				"X-Rewrite-Me": {Present: true},
			},
			headerOf("X-Rewrite-Me", "1"),
			true,
		},
		{
			"CaseInsensitiveName",
			Rules{"precedence": {Values: []string{"list"}}},
			headerOf("PRECEDENCE", "list"),
			true,
		},
		{
			"CaseSensitiveValue",
			Rules{"Precedence": {Values: []string{"list"}}},
			headerOf("Precedence", "List"),
			false,
		},
		{
			"TrimmedObservedValue",
			Rules{"Precedence": {Values: []string{"list"}}},
			headerOf("Precedence", "  list  "),
			true,
		},
		{
			"SecondInstanceMatches",
			Rules{"X-Tag": {Values: []string{"yes"}}},
			headerOf("X-Tag", "no", "X-Tag", "yes"),
			true,
		},
		{
			"EmptyValuesNeverMatch",
			Rules{"X-Tag": {}},
			headerOf("X-Tag", "anything"),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rules.Match(tt.h); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRulesSet(t *testing.T) {
	r := Rules{}
	r.Set("x-rewrite-me", Rule{Present: true})
	if _, ok := r["X-Rewrite-Me"]; !ok {
		t.Fatalf("Set did not canonicalize the key: %v", r)
	}
	if !r.Match(headerOf("X-REWRITE-ME", "1")) {
		t.Error("canonicalized rule did not match differently cased header")
	}
}
