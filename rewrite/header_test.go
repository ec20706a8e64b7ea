package rewrite

import (
	"reflect"
	"testing"
)

func TestHeaderGet(t *testing.T) {
	h := &Header{}
	h.Add("From", "first@example.org")
	h.Add("FROM", "second@example.org")
	h.Add("Subject", "hi")

	got, ok := h.Get("from")
	if !ok || got != "first@example.org" {
		t.Errorf("Get(from) = %q, %v, want first@example.org, true", got, ok)
	}
	if _, ok := h.Get("To"); ok {
		t.Error("Get(To) found a field that was never added")
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}
}

func TestHeaderValues(t *testing.T) {
	h := &Header{}
	h.Add("Received", "one")
	h.Add("Subject", "hi")
	h.Add("received", "two")

	want := []string{"one", "two"}
	if got := h.Values("Received"); !reflect.DeepEqual(got, want) {
		t.Errorf("Values(Received) = %v, want %v", got, want)
	}
	if got := h.Values("To"); got != nil {
		t.Errorf("Values(To) = %v, want nil", got)
	}
}
