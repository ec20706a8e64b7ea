package rewrite

import (
	"net/textproto"
)

// Field is one header field as received from the MTA: the name as sent and
// the raw, untouched value. Insertion order is preserved by [Header]; a
// name may repeat.
type Field struct {
	CanonicalKey string
	Name         string
	Value        string
}

// Header is the ordered header set accumulated for one message.
type Header struct {
	fields []Field
}

// Add appends a field, keeping arrival order.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{
		CanonicalKey: textproto.CanonicalMIMEHeaderKey(name),
		Name:         name,
		Value:        value,
	})
}

// Get returns the raw value of the first field with the given name and
// whether such a field exists. Lookup is case-insensitive.
func (h *Header) Get(name string) (string, bool) {
	key := textproto.CanonicalMIMEHeaderKey(name)
	for _, f := range h.fields {
		if f.CanonicalKey == key {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns the raw values of all fields with the given name in
// arrival order.
func (h *Header) Values(name string) []string {
	key := textproto.CanonicalMIMEHeaderKey(name)
	var out []string
	for _, f := range h.fields {
		if f.CanonicalKey == key {
			out = append(out, f.Value)
		}
	}
	return out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}
