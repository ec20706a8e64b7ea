package milterutil

import (
	"io"
	"strings"
	"testing"

	"golang.org/x/text/transform"
)

func TestCrLfToLfTransformer(t *testing.T) {
	tests := []struct {
		inputs   []string
		expected string
	}{
		{[]string{""}, ""},
		{[]string{"no line endings"}, "no line endings"},
		{[]string{"a\r\nb"}, "a\nb"},
		{[]string{"a\rb"}, "a\nb"},
		{[]string{"a\nb"}, "a\nb"},
		{[]string{"a\r\n\r\nb"}, "a\n\nb"},
		{[]string{"a\r", "\nb"}, "a\nb"},
		{[]string{"a\r", "b"}, "a\nb"},
		{[]string{"a\r"}, "a\n"},
		{[]string{"\r\n"}, "\n"},
		{[]string{"\r", "\r", "\n"}, "\n\n"},
		{[]string{strings.Repeat("x\r\n", 5000)}, strings.Repeat("x\n", 5000)},
	}
	for _, tt := range tests {
		name := strings.Join(tt.inputs, "|")
		if len(name) > 40 {
			name = name[:40]
		}
		t.Run(name, func(t *testing.T) {
			// feed in the given chunks so a CR can land at a chunk boundary
			r, w := io.Pipe()
			go func() {
				for _, s := range tt.inputs {
					_, _ = w.Write([]byte(s))
				}
				_ = w.Close()
			}()
			got, err := io.ReadAll(transform.NewReader(r, &CrLfToLfTransformer{}))
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.expected {
				t.Errorf("chunked: got %q, want %q", got, tt.expected)
			}

			got2, _, err := transform.String(&CrLfToLfTransformer{}, strings.Join(tt.inputs, ""))
			if err != nil {
				t.Fatal(err)
			}
			if got2 != tt.expected {
				t.Errorf("one shot: got %q, want %q", got2, tt.expected)
			}
		})
	}
}

func TestCrLfToLf(t *testing.T) {
	if got := CrLfToLf("a\r\nb\rc\nd"); got != "a\nb\nc\nd" {
		t.Errorf("CrLfToLf() = %q", got)
	}
}
