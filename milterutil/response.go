package milterutil

import (
	"fmt"
	"strings"
)

// MaxResponseSize is the technical maximum size of an SMTP response string
// in one milter packet: 64 KiB minus the command byte and null terminator.
const MaxResponseSize = 64*1024 - 2

// maxLineLength is the longest reply line we produce. SMTP allows up to
// 1000 bytes but some MTAs force line breaks at lower limits.
const maxLineLength = 950

// FormatResponse builds the SMTP response string for smtpCode and reason.
// smtpCode must be between 100 and 599. reason may contain newlines; the
// result is then a multi-line reply. Overlong lines are broken. "%" signs
// are doubled because the MTA runs the text through a printf-style
// formatter.
func FormatResponse(smtpCode uint16, reason string) (string, error) {
	if smtpCode < 100 || smtpCode > 599 {
		return "", fmt.Errorf("milterutil: invalid SMTP code %d", smtpCode)
	}
	reason = CrLfToLf(strings.TrimRight(reason, "\r\n"))
	reason = strings.ReplaceAll(reason, "%", "%%")

	var lines []string
	for _, line := range strings.Split(reason, "\n") {
		for len(line) > maxLineLength {
			cut := maxLineLength
			// do not cut in the middle of an UTF-8 sequence
			for cut > maxLineLength-4 && line[cut]&0xc0 == 0x80 {
				cut--
			}
			lines = append(lines, line[:cut])
			line = line[cut:]
		}
		lines = append(lines, line)
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\r\n")
		}
		if i < len(lines)-1 {
			fmt.Fprintf(&b, "%d-%s", smtpCode, line)
		} else {
			fmt.Fprintf(&b, "%d %s", smtpCode, line)
		}
	}
	if b.Len() > MaxResponseSize {
		return "", fmt.Errorf("milterutil: formatted reason too long: %d > %d", b.Len(), MaxResponseSize)
	}
	return b.String(), nil
}
