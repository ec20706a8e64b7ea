// Package milterutil contains helpers for payloads crossing the milter
// protocol boundary: line ending canonicalization and SMTP reply formatting.
package milterutil

import (
	"golang.org/x/text/transform"
)

const cr = '\r'
const lf = '\n'

// CrLfToLfTransformer is a [transform.Transformer] that replaces all CR LF
// pairs and lone CRs in src with LF in dst.
type CrLfToLfTransformer struct {
	prevCR bool
}

func (t *CrLfToLfTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nDst < len(dst) && nSrc < len(src) {
		c := src[nSrc]
		if c == lf && t.prevCR {
			t.prevCR = false
			nSrc++
			continue
		}
		t.prevCR = c == cr
		if t.prevCR {
			c = lf
		}
		dst[nDst] = c
		nDst++
		nSrc++
	}
	if nSrc < len(src) {
		err = transform.ErrShortDst
	}
	// a trailing CR may be followed by a LF in the next chunk
	if err == nil && !atEOF && len(src) > 0 && src[len(src)-1] == cr {
		err = transform.ErrShortSrc
		nSrc--
		nDst--
		return
	}
	return
}

func (t *CrLfToLfTransformer) Reset() {
	t.prevCR = false
}

var _ transform.Transformer = &CrLfToLfTransformer{}

// CrLfToLf canonicalizes all line endings in s to LF.
//
// Postfix wants LF line endings in header values; CRLF would end up as
// doubled CR sequences in the delivered message.
func CrLfToLf(s string) string {
	dst, _, err := transform.String(&CrLfToLfTransformer{}, s)
	if err != nil {
		panic(err)
	}
	return dst
}
