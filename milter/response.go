package milter

import (
	"fmt"
	"strings"

	"github.com/dmarcation/dmarcation/internal/wire"
	"github.com/dmarcation/dmarcation/milterutil"
)

// Response is what a [Milter] callback returns to tell the MTA how to
// proceed with the current SMTP transaction.
type Response struct {
	code wire.Code
	data []byte
}

// Message returns the wire packet for this response.
func (r *Response) Message() *wire.Message {
	return &wire.Message{Code: r.code, Data: r.data}
}

// Continue reports whether the MTA will keep sending events for this
// transaction after receiving the response.
func (r *Response) Continue() bool {
	switch wire.ActionCode(r.code) {
	case wire.ActAccept, wire.ActDiscard, wire.ActReject, wire.ActTempFail, wire.ActReplyCode:
		return false
	default:
		return true
	}
}

func newResponse(code wire.Code, data []byte) *Response {
	return &Response{code: code, data: data}
}

func newResponseStr(code wire.Code, data string) (*Response, error) {
	if len(data) > int(DataSize64K)-1 {
		return nil, fmt.Errorf("milter: invalid data length: %d > %d", len(data), int(DataSize64K)-1)
	}
	if strings.ContainsRune(data, 0) {
		return nil, fmt.Errorf("milter: invalid data: cannot contain null-bytes")
	}
	return newResponse(code, []byte(data+"\x00")), nil
}

// RejectWithCodeAndReason stops processing and tells the MTA the SMTP error
// code and reason to send. smtpCode must be in the 4xx or 5xx range.
func RejectWithCodeAndReason(smtpCode uint16, reason string) (*Response, error) {
	if smtpCode < 400 || smtpCode > 599 {
		return nil, fmt.Errorf("milter: invalid code %d", smtpCode)
	}
	data, err := milterutil.FormatResponse(smtpCode, reason)
	if err != nil {
		return nil, err
	}
	return newResponseStr(wire.Code(wire.ActReplyCode), data)
}

// Standard responses with no payload.
var (
	// RespAccept accepts the current transaction. No more events follow.
	RespAccept = &Response{code: wire.Code(wire.ActAccept)}

	// RespContinue lets the current transaction continue.
	RespContinue = &Response{code: wire.Code(wire.ActContinue)}

	// RespDiscard silently discards the current transaction.
	RespDiscard = &Response{code: wire.Code(wire.ActDiscard)}

	// RespReject rejects the current transaction with a permanent error.
	RespReject = &Response{code: wire.Code(wire.ActReject)}

	// RespTempFail rejects the current transaction with a temporary error.
	RespTempFail = &Response{code: wire.Code(wire.ActTempFail)}
)

// respProgress tells the MTA that a long-running operation makes progress.
var respProgress = &Response{code: wire.Code(wire.ActProgress)}
