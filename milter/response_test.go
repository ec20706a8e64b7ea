package milter

import (
	"strings"
	"testing"

	"github.com/dmarcation/dmarcation/internal/wire"
)

func TestResponseContinue(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want bool
	}{
		{"Accept", RespAccept, false},
		{"Discard", RespDiscard, false},
		{"Reject", RespReject, false},
		{"TempFail", RespTempFail, false},
		{"Continue", RespContinue, true},
		{"Progress", respProgress, true},
		{"OptNeg", newResponse(wire.CodeOptNeg, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.Continue(); got != tt.want {
				t.Errorf("Continue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRejectWithCodeAndReason(t *testing.T) {
	tests := []struct {
		name     string
		smtpCode uint16
		reason   string
		want     string
		wantErr  bool
	}{
		{"TempFail", 421, "4.3.0 try again later", "421 4.3.0 try again later\x00", false},
		{"PermFail", 550, "go away", "550 go away\x00", false},
		{"Multiline", 550, "line 1\nline 2", "550-line 1\r\n550 line 2\x00", false},
		{"TooSmall", 399, "", "", true},
		{"TooBig", 600, "", "", true},
		{"NotAnError", 250, "ok", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := RejectWithCodeAndReason(tt.smtpCode, tt.reason)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RejectWithCodeAndReason() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			msg := resp.Message()
			if wire.ActionCode(msg.Code) != wire.ActReplyCode {
				t.Errorf("code = %c, want %c", msg.Code, wire.ActReplyCode)
			}
			if string(msg.Data) != tt.want {
				t.Errorf("data = %q, want %q", msg.Data, tt.want)
			}
			if resp.Continue() {
				t.Error("reply code response reported Continue() = true")
			}
		})
	}
}

func TestNewResponseStr(t *testing.T) {
	if _, err := newResponseStr(wire.Code(wire.ActReplyCode), "a\x00b"); err == nil {
		t.Error("null byte in response accepted")
	}
	if _, err := newResponseStr(wire.Code(wire.ActReplyCode), strings.Repeat("x", int(DataSize64K))); err == nil {
		t.Error("overlong response accepted")
	}
}
