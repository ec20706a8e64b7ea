// Package wire implements the framing of the raw libmilter protocol: big
// endian length-prefixed packets with a one byte command code.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Code is the command byte of a packet sent by the MTA.
type Code byte

const (
	CodeOptNeg      Code = 'O' // SMFIC_OPTNEG
	CodeMacro       Code = 'D' // SMFIC_MACRO
	CodeConn        Code = 'C' // SMFIC_CONNECT
	CodeQuit        Code = 'Q' // SMFIC_QUIT
	CodeHelo        Code = 'H' // SMFIC_HELO
	CodeMail        Code = 'M' // SMFIC_MAIL
	CodeRcpt        Code = 'R' // SMFIC_RCPT
	CodeHeader      Code = 'L' // SMFIC_HEADER
	CodeEOH         Code = 'N' // SMFIC_EOH
	CodeBody        Code = 'B' // SMFIC_BODY
	CodeEOB         Code = 'E' // SMFIC_BODYEOB
	CodeAbort       Code = 'A' // SMFIC_ABORT
	CodeData        Code = 'T' // SMFIC_DATA
	CodeQuitNewConn Code = 'K' // SMFIC_QUIT_NC [v6]
	CodeUnknown     Code = 'U' // SMFIC_UNKNOWN [v6]
)

// ActionCode is the command byte of a reply packet sent by the milter.
type ActionCode byte

const (
	ActAccept    ActionCode = 'a' // SMFIR_ACCEPT
	ActContinue  ActionCode = 'c' // SMFIR_CONTINUE
	ActDiscard   ActionCode = 'd' // SMFIR_DISCARD
	ActReject    ActionCode = 'r' // SMFIR_REJECT
	ActTempFail  ActionCode = 't' // SMFIR_TEMPFAIL
	ActReplyCode ActionCode = 'y' // SMFIR_REPLYCODE
	ActSkip      ActionCode = 's' // SMFIR_SKIP [v6]
	ActProgress  ActionCode = 'p' // SMFIR_PROGRESS [v6]
)

// ModifyActCode is the command byte of a message modification packet sent by
// the milter during the end-of-message exchange.
type ModifyActCode byte

const (
	ActAddRcpt      ModifyActCode = '+' // SMFIR_ADDRCPT
	ActDelRcpt      ModifyActCode = '-' // SMFIR_DELRCPT
	ActReplBody     ModifyActCode = 'b' // SMFIR_REPLBODY
	ActAddHeader    ModifyActCode = 'h' // SMFIR_ADDHEADER
	ActChangeHeader ModifyActCode = 'm' // SMFIR_CHGHEADER
	ActInsertHeader ModifyActCode = 'i' // SMFIR_INSHEADER
	ActQuarantine   ModifyActCode = 'q' // SMFIR_QUARANTINE
	ActChangeFrom   ModifyActCode = 'e' // SMFIR_CHGFROM [v6]
)

// Message is one milter packet: a command code and its payload.
type Message struct {
	Code Code
	Data []byte
}

// We reject reading/writing packets larger than 512 MB outright.
const maxPacketSize = 512 * 1024 * 1024

// ReadPacket reads one packet from conn. A timeout of zero means no deadline.
func ReadPacket(conn net.Conn, timeout time.Duration) (*Message, error) {
	if timeout != 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 || length > maxPacketSize {
		return nil, fmt.Errorf("wire: invalid packet length %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}

	return &Message{Code: Code(data[0]), Data: data[1:]}, nil
}

// WritePacket writes one packet to conn. A timeout of zero means no deadline.
func WritePacket(conn net.Conn, msg *Message, timeout time.Duration) error {
	if msg == nil {
		return errors.New("wire: nil message")
	}
	if timeout != 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	length := len(msg.Data) + 1
	if length > maxPacketSize {
		return fmt.Errorf("wire: cannot write %d bytes in one packet", length)
	}

	if _, err := conn.Write([]byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length), byte(msg.Code)}); err != nil {
		return err
	}
	if len(msg.Data) == 0 {
		return nil
	}
	_, err := conn.Write(msg.Data)
	return err
}

// CString returns the null-terminated string at the start of data. If data
// holds no null byte the whole slice is returned.
func CString(data []byte) string {
	if pos := bytes.IndexByte(data, 0); pos >= 0 {
		return string(data[:pos])
	}
	return string(data)
}

// CStrings splits data into its null-terminated strings. The terminator of
// the last string may be missing.
func CStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return strings.Split(string(data), "\x00")
}

// AppendCString appends s plus a null terminator to dest, like append does.
// s must not contain null bytes.
func AppendCString(dest []byte, s string) []byte {
	dest = append(dest, s...)
	return append(dest, 0)
}

