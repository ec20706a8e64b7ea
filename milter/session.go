package milter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/dmarcation/dmarcation/internal/metrics"
	"github.com/dmarcation/dmarcation/internal/wire"
)

// errCloseSession stops the command loop without logging an error.
var errCloseSession = errors.New("milter: close session")

// ProtocolError reports a malformed or out-of-sequence packet from the MTA.
// It is fatal for the owning connection only.
type ProtocolError struct {
	State  string
	Code   wire.Code
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("milter: protocol error in state %s: command %c: %s", e.State, e.Code, e.Reason)
	}
	return fmt.Sprintf("milter: protocol error in state %s: unexpected command %c", e.State, e.Code)
}

// sessionState is the explicit per-connection protocol state. Transitions
// only happen in session.process; every incoming command is checked against
// the current state first.
type sessionState int

const (
	// stateNegotiating means the capability exchange has not happened yet.
	stateNegotiating sessionState = iota
	// stateAwaitingMessage means capabilities are established and no
	// message transaction is open.
	stateAwaitingMessage
	// stateEnvelope means MAIL FROM was seen and the envelope is being
	// collected.
	stateEnvelope
	// stateCollectingHeaders means header fields are arriving.
	stateCollectingHeaders
	// stateBody means the header decision is done and body data passes
	// through until end-of-message.
	stateBody
)

func (s sessionState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateAwaitingMessage:
		return "awaiting-message"
	case stateEnvelope:
		return "envelope"
	case stateCollectingHeaders:
		return "collecting-headers"
	case stateBody:
		return "body"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session holds the per-connection state while talking to one MTA
// connection. Nothing in here is shared with other sessions.
type session struct {
	server   *Server
	conn     net.Conn
	log      *slog.Logger
	state    sessionState
	version  uint32
	actions  OptAction
	protocol OptProtocol
	backend  Milter
}

func (s *session) readPacket() (*wire.Message, error) {
	return wire.ReadPacket(s.conn, s.server.options.readTimeout)
}

func (s *session) writePacket(msg *wire.Message) error {
	return wire.WritePacket(s.conn, msg, s.server.options.writeTimeout)
}

// protocolErr builds a ProtocolError for the current state.
func (s *session) protocolErr(code wire.Code, reason string) *ProtocolError {
	return &ProtocolError{State: s.state.String(), Code: code, Reason: reason}
}

// eventAllowed reports whether the command is admissible in the current
// state. Macro, unknown-command and quit packets are valid at any point
// after negotiation; abort is valid whenever a message could be open.
func (s *session) eventAllowed(code wire.Code) bool {
	switch code {
	case wire.CodeMacro, wire.CodeUnknown, wire.CodeQuit, wire.CodeQuitNewConn, wire.CodeAbort:
		return s.state != stateNegotiating
	}
	switch s.state {
	case stateNegotiating:
		return code == wire.CodeOptNeg
	case stateAwaitingMessage:
		return code == wire.CodeConn || code == wire.CodeHelo || code == wire.CodeMail
	case stateEnvelope:
		return code == wire.CodeRcpt || code == wire.CodeData || code == wire.CodeHeader || code == wire.CodeEOH
	case stateCollectingHeaders:
		return code == wire.CodeHeader || code == wire.CodeEOH
	case stateBody:
		return code == wire.CodeBody || code == wire.CodeEOB
	default:
		return false
	}
}

// negotiate handles the SMFIC_OPTNEG exchange. The filter insists on its
// required modification actions; protocol stage suppressions are reduced to
// what the MTA offers.
func (s *session) negotiate(msg *wire.Message) (*Response, error) {
	if msg.Code != wire.CodeOptNeg {
		return nil, s.protocolErr(msg.Code, "expected option negotiation")
	}
	if len(msg.Data) < 4*3 {
		return nil, s.protocolErr(msg.Code, fmt.Sprintf("unexpected data size %d", len(msg.Data)))
	}
	mtaVersion := binary.BigEndian.Uint32(msg.Data[:4])
	mtaActions := OptAction(binary.BigEndian.Uint32(msg.Data[4:]))
	mtaProtocol := OptProtocol(binary.BigEndian.Uint32(msg.Data[8:]) & ^optInternal)

	if mtaVersion < 2 || mtaVersion > MaxProtocolVersion {
		return nil, fmt.Errorf("milter: negotiate: unsupported protocol version %d", mtaVersion)
	}
	required := s.server.options.actions
	if required&mtaActions != required {
		return nil, fmt.Errorf("milter: negotiate: MTA does not offer required actions: offered %032b, requested %032b", mtaActions, required)
	}
	s.version = mtaVersion
	s.actions = required
	s.protocol = s.server.options.protocol & mtaProtocol

	resp := make([]byte, 0, 12)
	for _, v := range []uint32{s.version, uint32(s.actions), uint32(s.protocol)} {
		resp = binary.BigEndian.AppendUint32(resp, v)
	}
	return newResponse(wire.CodeOptNeg, resp), nil
}

// newBackend swaps in a fresh Milter backend so that message state can
// never survive into the next transaction.
func (s *session) newBackend() {
	if s.backend != nil {
		s.backend.Cleanup()
	}
	s.backend = s.server.options.newMilterFn()
}

// process dispatches one command to the backend and performs the state
// transition. A nil response means no packet is sent back.
func (s *session) process(msg *wire.Message) (*Response, error) {
	if !s.eventAllowed(msg.Code) {
		return nil, s.protocolErr(msg.Code, "")
	}

	switch msg.Code {
	case wire.CodeOptNeg:
		return nil, s.protocolErr(msg.Code, "negotiation can happen only once per connection")

	case wire.CodeMacro:
		// No rule in this filter reads MTA macros; tolerate and skip.
		return nil, nil

	case wire.CodeConn:
		host, family, port, addr, err := parseConnInfo(msg.Data)
		if err != nil {
			return nil, s.protocolErr(msg.Code, err.Error())
		}
		return s.backend.Connect(host, family, port, addr, newModifier(s, true))

	case wire.CodeHelo:
		if len(msg.Data) == 0 {
			return nil, s.protocolErr(msg.Code, "empty HELO packet")
		}
		return s.backend.Helo(wire.CString(msg.Data), newModifier(s, true))

	case wire.CodeMail:
		if len(msg.Data) == 0 {
			return nil, s.protocolErr(msg.Code, "empty MAIL packet")
		}
		args := wire.CStrings(msg.Data)
		esmtp := ""
		if len(args) > 1 {
			esmtp = strings.Join(args[1:], " ")
		}
		s.state = stateEnvelope
		return s.backend.MailFrom(removeAngle(args[0]), esmtp, newModifier(s, true))

	case wire.CodeRcpt:
		if len(msg.Data) == 0 {
			return nil, s.protocolErr(msg.Code, "empty RCPT packet")
		}
		args := wire.CStrings(msg.Data)
		esmtp := ""
		if len(args) > 1 {
			esmtp = strings.Join(args[1:], " ")
		}
		return s.backend.RcptTo(removeAngle(args[0]), esmtp, newModifier(s, true))

	case wire.CodeData:
		return s.backend.Data(newModifier(s, true))

	case wire.CodeHeader:
		fields := wire.CStrings(msg.Data)
		if len(fields) != 2 {
			return nil, s.protocolErr(msg.Code, fmt.Sprintf("unexpected number of strings: %d", len(fields)))
		}
		s.state = stateCollectingHeaders
		return s.backend.Header(fields[0], fields[1], newModifier(s, true))

	case wire.CodeEOH:
		s.state = stateBody
		return s.backend.Headers(newModifier(s, true))

	case wire.CodeBody:
		return s.backend.BodyChunk(msg.Data, newModifier(s, true))

	case wire.CodeEOB:
		resp, err := s.backend.EndOfMessage(newModifier(s, false))
		s.state = stateAwaitingMessage
		s.newBackend()
		return resp, err

	case wire.CodeUnknown:
		return s.backend.Unknown(wire.CString(msg.Data), newModifier(s, true))

	case wire.CodeAbort:
		// Discard all message state and start over.
		err := s.backend.Abort(newModifier(s, true))
		s.state = stateAwaitingMessage
		s.newBackend()
		return nil, err

	case wire.CodeQuitNewConn:
		s.state = stateAwaitingMessage
		s.newBackend()
		return nil, nil

	case wire.CodeQuit:
		return nil, errCloseSession

	default:
		return nil, s.protocolErr(msg.Code, "unrecognized command")
	}
}

// handleCommands runs the per-connection loop: negotiation first, then event
// dispatch until quit, disconnect or a connection-fatal error.
func (s *session) handleCommands() {
	defer func() {
		if s.backend != nil {
			s.backend.Cleanup()
			s.backend = nil
		}
		if err := s.conn.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.log.Debug("error closing connection", "error", err)
		}
	}()

	msg, err := s.readPacket()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("error reading negotiation packet", "error", err)
		}
		return
	}
	resp, err := s.negotiate(msg)
	if err != nil {
		s.log.Warn("negotiation failed", "error", err)
		metrics.ProtocolErrors.Inc()
		return
	}
	s.state = stateAwaitingMessage
	s.newBackend()
	if err = s.writePacket(resp.Message()); err != nil {
		s.log.Warn("error writing negotiation response", "error", err)
		return
	}
	s.log.Debug("negotiated", "version", s.version, "actions", fmt.Sprintf("%b", s.actions), "protocol", fmt.Sprintf("%b", s.protocol))

	for {
		msg, err := s.readPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn("error reading packet", "error", err)
			}
			return
		}

		resp, err := s.process(msg)
		if err != nil {
			if errors.Is(err, errCloseSession) {
				return
			}
			var perr *ProtocolError
			if errors.As(err, &perr) {
				metrics.ProtocolErrors.Inc()
				s.log.Warn("protocol error, closing connection", "error", perr)
				// best effort: tell the MTA to try again later
				if r, ferr := RejectWithCodeAndReason(421, "4.3.0 milter protocol error"); ferr == nil {
					_ = s.writePacket(r.Message())
				}
				return
			}
			s.log.Warn("backend error, closing connection", "state", s.state.String(), "error", err)
			if resp != nil {
				_ = s.writePacket(resp.Message())
			}
			return
		}

		if resp == nil {
			continue
		}
		if err = s.writePacket(resp.Message()); err != nil {
			s.log.Warn("error writing packet", "error", err)
			return
		}
		if !resp.Continue() {
			// the MTA stops this transaction; prepare for the next one
			s.state = stateAwaitingMessage
			s.newBackend()
		}
	}
}

// removeAngle strips the angle brackets around an envelope address.
func removeAngle(addr string) string {
	if len(addr) > 1 && addr[0] == '<' && addr[len(addr)-1] == '>' {
		return addr[1 : len(addr)-1]
	}
	return addr
}

// parseConnInfo decodes the SMFIC_CONNECT payload: hostname, protocol
// family byte and, for inet/inet6/unix families, port and address.
func parseConnInfo(data []byte) (host, family string, port uint16, addr string, err error) {
	if len(data) == 0 {
		return "", "", 0, "", errors.New("empty connect packet")
	}
	host = wire.CString(data)
	if len(data) < len(host)+2 {
		return "", "", 0, "", errors.New("truncated connect packet")
	}
	data = data[len(host)+1:]
	famByte := data[0]
	data = data[1:]

	switch famByte {
	case 'U':
		return host, "unknown", 0, "", nil
	case 'L', '4', '6':
		if len(data) < 2 {
			return "", "", 0, "", errors.New("truncated connect packet")
		}
		port = binary.BigEndian.Uint16(data)
		addr = wire.CString(data[2:])
	default:
		return "", "", 0, "", fmt.Errorf("unexpected protocol family %c", famByte)
	}

	switch famByte {
	case 'L':
		return host, "unix", port, addr, nil
	case '4':
		ip := net.ParseIP(addr)
		if ip == nil || ip.To4() == nil {
			return "", "", 0, "", fmt.Errorf("unexpected ip4 address %q", addr)
		}
		return host, "tcp4", port, addr, nil
	default: // '6'
		a := addr
		if len(a) > 2 && a[0] == '[' && a[len(a)-1] == ']' {
			a = a[1 : len(a)-1]
		} else {
			a = strings.TrimPrefix(a, "IPv6:")
		}
		ip := net.ParseIP(a)
		if ip == nil {
			return "", "", 0, "", fmt.Errorf("unexpected ip6 address %q", addr)
		}
		return host, "tcp6", port, ip.String(), nil
	}
}
