// Package milter implements the server side of the Sendmail/Postfix milter
// protocol: capability negotiation, the per-connection session state machine
// and the modification actions a filter may send back to the MTA.
package milter

// MaxProtocolVersion is the maximum milter protocol version this server
// implements.
const MaxProtocolVersion uint32 = 6

// OptAction sets which modification actions the milter wants to perform.
// Multiple options can be set using a bitmask.
type OptAction uint32

const (
	OptAddHeader    OptAction = 1 << 0 // SMFIF_ADDHDRS
	OptChangeBody   OptAction = 1 << 1 // SMFIF_CHGBODY
	OptAddRcpt      OptAction = 1 << 2 // SMFIF_ADDRCPT
	OptRemoveRcpt   OptAction = 1 << 3 // SMFIF_DELRCPT
	OptChangeHeader OptAction = 1 << 4 // SMFIF_CHGHDRS
	OptQuarantine   OptAction = 1 << 5 // SMFIF_QUARANTINE
	OptChangeFrom   OptAction = 1 << 6 // SMFIF_CHGFROM [v6]
)

// OptProtocol masks out unwanted parts of the SMTP transaction.
// Multiple options can be set using a bitmask.
type OptProtocol uint32

const (
	OptNoConnect OptProtocol = 1 << 0 // MTA does not send connect events. SMFIP_NOCONNECT
	OptNoHelo    OptProtocol = 1 << 1 // MTA does not send HELO/EHLO events. SMFIP_NOHELO
	OptNoMail    OptProtocol = 1 << 2 // MTA does not send MAIL FROM events. SMFIP_NOMAIL
	OptNoRcpt    OptProtocol = 1 << 3 // MTA does not send RCPT TO events. SMFIP_NORCPT
	OptNoBody    OptProtocol = 1 << 4 // MTA does not send message body data. SMFIP_NOBODY
	OptNoHeaders OptProtocol = 1 << 5 // MTA does not send message header data. SMFIP_NOHDRS
	OptNoEOH     OptProtocol = 1 << 6 // MTA does not send the end of header event. SMFIP_NOEOH
	OptNoUnknown OptProtocol = 1 << 8 // MTA does not send unknown SMTP command events. SMFIP_NOUNKNOWN
	OptNoData    OptProtocol = 1 << 9 // MTA does not send the DATA start event. SMFIP_NODATA
)

// internal bits the MTA may set in the protocol mask during negotiation
// to offer larger packet sizes (bit 28, 29) plus SMFI_INTERNAL bit 30.
const (
	optMds256K  uint32 = 1 << 28
	optMds1M    uint32 = 1 << 29
	optInternal uint32 = optMds256K | optMds1M | 1<<30
)

// DataSize is the maximum payload size negotiated for one packet, excluding
// the command byte. Only three sizes exist in the milter protocol.
type DataSize uint32

const (
	DataSize64K  DataSize = 1024*64 - 1
	DataSize256K DataSize = 1024*256 - 1
	DataSize1M   DataSize = 1024*1024 - 1
)

// Milter is the callback interface a filter backend implements. One Milter
// instance handles exactly one message transaction: when the MTA reuses the
// connection for another message a fresh instance is created, so per-message
// state can never leak between messages.
type Milter interface {
	// Connect is called with the SMTP client connection data.
	Connect(host string, family string, port uint16, addr string, m *Modifier) (*Response, error)

	// Helo is called with the HELO/EHLO name.
	Helo(name string, m *Modifier) (*Response, error)

	// MailFrom is called with the envelope sender. It marks the start of a
	// message transaction.
	MailFrom(from string, esmtpArgs string, m *Modifier) (*Response, error)

	// RcptTo is called once per envelope recipient.
	RcptTo(rcptTo string, esmtpArgs string, m *Modifier) (*Response, error)

	// Data is called at the beginning of the DATA command.
	Data(m *Modifier) (*Response, error)

	// Header is called once for each header field of the message.
	Header(name string, value string, m *Modifier) (*Response, error)

	// Headers is called after the last header field. Decisions that depend
	// on the complete header set belong here.
	Headers(m *Modifier) (*Response, error)

	// BodyChunk is called for each chunk of the message body.
	BodyChunk(chunk []byte, m *Modifier) (*Response, error)

	// EndOfMessage is called at the end of the message. All modifications
	// must be sent here, before the returned response.
	EndOfMessage(m *Modifier) (*Response, error)

	// Abort is called when the MTA aborts the current message. All
	// message-scoped state must be discarded; the MTA will likely start
	// over with MailFrom on the same connection.
	Abort(m *Modifier) error

	// Unknown is called when the MTA saw an unknown SMTP command.
	Unknown(cmd string, m *Modifier) (*Response, error)

	// Cleanup is called when this Milter instance is discarded, e.g.
	// because the message was completed or the connection closed.
	Cleanup()
}

// NoOpMilter is a [Milter] that accepts everything unchanged. Embed it when
// you only need some of the callbacks.
type NoOpMilter struct{}

var _ Milter = NoOpMilter{}

func (NoOpMilter) Connect(host string, family string, port uint16, addr string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Helo(name string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) MailFrom(from string, esmtpArgs string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) RcptTo(rcptTo string, esmtpArgs string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Data(m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Header(name string, value string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Headers(m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) BodyChunk(chunk []byte, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) EndOfMessage(m *Modifier) (*Response, error) {
	return RespAccept, nil
}

func (NoOpMilter) Abort(_ *Modifier) error {
	return nil
}

func (NoOpMilter) Unknown(cmd string, m *Modifier) (*Response, error) {
	return RespContinue, nil
}

func (NoOpMilter) Cleanup() {}
