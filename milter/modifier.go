package milter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dmarcation/dmarcation/internal/wire"
	"github.com/dmarcation/dmarcation/milterutil"
)

// ErrModificationNotAllowed is returned when a modification was not
// negotiated with the MTA.
var ErrModificationNotAllowed = errors.New("milter: modification not allowed via milter protocol negotiation")

// errModifierReadOnly is returned when a modification is attempted outside
// the end-of-message exchange. The milter protocol only accepts
// modification packets there.
var errModifierReadOnly = errors.New("milter: modifications are only allowed in the end-of-message callback")

// Modifier lets callback handlers modify the current message. Modification
// methods may only be called inside [Milter.EndOfMessage]; everywhere else
// they return an error.
type Modifier struct {
	writePacket func(*wire.Message) error
	readOnly    bool
	actions     OptAction
}

// newModifier creates the Modifier handed to a callback. Outside the
// end-of-message exchange it refuses to write modification packets.
func newModifier(s *session, readOnly bool) *Modifier {
	return &Modifier{
		writePacket: s.writePacket,
		readOnly:    readOnly,
		actions:     s.actions,
	}
}

func (m *Modifier) writeModification(msg *wire.Message) error {
	if m.readOnly {
		return errModifierReadOnly
	}
	return m.writePacket(msg)
}

// AddHeader appends a header field to the end of the message header.
func (m *Modifier) AddHeader(name, value string) error {
	if m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	var data []byte
	data = wire.AppendCString(data, name)
	data = wire.AppendCString(data, milterutil.CrLfToLf(value))
	return m.writeModification(&wire.Message{Code: wire.Code(wire.ActAddHeader), Data: data})
}

// ChangeHeader replaces the index-th occurrence (one-based, per canonical
// header name) of the named header field. An empty value deletes the field.
// If index exceeds the number of occurrences the MTA adds a new field.
func (m *Modifier) ChangeHeader(index int, name, value string) error {
	if m.actions&OptChangeHeader == 0 {
		return ErrModificationNotAllowed
	}
	if index < 0 || index > int(^uint32(0)>>1) {
		return fmt.Errorf("milter: invalid header index %d", index)
	}
	data := binary.BigEndian.AppendUint32(nil, uint32(index))
	data = wire.AppendCString(data, name)
	data = wire.AppendCString(data, milterutil.CrLfToLf(value))
	return m.writeModification(&wire.Message{Code: wire.Code(wire.ActChangeHeader), Data: data})
}

// InsertHeader inserts a header field at the given position. index is
// one-based; zero means at the very beginning.
func (m *Modifier) InsertHeader(index int, name, value string) error {
	// insert header has no action flag of its own
	if m.actions&OptChangeHeader == 0 && m.actions&OptAddHeader == 0 {
		return ErrModificationNotAllowed
	}
	if index < 0 || index > int(^uint32(0)>>1) {
		return fmt.Errorf("milter: invalid header index %d", index)
	}
	data := binary.BigEndian.AppendUint32(nil, uint32(index))
	data = wire.AppendCString(data, name)
	data = wire.AppendCString(data, milterutil.CrLfToLf(value))
	return m.writeModification(&wire.Message{Code: wire.Code(wire.ActInsertHeader), Data: data})
}

// Quarantine asks the MTA to hold the message, giving a reason.
func (m *Modifier) Quarantine(reason string) error {
	if m.actions&OptQuarantine == 0 {
		return ErrModificationNotAllowed
	}
	return m.writeModification(&wire.Message{Code: wire.Code(wire.ActQuarantine), Data: wire.AppendCString(nil, reason)})
}

// Progress tells the MTA that a long-running callback still makes progress.
// It can be sent at any protocol stage.
func (m *Modifier) Progress() error {
	return m.writePacket(respProgress.Message())
}
