package packet

import (
	"bytes"
	"io"
)

// Connack is the broker's reply to a CONNECT (spec §4.1): a session-present
// flag and a return code. Remaining length is always exactly 2.
type Connack struct {
	*FixedHeader

	SessionPresent bool
	ReturnCode     ReturnCode
}

func (pkt *Connack) Kind() byte { return CONNACK }

func (pkt *Connack) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	var ackFlags byte
	if pkt.SessionPresent {
		ackFlags = 0x01
	}
	buf.WriteByte(ackFlags)
	buf.WriteByte(byte(pkt.ReturnCode))

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Connack) Unpack(buf *bytes.Buffer) error {
	if pkt.RemainingLength != 2 {
		return ErrShortRead
	}
	ackFlags, _ := buf.ReadByte()
	if ackFlags&0xFE != 0 {
		return ErrInvalidReservedBits
	}
	pkt.SessionPresent = ackFlags&0x01 != 0

	rc, _ := buf.ReadByte()
	pkt.ReturnCode = ReturnCode(rc)
	if !pkt.ReturnCode.valid() {
		return ErrInvalidReturnCode
	}
	return nil
}
