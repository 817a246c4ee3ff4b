package packet

import (
	"bytes"
	"io"
)

// Pubrel is the second half of the QoS-2 handshake. Its reserved bits are
// fixed to 0b0010, matching Subscribe/Unsubscribe (enforced by
// FixedHeader.validateFlags on decode).
type Pubrel struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *Pubrel) Kind() byte { return PUBREL }

func (pkt *Pubrel) Pack(w io.Writer) error {
	pkt.Dup, pkt.QoS, pkt.Retain = 0, 1, 0
	return packIDOnly(pkt.FixedHeader, pkt.PacketID, w)
}

func (pkt *Pubrel) Unpack(buf *bytes.Buffer) error {
	id, err := unpackIDOnly(pkt.FixedHeader, buf)
	pkt.PacketID = id
	return err
}
