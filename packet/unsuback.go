package packet

import (
	"bytes"
	"io"
)

// Unsuback acknowledges an Unsubscribe. Same wire shape as Puback: a bare
// packet identifier, no payload.
type Unsuback struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *Unsuback) Kind() byte { return UNSUBACK }

func (pkt *Unsuback) Pack(w io.Writer) error {
	return packIDOnly(pkt.FixedHeader, pkt.PacketID, w)
}

func (pkt *Unsuback) Unpack(buf *bytes.Buffer) error {
	id, err := unpackIDOnly(pkt.FixedHeader, buf)
	pkt.PacketID = id
	return err
}
