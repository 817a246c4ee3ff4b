package packet

import "bytes"
import "io"

// Pubrec is the first half of the QoS-2 handshake (spec §1: the broker
// downgrades QoS 2 to QoS 1, so it never originates this kind, but the
// codec must still round-trip it for "all 14 control packets").
type Pubrec struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *Pubrec) Kind() byte { return PUBREC }

func (pkt *Pubrec) Pack(w io.Writer) error {
	return packIDOnly(pkt.FixedHeader, pkt.PacketID, w)
}

func (pkt *Pubrec) Unpack(buf *bytes.Buffer) error {
	id, err := unpackIDOnly(pkt.FixedHeader, buf)
	pkt.PacketID = id
	return err
}
