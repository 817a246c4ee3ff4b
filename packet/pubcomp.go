package packet

import (
	"bytes"
	"io"
)

// Pubcomp completes the QoS-2 handshake.
type Pubcomp struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *Pubcomp) Kind() byte { return PUBCOMP }

func (pkt *Pubcomp) Pack(w io.Writer) error {
	return packIDOnly(pkt.FixedHeader, pkt.PacketID, w)
}

func (pkt *Pubcomp) Unpack(buf *bytes.Buffer) error {
	id, err := unpackIDOnly(pkt.FixedHeader, buf)
	pkt.PacketID = id
	return err
}
