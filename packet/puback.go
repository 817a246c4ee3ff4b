package packet

import (
	"bytes"
	"io"
)

// Puback acknowledges a QoS-1 Publish (spec §4.1). Remaining length is
// always exactly 2: a nonzero packet identifier.
type Puback struct {
	*FixedHeader
	PacketID uint16
}

func (pkt *Puback) Kind() byte { return PUBACK }

func (pkt *Puback) Pack(w io.Writer) error {
	return packIDOnly(pkt.FixedHeader, pkt.PacketID, w)
}

func (pkt *Puback) Unpack(buf *bytes.Buffer) error {
	id, err := unpackIDOnly(pkt.FixedHeader, buf)
	pkt.PacketID = id
	return err
}

// packIDOnly and unpackIDOnly implement the shared wire shape of Puback,
// Pubrec, Pubcomp and Unsuback: remaining length 2, one nonzero packet
// identifier, no payload.
func packIDOnly(h *FixedHeader, id uint16, w io.Writer) error {
	if id == 0 {
		return ErrInvalidPacketID
	}
	h.RemainingLength = 2
	if err := h.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(i2b(id))
	return err
}

func unpackIDOnly(h *FixedHeader, buf *bytes.Buffer) (uint16, error) {
	if h.RemainingLength != 2 || buf.Len() < 2 {
		return 0, ErrShortRead
	}
	id := beUint16(buf.Next(2))
	if id == 0 {
		return 0, ErrInvalidPacketID
	}
	return id, nil
}
