package packet

import (
	"bytes"
	"io"
)

// Pingreq has no variable header or payload.
type Pingreq struct {
	*FixedHeader
}

func (pkt *Pingreq) Kind() byte { return PINGREQ }

func (pkt *Pingreq) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *Pingreq) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedRemainingLength
	}
	return nil
}
