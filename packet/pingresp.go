package packet

import (
	"bytes"
	"io"
)

// Pingresp has no variable header or payload.
type Pingresp struct {
	*FixedHeader
}

func (pkt *Pingresp) Kind() byte { return PINGRESP }

func (pkt *Pingresp) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *Pingresp) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedRemainingLength
	}
	return nil
}
