package packet

import (
	"bytes"
	"io"
)

// Disconnect has no variable header or payload. Receiving it discards the
// Will Message (spec §4.3.1).
type Disconnect struct {
	*FixedHeader
}

func (pkt *Disconnect) Kind() byte { return DISCONNECT }

func (pkt *Disconnect) Pack(w io.Writer) error {
	pkt.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *Disconnect) Unpack(buf *bytes.Buffer) error {
	if buf.Len() != 0 {
		return ErrMalformedRemainingLength
	}
	return nil
}
