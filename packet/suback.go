package packet

import (
	"bytes"
	"io"
)

// Suback acknowledges a Subscribe, one SubscribeResult byte per requested
// filter, in the same order (spec §4.1).
type Suback struct {
	*FixedHeader
	PacketID uint16
	Results  []SubscribeResult
}

func (pkt *Suback) Kind() byte { return SUBACK }

func (pkt *Suback) Pack(w io.Writer) error {
	if pkt.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(pkt.Results) == 0 {
		return ErrEmptySubscribePayload
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	for _, r := range pkt.Results {
		if !r.valid() {
			return ErrInvalidReturnCode
		}
		buf.WriteByte(byte(r))
	}

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Suback) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrShortRead
	}
	pkt.PacketID = beUint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if buf.Len() == 0 {
		return ErrEmptySubscribePayload
	}
	for buf.Len() > 0 {
		b, _ := buf.ReadByte()
		r := SubscribeResult(b)
		if !r.valid() {
			return ErrInvalidReturnCode
		}
		pkt.Results = append(pkt.Results, r)
	}
	return nil
}
