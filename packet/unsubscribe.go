package packet

import (
	"bytes"
	"io"
)

// Unsubscribe removes one or more topic filters (spec §4.1). Reserved bits
// fixed to 0b0010, same as Subscribe.
type Unsubscribe struct {
	*FixedHeader
	PacketID     uint16
	TopicFilters []string
}

func (pkt *Unsubscribe) Kind() byte { return UNSUBSCRIBE }

func (pkt *Unsubscribe) Pack(w io.Writer) error {
	if pkt.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(pkt.TopicFilters) == 0 {
		return ErrEmptySubscribePayload
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	for _, f := range pkt.TopicFilters {
		buf.Write(s2b(f))
	}

	pkt.Dup, pkt.QoS, pkt.Retain = 0, 1, 0
	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Unsubscribe) Unpack(buf *bytes.Buffer) error {
	if buf.Len() < 2 {
		return ErrShortRead
	}
	pkt.PacketID = beUint16(buf.Next(2))
	if pkt.PacketID == 0 {
		return ErrInvalidPacketID
	}
	for buf.Len() > 0 {
		topic, err := decodeUTF8(buf)
		if err != nil {
			return err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, topic)
	}
	if len(pkt.TopicFilters) == 0 {
		return ErrEmptySubscribePayload
	}
	return nil
}
