package packet

import (
	"bytes"
	"io"
)

// Filter is one (topic filter, requested QoS) pair of a Subscribe payload.
type Filter struct {
	TopicFilter string
	QoS         uint8
}

// Subscribe requests one or more topic filters (spec §4.1). The fixed
// header's reserved nibble is fixed to 0b0010. The payload must carry at
// least one filter.
type Subscribe struct {
	*FixedHeader
	PacketID uint16
	Filters  []Filter
}

func (pkt *Subscribe) Kind() byte { return SUBSCRIBE }

func (pkt *Subscribe) Pack(w io.Writer) error {
	if pkt.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(pkt.Filters) == 0 {
		return ErrEmptySubscribePayload
	}
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(i2b(pkt.PacketID))
	for _, f := range pkt.Filters {
		buf.Write(s2b(f.TopicFilter))
		buf.WriteByte(f.QoS)
	}

	pkt.Dup, pkt.QoS, pkt.Retain = 0, 1, 0
	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Subscribe) Unpack(buf *bytes.Buffer) error {
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
		if buf.Len() < 1 {
			return ErrShortRead
		}
		qos, _ := buf.ReadByte()
		if qos > 2 {
			return ErrInvalidQoSLevel
		}
		pkt.Filters = append(pkt.Filters, Filter{TopicFilter: topic, QoS: qos})
	}
	if len(pkt.Filters) == 0 {
		return ErrEmptySubscribePayload
	}
	return nil
}
