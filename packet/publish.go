package packet

import (
	"bytes"
	"io"
	"strings"
)

// Publish carries an application message (spec §4.1, §3 Message envelope).
// DUP occupies bit 3, QoS bits 2-1, Retain bit 0 of the fixed header flags;
// PacketID is present iff QoS > 0.
type Publish struct {
	*FixedHeader

	Message  *Message
	PacketID uint16
}

func (pkt *Publish) Kind() byte { return PUBLISH }

func (pkt *Publish) Pack(w io.Writer) error {
	if pkt.Message.TopicName == "" {
		return ErrTopicNameEmpty
	}
	if strings.ContainsAny(pkt.Message.TopicName, "+#") {
		return ErrTopicNameHasWildcards
	}

	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(s2b(pkt.Message.TopicName))
	if pkt.QoS > 0 {
		if pkt.PacketID == 0 {
			return ErrInvalidPacketID
		}
		buf.Write(i2b(pkt.PacketID))
	}
	buf.Write(pkt.Message.Content)

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Publish) Unpack(buf *bytes.Buffer) error {
	topic, err := decodeUTF8(buf)
	if err != nil {
		return err
	}
	if topic == "" {
		return ErrTopicNameEmpty
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrTopicNameHasWildcards
	}

	if pkt.QoS > 0 {
		if buf.Len() < 2 {
			return ErrShortRead
		}
		pkt.PacketID = beUint16(buf.Next(2))
		if pkt.PacketID == 0 {
			return ErrInvalidPacketID
		}
	}

	pkt.Message = &Message{TopicName: topic, Content: bytes.Clone(buf.Bytes())}
	buf.Next(buf.Len())
	return nil
}

// WithQoS returns a shallow copy of pkt with QoS overridden (Retain and
// DUP are copied unchanged), used by the broker to re-derive a per-recipient Publish without
// mutating the routed original.
func (pkt *Publish) WithQoS(qos uint8) *Publish {
	clone := *pkt
	fh := *pkt.FixedHeader
	fh.QoS = qos
	clone.FixedHeader = &fh
	return &clone
}
