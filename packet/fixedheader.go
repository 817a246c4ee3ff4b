package packet

import (
	"fmt"
	"io"
)

// FixedHeader is the 2-5 byte header present on every MQTT control packet:
// the packet type and per-type flag bits in byte 1, followed by the
// variable-length remaining-length field (spec §4.1).
//
//	Bit     | 7 6 5 4        | 3 2 1 0
//	byte 1  | Kind           | Dup, QoS, Retain (packet-specific)
//	byte 2+ | Remaining Length (1-4 bytes)
type FixedHeader struct {
	Kind            byte
	Dup             uint8
	QoS             uint8
	Retain          uint8
	RemainingLength uint32
}

func (h *FixedHeader) String() string {
	return fmt.Sprintf("%s len=%d", KindName[h.Kind], h.RemainingLength)
}

// Pack writes the fixed header, including the variable-length remaining
// length, to w.
func (h *FixedHeader) Pack(w io.Writer) error {
	b := make([]byte, 1, 5)
	b[0] = h.Kind<<4 | h.Dup<<3 | h.QoS<<1 | h.Retain
	enc, err := encodeLength(h.RemainingLength)
	if err != nil {
		return err
	}
	b = append(b, enc...)
	_, err = w.Write(b)
	return err
}

// readFixedHeader reads exactly one fixed header from r: the first byte,
// then the variable-length remaining-length field. It never reads the
// packet body.
func readFixedHeader(r io.Reader) (*FixedHeader, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	h := &FixedHeader{
		Kind:   b[0] >> 4,
		Dup:    (b[0] & 0b00001000) >> 3,
		QoS:    (b[0] & 0b00000110) >> 1,
		Retain: b[0] & 0b00000001,
	}
	if h.Kind > DISCONNECT {
		return h, ErrInvalidControlPacketType
	}
	if err := h.validateFlags(); err != nil {
		return h, err
	}
	rl, err := decodeLength(r)
	if err != nil {
		return h, err
	}
	h.RemainingLength = rl
	return h, nil
}

// validateFlags enforces the fixed reserved-bit pattern each packet type
// requires (spec §4.1): PUBLISH carries real DUP/QoS/Retain bits, PUBREL/
// SUBSCRIBE/UNSUBSCRIBE fix the nibble to 0b0010, and every other kind
// requires an all-zero nibble.
func (h *FixedHeader) validateFlags() error {
	switch h.Kind {
	case PUBLISH:
		if h.QoS > 2 {
			return ErrInvalidQoSLevel
		}
		if h.Dup == 1 && h.QoS == 0 {
			return ErrInvalidDupFlag
		}
		return nil
	case PUBREL, SUBSCRIBE, UNSUBSCRIBE:
		if h.Dup != 0 || h.QoS != 1 || h.Retain != 0 {
			return ErrInvalidReservedBits
		}
		return nil
	default:
		if h.Dup != 0 || h.QoS != 0 || h.Retain != 0 {
			return ErrInvalidReservedBits
		}
		return nil
	}
}
