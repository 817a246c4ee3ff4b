package packet

import (
	"bytes"
	"testing"
)

func TestConnackRoundTrip(t *testing.T) {
	c := &Connack{
		FixedHeader:    &FixedHeader{Kind: CONNACK},
		SessionPresent: true,
		ReturnCode:     Accepted,
	}
	got := packUnpack(t, c).(*Connack)
	if !got.SessionPresent {
		t.Error("SessionPresent = false, want true")
	}
	if got.ReturnCode != Accepted {
		t.Errorf("ReturnCode = %v, want Accepted", got.ReturnCode)
	}
}

func TestConnackInvalidReturnCode(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte(0)
	body.WriteByte(6) // out of {0..5}

	h := &FixedHeader{Kind: CONNACK, RemainingLength: uint32(body.Len())}
	var wire bytes.Buffer
	h.Pack(&wire)
	wire.Write(body.Bytes())

	if _, err := Unpack(&wire); err != ErrInvalidReturnCode {
		t.Errorf("error = %v, want ErrInvalidReturnCode", err)
	}
}

func TestConnackReservedBitsInAckFlags(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte(0x02) // bit 1 set, only bit 0 is legal
	body.WriteByte(0)

	h := &FixedHeader{Kind: CONNACK, RemainingLength: uint32(body.Len())}
	var wire bytes.Buffer
	h.Pack(&wire)
	wire.Write(body.Bytes())

	if _, err := Unpack(&wire); err != ErrInvalidReservedBits {
		t.Errorf("error = %v, want ErrInvalidReservedBits", err)
	}
}
