package packet

import (
	"bytes"
	"testing"
)

func TestZeroPayloadPacketsRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind byte
		pkt  Packet
	}{
		{"pingreq", PINGREQ, &Pingreq{FixedHeader: &FixedHeader{Kind: PINGREQ}}},
		{"pingresp", PINGRESP, &Pingresp{FixedHeader: &FixedHeader{Kind: PINGRESP}}},
		{"disconnect", DISCONNECT, &Disconnect{FixedHeader: &FixedHeader{Kind: DISCONNECT}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := tc.pkt.Pack(&buf); err != nil {
				t.Fatalf("Pack: %v", err)
			}
			got, err := Unpack(&buf)
			if err != nil {
				t.Fatalf("Unpack: %v", err)
			}
			if got.Kind() != tc.kind {
				t.Errorf("Kind() = %d, want %d", got.Kind(), tc.kind)
			}
		})
	}
}

func TestZeroPayloadPacketsRejectTrailingByte(t *testing.T) {
	h := &FixedHeader{Kind: PINGREQ, RemainingLength: 1}
	var wire bytes.Buffer
	h.Pack(&wire)
	wire.WriteByte(0x00)

	if _, err := Unpack(&wire); err != ErrMalformedRemainingLength {
		t.Errorf("error = %v, want ErrMalformedRemainingLength", err)
	}
}
