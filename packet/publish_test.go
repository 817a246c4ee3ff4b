package packet

import (
	"bytes"
	"testing"
)

func TestPublishRoundTripQoS0(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 0, Retain: 1},
		Message:     &Message{TopicName: "a/b/c", Content: []byte("payload")},
	}
	got := packUnpack(t, p).(*Publish)
	if got.Message.TopicName != p.Message.TopicName || string(got.Message.Content) != string(p.Message.Content) {
		t.Errorf("Message = %+v, want %+v", got.Message, p.Message)
	}
	if got.Retain != 1 {
		t.Errorf("Retain = %d, want 1", got.Retain)
	}
}

func TestPublishRoundTripQoS1(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 1},
		Message:     &Message{TopicName: "sensors/temp", Content: []byte("21.5")},
		PacketID:    42,
	}
	got := packUnpack(t, p).(*Publish)
	if got.PacketID != 42 {
		t.Errorf("PacketID = %d, want 42", got.PacketID)
	}
}

func TestPublishEmptyPayloadAllowed(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 0},
		Message:     &Message{TopicName: "a/b", Content: nil},
	}
	got := packUnpack(t, p).(*Publish)
	if len(got.Message.Content) != 0 {
		t.Errorf("Content = %v, want empty", got.Message.Content)
	}
}

func TestPublishEmptyTopicName(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 0},
		Message:     &Message{TopicName: "", Content: nil},
	}
	var buf bytes.Buffer
	if err := p.Pack(&buf); err != ErrTopicNameEmpty {
		t.Errorf("Pack error = %v, want ErrTopicNameEmpty", err)
	}
}

func TestPublishTopicNameHasWildcards(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 0},
		Message:     &Message{TopicName: "a/+/c"},
	}
	var buf bytes.Buffer
	if err := p.Pack(&buf); err != ErrTopicNameHasWildcards {
		t.Errorf("Pack error = %v, want ErrTopicNameHasWildcards", err)
	}
}

func TestPublishQoS1ZeroPacketID(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 1},
		Message:     &Message{TopicName: "a/b"},
		PacketID:    0,
	}
	var buf bytes.Buffer
	if err := p.Pack(&buf); err != ErrInvalidPacketID {
		t.Errorf("Pack error = %v, want ErrInvalidPacketID", err)
	}
}

func TestPublishDupWithoutQoS(t *testing.T) {
	h := &FixedHeader{Kind: PUBLISH, Dup: 1, QoS: 0}
	if err := h.validateFlags(); err != ErrInvalidDupFlag {
		t.Errorf("validateFlags() = %v, want ErrInvalidDupFlag", err)
	}
}

func TestPublishWithQoS(t *testing.T) {
	p := &Publish{
		FixedHeader: &FixedHeader{Kind: PUBLISH, QoS: 1},
		Message:     &Message{TopicName: "a/b", Content: []byte("x")},
		PacketID:    7,
	}
	clone := p.WithQoS(0)
	if clone.QoS != 0 {
		t.Errorf("clone.QoS = %d, want 0", clone.QoS)
	}
	if p.QoS != 1 {
		t.Errorf("original mutated: QoS = %d, want 1", p.QoS)
	}
}
