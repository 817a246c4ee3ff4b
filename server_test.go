package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mqttkit/broker/packet"
)

func TestNewServer(t *testing.T) {
	s := NewServer(nil, 0)
	if s.store == nil {
		t.Fatal("NewServer should initialize a session store")
	}
	if s.tree == nil {
		t.Fatal("NewServer should initialize a topic tree")
	}
	if s.pool == nil {
		t.Fatal("NewServer should initialize a worker pool")
	}
}

func TestServerShuttingDown(t *testing.T) {
	s := NewServer(nil, 0)
	if s.shuttingDown() {
		t.Error("server should not be shutting down initially")
	}
	s.inShutdown.Store(true)
	if !s.shuttingDown() {
		t.Error("server should report shutting down once set")
	}
}

func connectAndRead(t *testing.T, addr string, clientID string, cleanSession bool) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	connect := &packet.Connect{
		FixedHeader:  &packet.FixedHeader{Kind: packet.CONNECT},
		ClientID:     clientID,
		CleanSession: cleanSession,
		KeepAlive:    0,
	}
	if err := connect.Pack(c); err != nil {
		t.Fatalf("pack connect: %v", err)
	}
	pkt, err := packet.Unpack(c)
	if err != nil {
		t.Fatalf("unpack connack: %v", err)
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		t.Fatalf("expected Connack, got %T", pkt)
	}
	if connack.ReturnCode != packet.Accepted {
		t.Fatalf("expected Accepted, got %v", connack.ReturnCode)
	}
	return c
}

func TestServerPublishSubscribeRoundTrip(t *testing.T) {
	srv := NewServer(nil, 4)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpLn := ln.(*net.TCPListener)
	go srv.serve(tcpLn)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	addr := tcpLn.Addr().String()

	sub := connectAndRead(t, addr, "subscriber", true)
	defer sub.Close()

	subscribe := &packet.Subscribe{
		FixedHeader: &packet.FixedHeader{Kind: packet.SUBSCRIBE},
		PacketID:    1,
		Filters:     []packet.Filter{{TopicFilter: "rooms/+/temp", QoS: 1}},
	}
	if err := subscribe.Pack(sub); err != nil {
		t.Fatalf("pack subscribe: %v", err)
	}
	pkt, err := packet.Unpack(sub)
	if err != nil {
		t.Fatalf("unpack suback: %v", err)
	}
	suback, ok := pkt.(*packet.Suback)
	if !ok {
		t.Fatalf("expected Suback, got %T", pkt)
	}
	if len(suback.Results) != 1 || suback.Results[0] != packet.SubscribeQoS1 {
		t.Fatalf("expected granted QoS1, got %v", suback.Results)
	}

	pub := connectAndRead(t, addr, "publisher", true)
	defer pub.Close()

	publish := &packet.Publish{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: 1},
		PacketID:    7,
		Message:     &packet.Message{TopicName: "rooms/kitchen/temp", Content: []byte("21.5")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}
	pkt, err = packet.Unpack(pub)
	if err != nil {
		t.Fatalf("unpack puback: %v", err)
	}
	if _, ok := pkt.(*packet.Puback); !ok {
		t.Fatalf("expected Puback, got %T", pkt)
	}

	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err = packet.Unpack(sub)
	if err != nil {
		t.Fatalf("unpack routed publish: %v", err)
	}
	routed, ok := pkt.(*packet.Publish)
	if !ok {
		t.Fatalf("expected Publish, got %T", pkt)
	}
	if routed.Message.TopicName != "rooms/kitchen/temp" || string(routed.Message.Content) != "21.5" {
		t.Fatalf("unexpected routed message: %+v", routed.Message)
	}
	if routed.QoS != 1 || routed.PacketID == 0 {
		t.Fatalf("expected QoS1 with a nonzero broker-assigned packet id, got QoS=%d id=%d", routed.QoS, routed.PacketID)
	}

	puback := &packet.Puback{FixedHeader: &packet.FixedHeader{Kind: packet.PUBACK}, PacketID: routed.PacketID}
	if err := puback.Pack(sub); err != nil {
		t.Fatalf("pack puback: %v", err)
	}
}

func TestServerPingReqPingResp(t *testing.T) {
	srv := NewServer(nil, 4)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpLn := ln.(*net.TCPListener)
	go srv.serve(tcpLn)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	c := connectAndRead(t, tcpLn.Addr().String(), "pinger", true)
	defer c.Close()

	pingreq := &packet.Pingreq{FixedHeader: &packet.FixedHeader{Kind: packet.PINGREQ}}
	if err := pingreq.Pack(c); err != nil {
		t.Fatalf("pack pingreq: %v", err)
	}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := packet.Unpack(c)
	if err != nil {
		t.Fatalf("unpack pingresp: %v", err)
	}
	if _, ok := pkt.(*packet.Pingresp); !ok {
		t.Fatalf("expected Pingresp, got %T", pkt)
	}
}

func TestServerRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	srv := NewServer(nil, 4)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpLn := ln.(*net.TCPListener)
	go srv.serve(tcpLn)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()
	addr := tcpLn.Addr().String()

	pub := connectAndRead(t, addr, "retain-publisher", true)
	defer pub.Close()
	publish := &packet.Publish{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: 0, Retain: 1},
		Message:     &packet.Message{TopicName: "status/online", Content: []byte("yes")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack retained publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	sub := connectAndRead(t, addr, "retain-subscriber", true)
	defer sub.Close()
	subscribe := &packet.Subscribe{
		FixedHeader: &packet.FixedHeader{Kind: packet.SUBSCRIBE},
		PacketID:    1,
		Filters:     []packet.Filter{{TopicFilter: "status/online", QoS: 0}},
	}
	if err := subscribe.Pack(sub); err != nil {
		t.Fatalf("pack subscribe: %v", err)
	}
	sub.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := packet.Unpack(sub); err != nil {
		t.Fatalf("unpack suback: %v", err)
	}
	pkt, err := packet.Unpack(sub)
	if err != nil {
		t.Fatalf("unpack retained delivery: %v", err)
	}
	retained, ok := pkt.(*packet.Publish)
	if !ok {
		t.Fatalf("expected Publish, got %T", pkt)
	}
	if retained.Retain != 1 || retained.Message.TopicName != "status/online" {
		t.Fatalf("unexpected retained delivery: %+v", retained)
	}
}
