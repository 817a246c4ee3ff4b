package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mqttkit/broker/packet"
)

type recordingObserver struct {
	mu      sync.Mutex
	updates []Update
}

func (o *recordingObserver) Observe(u Update) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.updates = append(o.updates, u)
}

func (o *recordingObserver) wait(t *testing.T, kind UpdateKind, timeout time.Duration) Update {
	return o.waitNth(t, kind, 1, timeout)
}

// waitNth waits for the n-th (1-indexed) update of kind to be recorded,
// so repeated calls for the same kind each observe a fresh occurrence.
func (o *recordingObserver) waitNth(t *testing.T, kind UpdateKind, n int, timeout time.Duration) Update {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		seen := 0
		for _, u := range o.updates {
			if u.Kind == kind {
				seen++
				if seen == n {
					o.mu.Unlock()
					return u
				}
			}
		}
		o.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for update kind %d occurrence %d", kind, n)
	return Update{}
}

func TestClientConnectSubscribePublish(t *testing.T) {
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

	obs := &recordingObserver{}
	client := NewClient(addr, "integration-client", obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	obs.wait(t, UpdateConnected, 2*time.Second)

	if err := client.Subscribe([]packet.Filter{{TopicFilter: "a/b", QoS: 1}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	obs.wait(t, UpdateSubscribed, 2*time.Second)

	if err := client.Subscribe([]packet.Filter{{TopicFilter: "c/d", QoS: 0}}); err != nil {
		t.Fatalf("subscribe again after ack cleared: %v", err)
	}
	obs.waitNth(t, UpdateSubscribed, 2, 2*time.Second)

	pub := connectAndRead(t, addr, "publisher-2", true)
	defer pub.Close()
	publish := &packet.Publish{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: 0},
		Message:     &packet.Message{TopicName: "a/b", Content: []byte("hello")},
	}
	if err := publish.Pack(pub); err != nil {
		t.Fatalf("pack publish: %v", err)
	}

	got := obs.wait(t, UpdatePublish, 2*time.Second)
	if got.Message.TopicName != "a/b" || string(got.Message.Content) != "hello" {
		t.Fatalf("unexpected delivered message: %+v", got.Message)
	}

	if err := client.Unsubscribe([]string{"a/b"}); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	obs.wait(t, UpdateUnsubscribed, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client.Run did not return after context cancellation")
	}
}

func TestClientPublishQoS0ReportsPublishedImmediately(t *testing.T) {
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

	obs := &recordingObserver{}
	client := NewClient(tcpLn.Addr().String(), "qos0-client", obs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	obs.wait(t, UpdateConnected, 2*time.Second)

	if err := client.Publish(&packet.Message{TopicName: "x/y", Content: []byte("z")}, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}
	obs.wait(t, UpdatePublished, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("client.Run did not return after context cancellation")
	}
}

func TestClientSubscribeRejectsConcurrentPendingAck(t *testing.T) {
	c := &Client{ack: &pendingAck{kind: ackSubscribe, packetID: 1}}
	if err := c.Subscribe([]packet.Filter{{TopicFilter: "x", QoS: 0}}); err != ErrPendingAck {
		t.Fatalf("expected ErrPendingAck, got %v", err)
	}
}
