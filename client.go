package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttkit/broker/packet"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

// UpdateKind tags the variant of an Update delivered to an Observer.
type UpdateKind int

const (
	UpdateConnected UpdateKind = iota
	UpdateSubscribed
	UpdateUnsubscribed
	UpdatePublished
	UpdatePublish
	UpdateInternalError
)

// Update is one event surfaced by the client engine. Only the fields
// relevant to Kind are populated.
type Update struct {
	Kind    UpdateKind
	Results []packet.SubscribeResult // UpdateSubscribed
	Message *packet.Message          // UpdatePublish
	Err     error                    // UpdateInternalError
}

// Observer receives client engine events, replacing the teacher's
// single OnMessage callback with a sink that also reports connect,
// subscribe, unsubscribe, publish-acknowledged and error events.
type Observer interface {
	Observe(Update)
}

// ErrPendingAck is returned by Subscribe, Unsubscribe and a QoS>0
// Publish when a prior request is still awaiting acknowledgement: the
// client engine holds only a single pending_ack slot at a time.
var ErrPendingAck = errors.New("broker: a request is already awaiting acknowledgement")

const (
	// DefaultRetryInterval is how long the client waits for an ack
	// before resending the pending request.
	DefaultRetryInterval = 3 * time.Second
	// DefaultRetryBudget is how many resends are attempted before the
	// pending request is abandoned and reported as an internal error.
	DefaultRetryBudget = 3
)

type ackKind int

const (
	ackSubscribe ackKind = iota
	ackUnsubscribe
	ackPublish
)

func (k ackKind) String() string {
	switch k {
	case ackSubscribe:
		return "subscribe"
	case ackUnsubscribe:
		return "unsubscribe"
	case ackPublish:
		return "publish"
	default:
		return "unknown"
	}
}

type pendingAck struct {
	kind     ackKind
	packetID uint16
	pkt      packet.Packet
	sentAt   time.Time
	attempts int
}

// Client is the MQTT client engine: a sender/listener/keep-alive triad
// joined by errgroup (grounded on the teacher's connectAndSubscribe
// goroutine set), with a single pending_ack slot standing in for the
// teacher's per-kind recv channel array, and an Observer sink instead of
// its bare OnMessage callback.
type Client struct {
	Addr         string
	ClientID     string
	CleanSession bool
	KeepAlive    uint16
	Observer     Observer

	// Websocket dials Addr as a ws:// MQTT-over-WebSocket connection
	// (the teacher's Client.dial "ws"/"wss" case) instead of a plain TCP
	// connection when set.
	Websocket bool

	RetryInterval time.Duration
	RetryBudget   int

	conn      net.Conn
	writer    *connWriter
	packetSeq uint32

	mu           sync.Mutex
	ack          *pendingAck
	awaitingPong bool
}

// NewClient constructs a Client with the teacher's default retry
// parameters. KeepAlive defaults to 0 (disabled) until set by the
// caller.
func NewClient(addr, clientID string, observer Observer) *Client {
	return &Client{
		Addr:          addr,
		ClientID:      clientID,
		CleanSession:  true,
		Observer:      observer,
		RetryInterval: DefaultRetryInterval,
		RetryBudget:   DefaultRetryBudget,
	}
}

// dial opens the transport: a plain TCP connection, or a ws:// MQTT
// WebSocket connection with a binary payload type, matching the
// teacher's Client.dial scheme switch.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if !c.Websocket {
		return (&net.Dialer{}).DialContext(ctx, "tcp", c.Addr)
	}
	origin := fmt.Sprintf("http://%s/", c.Addr)
	url := fmt.Sprintf("ws://%s/mqtt", c.Addr)
	ws, err := websocket.Dial(url, "mqtt", origin)
	if err != nil {
		return nil, err
	}
	ws.PayloadType = websocket.BinaryFrame
	return ws, nil
}

func (c *Client) nextPacketID() uint16 {
	for {
		n := uint16(atomic.AddUint32(&c.packetSeq, 1))
		if n != 0 {
			return n
		}
	}
}

func (c *Client) notify(u Update) {
	if c.Observer != nil {
		c.Observer.Observe(u)
	}
}

// Run dials Addr, performs the Connect handshake, and drives the
// sender/listener/keep-alive triad until ctx is cancelled or the
// connection fails. A clean shutdown via ctx returns nil.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.writer = &connWriter{rwc: conn}
	defer c.writer.Close()

	connect := &packet.Connect{
		FixedHeader:  &packet.FixedHeader{Kind: packet.CONNECT},
		ClientID:     c.ClientID,
		CleanSession: c.CleanSession,
		KeepAlive:    c.KeepAlive,
	}
	if err := connect.Pack(c.writer); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(initialReadTimeout))
	pkt, err := packet.Unpack(conn)
	if err != nil {
		return err
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		return fmt.Errorf("broker: expected Connack, got %T", pkt)
	}
	if connack.ReturnCode != packet.Accepted {
		return fmt.Errorf("broker: connect refused: return code %d", connack.ReturnCode)
	}
	conn.SetReadDeadline(time.Time{})
	c.notify(Update{Kind: UpdateConnected})

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.listen(gctx) })
	group.Go(func() error { return c.keepAliveLoop(gctx) })
	group.Go(func() error { return c.retryLoop(gctx) })
	group.Go(func() error {
		<-gctx.Done()
		disconnect := &packet.Disconnect{FixedHeader: &packet.FixedHeader{Kind: packet.DISCONNECT}}
		disconnect.Pack(c.writer)
		c.writer.Close()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// listen is the client engine's reader loop: one goroutine unpacking
// frames and dispatching acks/deliveries, polling ctx on each read
// timeout so shutdown is observed promptly.
func (c *Client) listen(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.conn.SetReadDeadline(time.Now().Add(time.Second))
		pkt, err := packet.Unpack(c.conn)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
		c.handle(pkt)
	}
}

func (c *Client) handle(pkt packet.Packet) {
	switch p := pkt.(type) {
	case *packet.Suback:
		c.resolve(ackSubscribe, p.PacketID)
		c.notify(Update{Kind: UpdateSubscribed, Results: p.Results})
	case *packet.Unsuback:
		c.resolve(ackUnsubscribe, p.PacketID)
		c.notify(Update{Kind: UpdateUnsubscribed})
	case *packet.Puback:
		c.resolve(ackPublish, p.PacketID)
		c.notify(Update{Kind: UpdatePublished})
	case *packet.Pingresp:
		c.mu.Lock()
		c.awaitingPong = false
		c.mu.Unlock()
	case *packet.Publish:
		if p.QoS == 1 {
			puback := &packet.Puback{FixedHeader: &packet.FixedHeader{Kind: packet.PUBACK}, PacketID: p.PacketID}
			puback.Pack(c.writer)
		}
		c.notify(Update{Kind: UpdatePublish, Message: p.Message})
	default:
		c.notify(Update{Kind: UpdateInternalError, Err: fmt.Errorf("broker: unexpected packet from broker: %T", pkt)})
	}
}

func (c *Client) resolve(kind ackKind, packetID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ack != nil && c.ack.kind == kind && c.ack.packetID == packetID {
		c.ack = nil
	}
}

// keepAliveLoop sends a PingReq every half the keep-alive interval and
// fails the connection if the prior one was never answered. KeepAlive
// of 0 disables the idle timer entirely.
func (c *Client) keepAliveLoop(ctx context.Context) error {
	if c.KeepAlive == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := time.Duration(c.KeepAlive) * time.Second / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			if c.awaitingPong {
				c.mu.Unlock()
				return errors.New("broker: keep-alive timeout, no pingresp")
			}
			c.awaitingPong = true
			c.mu.Unlock()
			pingreq := &packet.Pingreq{FixedHeader: &packet.FixedHeader{Kind: packet.PINGREQ}}
			if err := pingreq.Pack(c.writer); err != nil {
				return err
			}
		}
	}
}

// retryLoop resends the pending_ack slot's request if it has waited
// longer than RetryInterval, up to RetryBudget attempts, then abandons
// it and reports an internal error.
func (c *Client) retryLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.mu.Lock()
			ack := c.ack
			if ack == nil || time.Since(ack.sentAt) < c.RetryInterval {
				c.mu.Unlock()
				continue
			}
			if ack.attempts >= c.RetryBudget {
				c.ack = nil
				c.mu.Unlock()
				c.notify(Update{Kind: UpdateInternalError, Err: fmt.Errorf("broker: %s exhausted retry budget", ack.kind)})
				continue
			}
			ack.attempts++
			ack.sentAt = time.Now()
			pkt := ack.pkt
			c.mu.Unlock()
			if err := pkt.Pack(c.writer); err != nil {
				c.notify(Update{Kind: UpdateInternalError, Err: err})
			}
		}
	}
}

// Subscribe sends a Subscribe request, failing with ErrPendingAck if a
// prior request has not yet been acknowledged.
func (c *Client) Subscribe(filters []packet.Filter) error {
	c.mu.Lock()
	if c.ack != nil {
		c.mu.Unlock()
		return ErrPendingAck
	}
	id := c.nextPacketID()
	sub := &packet.Subscribe{FixedHeader: &packet.FixedHeader{Kind: packet.SUBSCRIBE}, PacketID: id, Filters: filters}
	c.ack = &pendingAck{kind: ackSubscribe, packetID: id, pkt: sub, sentAt: time.Now()}
	c.mu.Unlock()
	return sub.Pack(c.writer)
}

// Unsubscribe sends an Unsubscribe request, failing with ErrPendingAck
// if a prior request has not yet been acknowledged.
func (c *Client) Unsubscribe(topicFilters []string) error {
	c.mu.Lock()
	if c.ack != nil {
		c.mu.Unlock()
		return ErrPendingAck
	}
	id := c.nextPacketID()
	uns := &packet.Unsubscribe{FixedHeader: &packet.FixedHeader{Kind: packet.UNSUBSCRIBE}, PacketID: id, TopicFilters: topicFilters}
	c.ack = &pendingAck{kind: ackUnsubscribe, packetID: id, pkt: uns, sentAt: time.Now()}
	c.mu.Unlock()
	return uns.Pack(c.writer)
}

// Publish sends a Publish. QoS 0 is fire-and-forget and reports
// UpdatePublished immediately; QoS>0 (downgraded to 1) occupies the
// pending_ack slot until the broker's Puback arrives, failing with
// ErrPendingAck if the slot is already occupied.
func (c *Client) Publish(msg *packet.Message, qos uint8) error {
	if qos > 1 {
		qos = 1
	}
	pub := &packet.Publish{FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: qos}, Message: msg}
	if qos == 0 {
		if err := pub.Pack(c.writer); err != nil {
			return err
		}
		c.notify(Update{Kind: UpdatePublished})
		return nil
	}

	c.mu.Lock()
	if c.ack != nil {
		c.mu.Unlock()
		return ErrPendingAck
	}
	id := c.nextPacketID()
	pub.PacketID = id
	c.ack = &pendingAck{kind: ackPublish, packetID: id, pkt: pub, sentAt: time.Now()}
	c.mu.Unlock()
	return pub.Pack(c.writer)
}
