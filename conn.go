package broker

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/mqttkit/broker/packet"
)

// connWriter serializes writes to the underlying socket so that the
// reader loop's direct acks (Connack, Puback, PingResp) and the
// workers' asynchronous Suback, Unsuback and Publish writes, all of
// which target the same connection, never interleave mid-packet.
type connWriter struct {
	mu  sync.Mutex
	rwc net.Conn
}

func (w *connWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.rwc.Write(b)
	if n > 0 {
		stat.ByteSent.Add(float64(n))
	}
	return n, err
}

func (w *connWriter) Close() error { return w.rwc.Close() }

// meteredReader counts every byte it reads off r into stat.ByteReceived,
// so the received-bytes gauge reflects actual wire traffic regardless of
// how many packets or fixed-header/body reads that traffic spans.
type meteredReader struct {
	r io.Reader
}

func (m meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		stat.ByteReceived.Add(float64(n))
	}
	return n, err
}

// readPacket reads one control packet off c.rwc, metering received bytes
// and counting it against PacketReceived regardless of outcome (a
// malformed packet still consumed wire bytes), matching the teacher's
// unconditional per-read PacketReceived.Inc().
func (c *conn) readPacket() (packet.Packet, error) {
	pkt, err := packet.Unpack(meteredReader{c.rwc})
	stat.PacketReceived.Inc()
	return pkt, err
}

// send packs and writes pkt, counting it against PacketSent.
func (c *conn) send(pkt packet.Packet) error {
	stat.PacketSent.Inc()
	return pkt.Pack(c.writer)
}

// conn drives one client connection's reader loop: Connect handshake,
// then a read-dispatch-repeat cycle until disconnect, I/O error, or
// protocol violation. Grounded on the teacher's conn.serve/readRequest
// pair, replacing its multi-protocol (TLS/websocket) dial-in and
// ServeMQTT switch with the session-store-backed handshake and
// worker-dispatching switch this broker's spec calls for.
type conn struct {
	server *Server
	rwc    net.Conn
	writer *connWriter

	id           string
	cleanSession bool
}

func (s *Server) newConn(rwc net.Conn) *conn {
	return &conn{
		server: s,
		rwc:    rwc,
		writer: &connWriter{rwc: rwc},
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *conn) serve() {
	if c.server.ConnState != nil {
		c.server.ConnState(c.rwc, StateNew)
	}
	defer func() {
		c.writer.Close()
		if c.server.ConnState != nil {
			c.server.ConnState(c.rwc, StateClosed)
		}
	}()

	c.rwc.SetReadDeadline(time.Now().Add(initialReadTimeout))
	pkt, err := c.readPacket()
	if err != nil {
		return
	}
	connectPkt, ok := pkt.(*packet.Connect)
	if !ok {
		return
	}

	outcome, err := c.server.store.NewSession(c.writer, connectPkt)
	if err != nil {
		return
	}

	connack := &packet.Connack{
		FixedHeader:    &packet.FixedHeader{Kind: packet.CONNACK},
		SessionPresent: outcome.SessionPresent,
		ReturnCode:     outcome.ReturnCode,
	}
	if err := c.send(connack); err != nil {
		return
	}
	if outcome.ReturnCode != packet.Accepted {
		return
	}

	c.id = outcome.ClientID
	c.cleanSession = connectPkt.CleanSession
	stat.ActiveConnections.Inc()
	stat.Sessions.Set(float64(c.server.store.Count()))
	defer stat.ActiveConnections.Dec()

	if outcome.DisplacedWill != nil {
		c.server.routePublish(outcome.DisplacedWill)
	}

	readTimeout, idleBudget := keepAliveBudget(connectPkt.KeepAlive)

	gracefully := false
	idleCount := 0
loop:
	for {
		c.rwc.SetReadDeadline(time.Now().Add(readTimeout))
		pkt, err := c.readPacket()
		if err != nil {
			if isTimeout(err) {
				idleCount++
				if idleBudget > 0 && idleCount > idleBudget {
					break loop
				}
				if c.server.store.SendUnacknowledged(c.id, readTimeout) {
					stat.PacketSent.Inc()
				}
				continue
			}
			break loop
		}
		idleCount = 0

		switch p := pkt.(type) {
		case *packet.Publish:
			if p.QoS == 1 {
				puback := &packet.Puback{FixedHeader: &packet.FixedHeader{Kind: packet.PUBACK}, PacketID: p.PacketID}
				c.send(puback)
			}
			c.server.pool.submit(func() { c.server.routePublish(p) })
		case *packet.Puback:
			c.server.store.Acknowledge(c.id, p.PacketID)
		case *packet.Subscribe:
			c.server.pool.submit(func() { c.server.handleSubscribe(c.id, c.writer, p) })
		case *packet.Unsubscribe:
			c.server.pool.submit(func() { c.server.handleUnsubscribe(c.id, c.writer, p) })
		case *packet.Pingreq:
			pingresp := &packet.Pingresp{FixedHeader: &packet.FixedHeader{Kind: packet.PINGRESP}}
			c.send(pingresp)
		case *packet.Disconnect:
			gracefully = true
			break loop
		default:
			break loop
		}
	}

	will := c.server.store.Disconnect(c.id, c.writer, gracefully)
	if will != nil {
		c.server.routePublish(will)
	}
	if c.cleanSession {
		c.server.tree.RemoveClient(c.id)
	}
	stat.Sessions.Set(float64(c.server.store.Count()))
}

// keepAliveBudget derives the per-read socket deadline and the number of
// consecutive timeouts tolerated before the connection is treated as
// dead, from the Connect packet's keep-alive seconds (spec §4.4 step 4):
// min(keepAlive*1.5s, 1s) as the poll interval, sized so the total idle
// budget before disconnect is approximately keepAlive*1.5s. A keep-alive
// of 0 disables the idle timeout entirely; the connection is still
// polled every second so unacknowledged redelivery and shutdown checks
// make progress.
func keepAliveBudget(keepAlive uint16) (readTimeout time.Duration, idleBudget int) {
	if keepAlive == 0 {
		return time.Second, 0
	}
	full := time.Duration(float64(keepAlive) * 1.5 * float64(time.Second))
	readTimeout = full
	if readTimeout > time.Second {
		readTimeout = time.Second
	}
	idleBudget = int(full / readTimeout)
	if idleBudget < 1 {
		idleBudget = 1
	}
	return readTimeout, idleBudget
}
