// Package broker implements an MQTT 3.1.1 broker and client library:
// wire codec in ./packet, subscription tree in ./topic, session
// lifecycle in ./session, and the server/client engines here.
package broker

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttkit/broker/packet"
	"github.com/mqttkit/broker/session"
	"github.com/mqttkit/broker/topic"
	"golang.org/x/net/websocket"
)

// acceptPollInterval bounds how long Accept blocks before the accept
// loop re-checks the shutdown signal (spec §4.4).
const acceptPollInterval = 200 * time.Millisecond

// initialReadTimeout is how long the reader loop waits for the first
// packet (which must be a Connect) before giving up.
const initialReadTimeout = 10 * time.Second

// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
// reader loops and worker jobs to finish before giving up.
const ShutdownGracePeriod = 10 * time.Second

// ErrServerClosed is returned by ListenAndServe and
// ListenAndServeWebsocket after a call to Shutdown.
var ErrServerClosed = errors.New("broker: server closed")

// ConnState describes a client connection's lifecycle stage, reported
// through Server.ConnState if set.
type ConnState int

const (
	StateNew ConnState = iota
	StateClosed
)

// Server accepts MQTT connections, drives one reader loop per client,
// dispatches routing work to a bounded worker pool, and owns the shared
// session store and topic tree. Grounded on the teacher's Server/conn
// pair, replacing its HTTP/2-flavored ConnState machinery and TLS
// support with a plain-TCP accept loop (plus an optional WebSocket
// listener) and the bounded worker pool spec'd for this broker.
type Server struct {
	ConnState func(net.Conn, ConnState)

	inShutdown atomic.Bool

	mu         sync.Mutex
	listeners  map[*net.TCPListener]struct{}
	listenerWG sync.WaitGroup
	connWG     sync.WaitGroup

	store *session.Store
	tree  *topic.MemoryTrie
	pool  *workerPool

	wsServer *http.Server
}

// NewServer constructs a Server. auth may be nil, in which case every
// Connect succeeds regardless of credentials. workerPoolSize <= 0 uses
// DefaultWorkerPoolSize.
func NewServer(auth session.Authenticator, workerPoolSize int) *Server {
	return &Server{
		listeners: make(map[*net.TCPListener]struct{}),
		store:     session.NewStore(auth),
		tree:      topic.NewMemoryTrie(),
		pool:      newWorkerPool(workerPoolSize),
	}
}

func (s *Server) shuttingDown() bool { return s.inShutdown.Load() }

// ListenAndServe binds addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}
	log.Printf("broker: listening on %s", addr)
	return s.serve(ln)
}

func (s *Server) serve(ln *net.TCPListener) error {
	defer ln.Close()
	if !s.trackListener(ln, true) {
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	for {
		if s.shuttingDown() {
			return ErrServerClosed
		}
		ln.SetDeadline(time.Now().Add(acceptPollInterval))
		rw, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.shuttingDown() {
				return ErrServerClosed
			}
			return err
		}
		c := s.newConn(rw)
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			c.serve()
		}()
	}
}

// ListenAndServeWebsocket accepts MQTT-over-WebSocket connections on
// addr, framing each message as a single binary WebSocket frame and
// otherwise running the same per-connection reader loop as a plain TCP
// client. Grounded on the teacher's Server.ListenAndServeWebsocket.
func (s *Server) ListenAndServeWebsocket(addr string) error {
	if s.shuttingDown() {
		return ErrServerClosed
	}
	handler := websocket.Handler(func(ws *websocket.Conn) {
		ws.PayloadType = websocket.BinaryFrame
		c := s.newConn(ws)
		s.connWG.Add(1)
		defer s.connWG.Done()
		c.serve()
	})
	srv := &http.Server{Addr: addr, Handler: handler}

	s.mu.Lock()
	s.wsServer = srv
	s.mu.Unlock()

	log.Printf("broker: websocket listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

func (s *Server) trackListener(ln *net.TCPListener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.shuttingDown() {
			return false
		}
		s.listeners[ln] = struct{}{}
		s.listenerWG.Add(1)
	} else {
		delete(s.listeners, ln)
		s.listenerWG.Done()
	}
	return true
}

func (s *Server) closeListenersLocked() {
	for ln := range s.listeners {
		ln.Close()
	}
}

// Shutdown signals the accept loop to stop, closes every listener and
// every session's transport (delivering any Last Wills this causes),
// removes clean-session clients from the topic tree, joins every reader
// loop, and drains the worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)

	s.mu.Lock()
	s.closeListenersLocked()
	wsServer := s.wsServer
	s.mu.Unlock()
	if wsServer != nil {
		wsServer.Shutdown(ctx)
	}
	s.listenerWG.Wait()

	removedCleanIDs, wills := s.store.Shutdown(false)
	for _, id := range removedCleanIDs {
		s.tree.RemoveClient(id)
	}
	stat.Sessions.Set(float64(s.store.Count()))
	for _, will := range wills {
		s.routePublish(will)
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.pool.drain()
	return nil
}

// routePublish applies pub to the topic tree and, for every matching
// subscriber, writes a clone with QoS downgraded to min(pub.QoS,
// subscription.QoS) via the session store (spec §4.4 "Routing worker").
func (s *Server) routePublish(pub *packet.Publish) {
	recipients := s.tree.Publish(pub.Message, pub.Retain == 1)
	if pub.Retain == 1 {
		stat.RetainedMessages.Set(float64(s.tree.RetainedCount()))
	}
	for clientID, grantedQoS := range recipients {
		qos := grantedQoS
		if pub.QoS < qos {
			qos = pub.QoS
		}
		clone := pub.WithQoS(qos)
		if qos > 0 {
			clone.PacketID = s.store.NextPacketID(clientID)
		}
		stat.PacketSent.Inc()
		if err := s.store.SendPublish(clientID, clone); err != nil {
			log.Printf("broker: send publish to %s: %v", clientID, err)
		}
	}
}

func (s *Server) handleSubscribe(clientID string, w session.Conn, sub *packet.Subscribe) {
	type retainedDelivery struct {
		msg *packet.Message
		qos uint8
	}
	results := make([]packet.SubscribeResult, len(sub.Filters))
	var deliveries []retainedDelivery

	for i, f := range sub.Filters {
		qos := f.QoS
		if qos > 1 {
			qos = 1
		}
		retained, err := s.tree.Subscribe(clientID, f.TopicFilter, f.QoS)
		if err != nil {
			results[i] = packet.SubscribeFailure
			continue
		}
		if qos == 1 {
			results[i] = packet.SubscribeQoS1
		} else {
			results[i] = packet.SubscribeQoS0
		}
		for _, m := range retained {
			deliveries = append(deliveries, retainedDelivery{msg: m, qos: qos})
		}
	}

	suback := &packet.Suback{FixedHeader: &packet.FixedHeader{Kind: packet.SUBACK}, PacketID: sub.PacketID, Results: results}
	stat.PacketSent.Inc()
	if err := suback.Pack(w); err != nil {
		log.Printf("broker: write suback to %s: %v", clientID, err)
		return
	}

	for _, d := range deliveries {
		pub := &packet.Publish{
			FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: d.qos, Retain: 1},
			Message:     d.msg,
		}
		if d.qos > 0 {
			pub.PacketID = s.store.NextPacketID(clientID)
		}
		stat.PacketSent.Inc()
		if err := s.store.SendPublish(clientID, pub); err != nil {
			log.Printf("broker: deliver retained message to %s: %v", clientID, err)
		}
	}
}

func (s *Server) handleUnsubscribe(clientID string, w session.Conn, uns *packet.Unsubscribe) {
	for _, f := range uns.TopicFilters {
		s.tree.Unsubscribe(clientID, f)
	}
	unsuback := &packet.Unsuback{FixedHeader: &packet.FixedHeader{Kind: packet.UNSUBACK}, PacketID: uns.PacketID}
	stat.PacketSent.Inc()
	if err := unsuback.Pack(w); err != nil {
		log.Printf("broker: write unsuback to %s: %v", clientID, err)
	}
}

