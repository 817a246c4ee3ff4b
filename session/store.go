// Package session owns all per-client session state: connection
// lifecycle, take-over, Last Will bookkeeping and QoS-1 redelivery.
// Grounded on the teacher's per-entry-mutex-under-map idiom (mem_topic.go's
// MemorySubscribed/TopicSubscribed pair and infight.go's InFight), adapted
// from a topic-subscriber map and a bare packet-id map into a client-id
// keyed session map with first-class take-over and Last Will semantics.
package session

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mqttkit/broker/packet"
)

// Conn is the minimal transport handle a Session writes packets to and
// closes on disconnect or take-over. Connection identity for the
// take-over race guard in Disconnect is interface equality of the
// concrete value stored here against the caller's handle.
type Conn interface {
	io.Writer
	Close() error
}

// AuthError carries the CONNACK return code an Authenticator rejection
// maps to.
type AuthError struct {
	Code packet.ReturnCode
}

func (e *AuthError) Error() string { return fmt.Sprintf("session: auth failed: %s", e.Code) }

// Authenticator validates CONNECT credentials (spec §4.3.1). A nil
// Authenticator on Store accepts every connect.
type Authenticator interface {
	Authenticate(userName, password string, hasUserName, hasPassword bool) error
}

type unackEntry struct {
	lastSend time.Time
	publish  *packet.Publish
}

// Session is one client's durable state across reconnects.
type Session struct {
	mu sync.Mutex

	id             string
	conn           Conn
	cleanSession   bool
	userName       string
	keepAlive      uint16
	version        byte
	will           *packet.Publish
	unacknowledged []unackEntry
	packetIDSeq    uint32
}

// ID returns the session's client identifier.
func (s *Session) ID() string { return s.id }

// Version returns the protocol level negotiated at the most recent Connect.
func (s *Session) Version() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ConnectOutcome is the result of Store.NewSession.
type ConnectOutcome struct {
	ClientID       string
	SessionPresent bool
	ReturnCode     packet.ReturnCode
	// DisplacedWill is the Last Will owed by a session this connect took
	// over, to be published by the caller via the router.
	DisplacedWill *packet.Publish
}

// Store is the broker's in-memory session table.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Session

	auth    Authenticator
	anonSeq uint64
}

// NewStore returns an empty session table. A nil auth accepts every
// connect unconditionally.
func NewStore(auth Authenticator) *Store {
	return &Store{byID: make(map[string]*Session), auth: auth}
}

// synthesizedIDPrefix marks broker-assigned client ids (spec §3's
// "reserved prefix"). A client offering an id with this prefix itself is
// rejected in NewSession.
const synthesizedIDPrefix = "auto-"

func (s *Store) synthesizeID() string {
	n := atomic.AddUint64(&s.anonSeq, 1)
	return fmt.Sprintf("%s%d-%d", synthesizedIDPrefix, time.Now().UnixNano(), n)
}

// NewSession performs authentication, assigns or synthesizes a client id,
// and — if a session already exists for that id — performs take-over
// (spec §4.3.2). A non-Accepted ReturnCode means the caller must write a
// refusing Connack and close the connection without registering anything.
func (s *Store) NewSession(conn Conn, connect *packet.Connect) (*ConnectOutcome, error) {
	if strings.HasPrefix(connect.ClientID, synthesizedIDPrefix) {
		return &ConnectOutcome{ReturnCode: packet.IdentifierRejected}, nil
	}
	if connect.ClientID == "" && !connect.CleanSession {
		return &ConnectOutcome{ReturnCode: packet.IdentifierRejected}, nil
	}

	if s.auth != nil {
		if err := s.auth.Authenticate(connect.UserName, connect.Password, connect.HasUserName(), connect.HasPassword()); err != nil {
			var ae *AuthError
			code := packet.NotAuthorized
			if errors.As(err, &ae) {
				code = ae.Code
			}
			return &ConnectOutcome{ReturnCode: code}, nil
		}
	}

	id := connect.ClientID
	if id == "" {
		id = s.synthesizeID()
	}

	will := buildWill(connect)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[id]
	if ok && s.auth != nil && existing.userName != connect.UserName {
		return &ConnectOutcome{ReturnCode: packet.IdentifierRejected}, nil
	}

	if ok {
		displaced := s.takeOver(existing, conn, connect, will)
		return &ConnectOutcome{
			ClientID:       id,
			SessionPresent: !connect.CleanSession,
			ReturnCode:     packet.Accepted,
			DisplacedWill:  displaced,
		}, nil
	}

	s.byID[id] = &Session{
		id:           id,
		conn:         conn,
		cleanSession: connect.CleanSession,
		userName:     connect.UserName,
		keepAlive:    connect.KeepAlive,
		version:      connect.ProtocolLevel,
		will:         will,
	}
	return &ConnectOutcome{ClientID: id, ReturnCode: packet.Accepted}, nil
}

// takeOver closes the existing session's connection, swaps in the new
// connect parameters, and returns the displaced session's Last Will, if
// any: forcing the old connection closed stands in for the ungraceful
// disconnect a real network drop would have caused.
func (s *Store) takeOver(existing *Session, conn Conn, connect *packet.Connect, will *packet.Publish) *packet.Publish {
	existing.mu.Lock()
	defer existing.mu.Unlock()

	var displaced *packet.Publish
	if existing.conn != nil {
		existing.conn.Close()
		displaced = existing.will
	}

	if connect.CleanSession {
		existing.unacknowledged = nil
	}
	existing.conn = conn
	existing.cleanSession = connect.CleanSession
	existing.userName = connect.UserName
	existing.keepAlive = connect.KeepAlive
	existing.version = connect.ProtocolLevel
	existing.will = will

	return displaced
}

func buildWill(connect *packet.Connect) *packet.Publish {
	if connect.WillTopic == "" {
		return nil
	}
	qos := connect.WillQoS
	if qos > 1 {
		qos = 1
	}
	return &packet.Publish{
		FixedHeader: &packet.FixedHeader{Kind: packet.PUBLISH, QoS: qos, Retain: boolToByte(connect.WillRetain)},
		Message:     &packet.Message{TopicName: connect.WillTopic, Content: connect.WillMessage},
	}
}

func boolToByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Disconnect is a no-op if connHandle no longer matches the session's
// current connection (a take-over already raced past it). It closes the
// transport, and if gracefully is false and a Last Will was registered,
// returns it. A clean-session removes the session entirely; otherwise it
// is retained with its connection cleared.
func (s *Store) Disconnect(id string, connHandle Conn, gracefully bool) *packet.Publish {
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	if sess.conn != connHandle {
		sess.mu.Unlock()
		return nil
	}
	sess.conn.Close()
	sess.conn = nil
	var will *packet.Publish
	if !gracefully {
		will = sess.will
	}
	clean := sess.cleanSession
	sess.mu.Unlock()

	if clean {
		s.mu.Lock()
		delete(s.byID, id)
		s.mu.Unlock()
	}
	return will
}

// Acknowledge removes the unacknowledged entry matching packetID.
// A missing match is tolerated.
func (s *Store) Acknowledge(id string, packetID uint16) {
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, e := range sess.unacknowledged {
		if e.publish.PacketID == packetID {
			sess.unacknowledged = append(sess.unacknowledged[:i], sess.unacknowledged[i+1:]...)
			return
		}
	}
}

// SendPublish writes pub on the session's connection if connected. For
// QoS 1, a DUP-flagged copy is appended to the session's unacknowledged
// list regardless of connection state, so it can be redelivered even if
// the client is momentarily disconnected.
func (s *Store) SendPublish(id string, pub *packet.Publish) error {
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	var writeErr error
	if sess.conn != nil {
		writeErr = pub.Pack(sess.conn)
	}
	if pub.QoS > 0 {
		dup := pub.WithQoS(pub.QoS)
		dup.Dup = 1
		sess.unacknowledged = append(sess.unacknowledged, unackEntry{lastSend: time.Now(), publish: dup})
	}
	return writeErr
}

// NextPacketID allocates the next broker-assigned packet id for outgoing
// QoS>0 publishes on session id, wrapping past the reserved 0 value.
// Returns 0 if the session does not exist.
func (s *Store) NextPacketID(id string) uint16 {
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	for {
		n := uint16(atomic.AddUint32(&sess.packetIDSeq, 1))
		if n != 0 {
			return n
		}
	}
}

// SendUnacknowledged re-sends the oldest unacknowledged QoS-1 Publish
// whose last-send timestamp is at least minElapsed in the past. It
// reports whether a resend was actually attempted, so the caller can
// drive its sent-packet metric only on a real write.
func (s *Store) SendUnacknowledged(id string, minElapsed time.Duration) bool {
	s.mu.RLock()
	sess, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conn == nil {
		return false
	}
	var oldest *unackEntry
	for i := range sess.unacknowledged {
		if time.Since(sess.unacknowledged[i].lastSend) >= minElapsed {
			oldest = &sess.unacknowledged[i]
			break
		}
	}
	if oldest == nil {
		return false
	}
	if err := oldest.publish.Pack(sess.conn); err == nil {
		oldest.lastSend = time.Now()
	}
	return true
}

// Count returns the number of sessions currently held, connected or not,
// for the broker's session-count gauge.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SessionState is one session's persisted state (spec §6 snapshot
// format's "clients_manager" entries), with the transport handle and
// in-flight packet-id sequence dropped: a reloaded session starts
// offline with no connection.
type SessionState struct {
	ID           string          `json:"id"`
	CleanSession bool            `json:"clean_session"`
	UserName     string          `json:"user_name,omitempty"`
	KeepAlive    uint16          `json:"keep_alive"`
	Version      byte            `json:"version"`
	Will         *packet.Publish `json:"will,omitempty"`
}

// Snapshot returns every session's persisted state. Clean-session
// entries are included here; Restore drops them on reload, since a
// clean session has no state worth restoring.
func (s *Store) Snapshot() []SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionState, 0, len(s.byID))
	for _, sess := range s.byID {
		sess.mu.Lock()
		out = append(out, SessionState{
			ID:           sess.id,
			CleanSession: sess.cleanSession,
			UserName:     sess.userName,
			KeepAlive:    sess.keepAlive,
			Version:      sess.version,
			Will:         sess.will,
		})
		sess.mu.Unlock()
	}
	return out
}

// Restore repopulates the store from a prior Snapshot, dropping any
// clean-session entries and registering every other session with no
// live connection. It must only be called against a freshly constructed,
// unused store.
func (s *Store) Restore(states []SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		if st.CleanSession {
			continue
		}
		s.byID[st.ID] = &Session{
			id:           st.ID,
			cleanSession: st.CleanSession,
			userName:     st.UserName,
			keepAlive:    st.KeepAlive,
			version:      st.Version,
			will:         st.Will,
		}
	}
}

// Shutdown applies Disconnect semantics to every session: gracefully
// controls whether Last Wills are collected. It returns the clean-session
// ids removed and the Last Will publishes owed.
func (s *Store) Shutdown(gracefully bool) (removedCleanIDs []string, wills []*packet.Publish) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.byID {
		sess.mu.Lock()
		if sess.conn != nil {
			sess.conn.Close()
			sess.conn = nil
		}
		if !gracefully && sess.will != nil {
			wills = append(wills, sess.will)
		}
		clean := sess.cleanSession
		sess.mu.Unlock()

		if clean {
			removedCleanIDs = append(removedCleanIDs, id)
			delete(s.byID, id)
		}
	}
	return removedCleanIDs, wills
}
