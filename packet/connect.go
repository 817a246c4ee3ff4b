package packet

import (
	"bytes"
	"io"
)

// ConnectFlags is the single connect-flags byte of a CONNECT packet's
// variable header (spec §4.1): reserved bit, clean-session, will flag/QoS/
// retain, password flag, user-name flag.
type ConnectFlags uint8

func (f ConnectFlags) reserved() bool     { return f&0x01 != 0 }
func (f ConnectFlags) CleanSession() bool { return f&0x02 != 0 }
func (f ConnectFlags) WillFlag() bool     { return f&0x04 != 0 }
func (f ConnectFlags) WillQoS() uint8     { return uint8(f&0x18) >> 3 }
func (f ConnectFlags) WillRetain() bool   { return f&0x20 != 0 }
func (f ConnectFlags) PasswordFlag() bool { return f&0x40 != 0 }
func (f ConnectFlags) UserNameFlag() bool { return f&0x80 != 0 }

func newConnectFlags(cleanSession, willFlag bool, willQoS uint8, willRetain, passwordFlag, userNameFlag bool) ConnectFlags {
	var f ConnectFlags
	if cleanSession {
		f |= 0x02
	}
	if willFlag {
		f |= 0x04
	}
	f |= ConnectFlags(willQoS&0x03) << 3
	if willRetain {
		f |= 0x20
	}
	if passwordFlag {
		f |= 0x40
	}
	if userNameFlag {
		f |= 0x80
	}
	return f
}

// Connect is the CONNECT packet: the first packet a client must send
// (spec §4.1, §3 Client identifier).
type Connect struct {
	*FixedHeader

	ProtocolLevel byte
	CleanSession  bool
	KeepAlive     uint16

	ClientID string

	WillTopic   string
	WillMessage []byte
	WillQoS     uint8
	WillRetain  bool

	UserName string
	Password string
	hasUser  bool
	hasPass  bool
}

func (pkt *Connect) Kind() byte { return CONNECT }

func (pkt *Connect) Pack(w io.Writer) error {
	buf := GetBuffer()
	defer PutBuffer(buf)

	buf.Write(s2b("MQTT"))
	buf.WriteByte(Version311)

	willFlag := pkt.WillTopic != ""
	flags := newConnectFlags(pkt.CleanSession, willFlag, pkt.WillQoS, pkt.WillRetain, pkt.hasPass, pkt.hasUser)
	buf.WriteByte(byte(flags))
	buf.Write(i2b(pkt.KeepAlive))

	buf.Write(s2b(pkt.ClientID))
	if willFlag {
		buf.Write(s2b(pkt.WillTopic))
		buf.Write(s2b(string(pkt.WillMessage)))
	}
	if pkt.hasUser {
		buf.Write(s2b(pkt.UserName))
	}
	if pkt.hasPass {
		buf.Write(s2b(pkt.Password))
	}

	pkt.RemainingLength = uint32(buf.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

func (pkt *Connect) Unpack(buf *bytes.Buffer) error {
	proto, err := decodeUTF8(buf)
	if err != nil {
		return err
	}
	if proto != "MQTT" {
		return ErrInvalidProtocol
	}
	if buf.Len() < 1 {
		return ErrShortRead
	}
	pkt.ProtocolLevel, _ = buf.ReadByte()
	if pkt.ProtocolLevel != Version311 {
		return ErrInvalidProtocolLevel
	}

	if buf.Len() < 1 {
		return ErrShortRead
	}
	flagByte, _ := buf.ReadByte()
	flags := ConnectFlags(flagByte)
	if flags.reserved() {
		return ErrInvalidReservedBits
	}
	if !flags.WillFlag() && (flags.WillQoS() != 0 || flags.WillRetain()) {
		return ErrMalformedFlags
	}
	if flags.WillQoS() > 2 {
		return ErrInvalidQoSLevel
	}
	if flags.PasswordFlag() && !flags.UserNameFlag() {
		return ErrMalformedFlags
	}

	if buf.Len() < 2 {
		return ErrShortRead
	}
	pkt.KeepAlive = beUint16(buf.Next(2))

	pkt.CleanSession = flags.CleanSession()

	pkt.ClientID, err = decodeUTF8(buf)
	if err != nil {
		return err
	}
	// An empty client id with clean-session=false is a policy violation,
	// not a malformed packet (spec §4.1, §7): the broker answers with
	// Connack{IdentifierRejected} rather than refusing to decode.

	if flags.WillFlag() {
		pkt.WillTopic, err = decodeUTF8(buf)
		if err != nil {
			return err
		}
		msg, err := decodeUTF8(buf)
		if err != nil {
			return err
		}
		pkt.WillMessage = []byte(msg)
		pkt.WillQoS = flags.WillQoS()
		pkt.WillRetain = flags.WillRetain()
	}

	if flags.UserNameFlag() {
		pkt.UserName, err = decodeUTF8(buf)
		if err != nil {
			return err
		}
		pkt.hasUser = true
	}
	if flags.PasswordFlag() {
		pkt.Password, err = decodeUTF8(buf)
		if err != nil {
			return err
		}
		pkt.hasPass = true
	}
	return nil
}

// HasUserName reports whether a user name was present on the wire,
// distinguishing it from an empty-but-present user name.
func (pkt *Connect) HasUserName() bool { return pkt.hasUser }

// HasPassword reports whether a password was present on the wire.
func (pkt *Connect) HasPassword() bool { return pkt.hasPass }

// SetCredentials marks the packet as carrying a user name and/or
// password for encoding purposes.
func (pkt *Connect) SetCredentials(userName, password string, hasPassword bool) {
	pkt.UserName = userName
	pkt.hasUser = true
	if hasPassword {
		pkt.Password = password
		pkt.hasPass = true
	}
}
