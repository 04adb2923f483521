package mqtt

import (
	"bytes"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/lithammer/shortuuid"
)

// ConnectPacket describes a MQTT CONNECT control packet.
type ConnectPacket struct {
	options ConnectOptions
}

// Type implements Packet.
func (r *ConnectPacket) Type() int { return ConnectType }

// PacketID implements Packet. CONNECT never carries a packet id.
func (r *ConnectPacket) PacketID() int { return 0 }

// remainingLength computes the Remaining Length value to use in the Fixed Header.
func (r *ConnectPacket) remainingLength() int {
	// 10 bytes of variable header, then the Client ID which is always encoded
	result := 10 + len(r.options.ClientName)
	count := 1
	if r.options.WillTopic != "" {
		result += len(r.options.WillTopic)
		count++

		// there is always a message if there is a will topic - even if length is 0
		result += len(r.options.WillMessage)
		count++
	}
	if r.options.UserName != "" {
		result += len(r.options.UserName)
		count++
	}
	if r.options.Password != nil {
		result += len(*r.options.Password)
		count++
	}
	// lengths + 2 bytes per included item for its 16 bits length
	return result + count*2
}

func (r *ConnectPacket) connectBits() byte {
	connectBits := byte(0)

	if r.options.CleanSession {
		connectBits |= CleanSessionFlag
	}

	if r.options.WillTopic != "" {
		connectBits |= WillFlag
	}

	switch r.options.WillQoS {
	case 1:
		connectBits |= WillQoSOne
	case 2:
		connectBits |= WillQoSTwo
	}

	if r.options.WillRetain {
		connectBits |= WillRetainFlag
	}

	if r.options.UserName != "" {
		connectBits |= UserNameFlag
	}

	if r.options.Password != nil {
		connectBits |= PasswordFlag
	}
	return connectBits
}

func (r *ConnectPacket) message() *GenericMessage {
	var data bytes.Buffer

	connectBits := r.connectBits()
	keepAlive := r.options.KeepAliveSeconds

	// Connect variable part            Byte   Description
	//                                  ------ ----------------------------------------------
	data.WriteByte(0)                      // (1)    Protocol Name Length MSB
	data.WriteByte(4)                      // (2)    Protocol Name Length LSB
	data.WriteString("MQTT")               // (3-6)  Protocol Name
	data.WriteByte(r.options.Level)        // (7)    Protocol Level - MQTT 3.1.1 is 4, MQTT 5 is 5
	data.WriteByte(connectBits)            // (8)    Connect Bits
	data.WriteByte(byte(keepAlive >> 8))   // (9)    Keep Alive Seconds MSB
	data.WriteByte(byte(keepAlive & 0xFF)) // (10)   Keep Alive Seconds LSB

	// PAYLOAD
	// A Client ID is required as the first element of the payload.
	EncodeStringTo(r.options.ClientName, &data)

	if connectBits&WillFlag != 0 {
		EncodeStringTo(r.options.WillTopic, &data)
		EncodeBytesTo(r.options.WillMessage, &data)
	}

	if connectBits&UserNameFlag != 0 {
		EncodeStringTo(r.options.UserName, &data)
	}

	if connectBits&PasswordFlag != 0 {
		EncodeBytesTo(*r.options.Password, &data)
	}

	return &GenericMessage{fixedHeader: ConnectType<<4 | Reserved, body: data.Bytes()}
}

// WriteTo implements io.WriterTo.
func (r *ConnectPacket) WriteTo(writer io.Writer) (int64, error) {
	return r.message().WriteTo(writer)
}

// WriteDupTo implements MessageWriter. CONNECT is never retransmitted as a duplicate.
func (r *ConnectPacket) WriteDupTo(writer io.Writer) (int64, error) {
	return r.WriteTo(writer)
}

func parseConnectPacket(msg *GenericMessage) (*ConnectPacket, error) {
	return nil, fmt.Errorf("%w: decoding CONNECT packets is not supported by this client-side codec", ErrProtocolError)
}

// NewConnectPacket constructs a new ConnectPacket based on a default set of options
// overridden by given options.
//
// Example:
//
//	packet := NewConnectPacket(Level(4), WillTopic("InTheEventOfMyDeath"), WillMessage([]byte("Give it all to science")))
func NewConnectPacket(options ...ConnectOption) *ConnectPacket {
	opts := DefaultConnectOptions()
	for _, fOpt := range options {
		if err := fOpt(&opts); err != nil {
			log.Fatalf("Connect option apply failure: %s", err)
		}
	}
	return &ConnectPacket{options: opts}
}

// DefaultConnectOptions returns the default options for making a MQTT connect using 3.1.1,
// a clean session, and with 10 seconds keep alive. ClientName is set to an empty string
// which may not be honored by all MQTT brokers. Use RandomClientID() to produce a suitable
// string.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{Level: 4, CleanSession: true, KeepAliveSeconds: 10, ClientName: "", WillRetain: false}
}

// RandomClientID returns a random UUID string that can be used as ClientName in a Connect.
// A Short UUID - a Base 57 encoded string - is returned. Never called by the handler itself;
// client ID policy is an application concern.
func RandomClientID() string {
	return shortuuid.New()
}

// ConnectOptions contains options for a ConnectPacket.
type ConnectOptions struct {
	Level            byte // 4 is MQTT 3.1.1
	CleanSession     bool // true is "start new session"
	KeepAliveSeconds int  // number of seconds to keep the connection alive
	ClientName       string
	WillTopic        string
	WillMessage      []byte // Only included in request if WillTopic is set to non empty string
	WillQoS          int
	WillRetain       bool
	UserName         string
	Password         *[]byte
}

// ConnectOption is an Options-modifying-function.
type ConnectOption func(*ConnectOptions) error

func noChangeConnectionOption(_ *ConnectOptions) error {
	return nil
}

// Level returns a ConnectOption for the protocol level.
func Level(level int) ConnectOption {
	if !(level == 0 || level == 4) {
		panic(fmt.Sprintf("Level must be 0 (use default) or 4 (MQTT 3.1.1), got %d", level))
	}
	if level == 0 {
		return noChangeConnectionOption
	}
	return func(o *ConnectOptions) error {
		o.Level = byte(level)
		return nil
	}
}

// CleanSession returns a ConnectOption for CleanSession.
func CleanSession(flag bool) ConnectOption {
	return func(o *ConnectOptions) error {
		o.CleanSession = flag
		return nil
	}
}

// KeepAliveSeconds returns a ConnectOption for KeepAliveSeconds.
func KeepAliveSeconds(value int) ConnectOption {
	if value < 0 {
		panic("KeepAliveSeconds cannot be negative")
	}
	if value > 0xFFFF {
		panic(fmt.Sprintf("KeepAliveSeconds cannot be larger than 0xFFFF, got %x", value))
	}
	return func(o *ConnectOptions) error {
		o.KeepAliveSeconds = value
		return nil
	}
}

// ClientName returns a ConnectOption for ClientName.
func ClientName(value string) ConnectOption {
	return func(o *ConnectOptions) error {
		o.ClientName = value
		return nil
	}
}

// WillTopic returns a ConnectOption for WillTopic.
func WillTopic(value string) ConnectOption {
	return func(o *ConnectOptions) error {
		o.WillTopic = value
		return nil
	}
}

// WillMessage returns a ConnectOption for WillMessage.
func WillMessage(value []byte) ConnectOption {
	return func(o *ConnectOptions) error {
		o.WillMessage = value
		return nil
	}
}

// WillRetain returns a ConnectOption for WillRetain.
func WillRetain(value bool) ConnectOption {
	return func(o *ConnectOptions) error {
		o.WillRetain = value
		return nil
	}
}

// WillQoS returns a ConnectOption for WillQoS.
func WillQoS(value int) ConnectOption {
	if value < 0 || value > 2 {
		panic(fmt.Sprintf("WillQoS must be 0, 1, or 2, got %d", value))
	}
	return func(o *ConnectOptions) error {
		o.WillQoS = value
		return nil
	}
}

// UserName returns a ConnectOption for UserName.
func UserName(value string) ConnectOption {
	return func(o *ConnectOptions) error {
		o.UserName = value
		return nil
	}
}

// Password returns a ConnectOption for Password.
func Password(value []byte) ConnectOption {
	return func(o *ConnectOptions) error {
		o.Password = &value
		return nil
	}
}

// ConnAckPacket describes a MQTT CONNACK control packet.
type ConnAckPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

// Type implements Packet.
func (p *ConnAckPacket) Type() int { return ConnAckType }

// PacketID implements Packet. CONNACK never carries a packet id.
func (p *ConnAckPacket) PacketID() int { return 0 }

// WriteTo implements io.WriterTo.
func (p *ConnAckPacket) WriteTo(writer io.Writer) (int64, error) {
	sp := byte(0)
	if p.SessionPresent {
		sp = 1
	}
	msg := &GenericMessage{fixedHeader: ConnAckType << 4, body: []byte{sp, p.ReturnCode}}
	return msg.WriteTo(writer)
}

// WriteDupTo implements MessageWriter. CONNACK is never retransmitted as a duplicate.
func (p *ConnAckPacket) WriteDupTo(writer io.Writer) (int64, error) {
	return p.WriteTo(writer)
}

func parseConnAckPacket(msg *GenericMessage) (*ConnAckPacket, error) {
	if len(msg.body) != 2 {
		return nil, fmt.Errorf("%w: CONNACK body must be 2 bytes, got %d", ErrMalformedPacket, len(msg.body))
	}
	return &ConnAckPacket{SessionPresent: msg.body[0]&0x01 != 0, ReturnCode: msg.body[1]}, nil
}
