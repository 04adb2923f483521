package mqtt

import (
	"bytes"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
)

// PublishPacket describes a MQTT PUBLISH control packet.
type PublishPacket struct {
	options PublishOptions
}

// Type implements Packet.
func (r *PublishPacket) Type() int { return PublishType }

// PacketID implements Packet. Zero for QoS 0.
func (r *PublishPacket) PacketID() int { return r.options.PacketID }

// Topic returns the PUBLISH topic name.
func (r *PublishPacket) Topic() string { return r.options.Topic }

// QoS returns the PUBLISH QoS level (0, 1 or 2).
func (r *PublishPacket) QoS() int { return r.options.QoS }

// Retain returns the PUBLISH RETAIN flag.
func (r *PublishPacket) Retain() bool { return r.options.Retain }

// Dup returns the PUBLISH DUP flag.
func (r *PublishPacket) Dup() bool { return r.options.IsDuplicate }

// Payload returns the PUBLISH application payload.
func (r *PublishPacket) Payload() []byte { return r.options.Message }

// NewPublishPacket creates an instance from default publish options plus given options.
func NewPublishPacket(options ...PublishOption) *PublishPacket {
	opts := DefaultPublishOptions()
	for _, fOpt := range options {
		if err := fOpt(&opts); err != nil {
			log.Fatalf("Publish option apply failure: %s", err)
		}
	}
	return &PublishPacket{options: opts}
}

// remainingLength computes the Remaining Length value to use in the Fixed Header.
func (r *PublishPacket) remainingLength() int {
	result := 0
	lengths := 0

	result += len(r.options.Topic)
	lengths++

	result += len(r.options.Message) // length of payload is not separately encoded

	if r.options.QoS > 0 {
		lengths++ // Packet ID, 2 bytes, must be present
	}

	// lengths + 2 bytes per included item for its 16 bit length prefix
	return result + lengths*2
}

func (r *PublishPacket) fixedHeaderBits() byte {
	result := byte(PublishType << 4)
	switch r.options.QoS {
	case 1:
		result |= QoSOne
	case 2:
		result |= QoSTwo
	}
	if r.options.Retain {
		result |= RetainBit
	}
	if r.options.IsDuplicate {
		result |= DupBit
	}
	return result
}

func (r *PublishPacket) message() *GenericMessage {
	var data bytes.Buffer
	data.Grow(r.remainingLength())

	// VARIABLE HEADER
	EncodeStringTo(r.options.Topic, &data)
	if r.options.QoS > 0 {
		Encode16BitIntTo(r.options.PacketID, &data)
	}

	// PAYLOAD - without a preceding length (it's the remainder of "remaining length")
	data.Write(r.options.Message)
	return &GenericMessage{fixedHeader: r.fixedHeaderBits(), body: data.Bytes()}
}

// WriteTo implements io.WriterTo.
func (r *PublishPacket) WriteTo(writer io.Writer) (int64, error) {
	return r.message().WriteTo(writer)
}

// WriteDupTo sets DUP and writes to writer, without mutating the receiver.
func (r *PublishPacket) WriteDupTo(writer io.Writer) (int64, error) {
	dup := *r
	dup.options.IsDuplicate = true
	return dup.message().WriteTo(writer)
}

func parsePublishPacket(msg *GenericMessage) (*PublishPacket, error) {
	flags := msg.packetFlags()
	qos := int((flags >> 1) & 0x03)
	if qos > 2 {
		return nil, fmt.Errorf("%w: PUBLISH QoS bits must not be 3", ErrMalformedPacket)
	}

	topic, rest, err := decodeString(msg.body)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: PUBLISH topic name must not be empty", ErrMalformedPacket)
	}

	packetID := 0
	if qos > 0 {
		packetID, rest, err = decode16BitInt(rest)
		if err != nil {
			return nil, err
		}
	}

	return &PublishPacket{options: PublishOptions{
		Topic:       topic,
		Message:     rest,
		QoS:         qos,
		Retain:      flags&RetainBit != 0,
		IsDuplicate: flags&DupBit != 0,
		PacketID:    packetID,
	}}, nil
}

// PublishOptions contains options for a PublishPacket.
type PublishOptions struct {
	Topic       string
	Message     []byte
	QoS         int
	Retain      bool
	IsDuplicate bool // signals that this is a duplicate
	PacketID    int  // 16 bit id
}

// PublishOption is an Options-modifying-function.
type PublishOption func(*PublishOptions) error

// DefaultPublishOptions returns the default options for making a MQTT publish using QoS 0.
func DefaultPublishOptions() PublishOptions {
	return PublishOptions{QoS: 0, PacketID: 0, IsDuplicate: false}
}

// Message returns a PublishOption for this Message.
func Message(msg []byte) PublishOption {
	return func(o *PublishOptions) error {
		o.Message = msg
		return nil
	}
}

// Topic returns a PublishOption for this Topic.
func Topic(topic string) PublishOption {
	return func(o *PublishOptions) error {
		o.Topic = topic
		return nil
	}
}

// QoS returns a PublishOption for this QoS.
func QoS(value int) PublishOption {
	if value < 0 || value > 2 {
		panic(fmt.Sprintf("QoS must be 0, 1, or 2, got %d", value))
	}
	return func(o *PublishOptions) error {
		o.QoS = value
		return nil
	}
}

// Retain returns a PublishOption for this Retain.
func Retain(flag bool) PublishOption {
	return func(o *PublishOptions) error {
		o.Retain = flag
		return nil
	}
}

// IsDuplicate returns a PublishOption indicating this is a duplicate delivery.
func IsDuplicate(flag bool) PublishOption {
	return func(o *PublishOptions) error {
		o.IsDuplicate = flag
		return nil
	}
}

// PacketID returns a PublishOption indicating the Packet ID.
func PacketID(id int) PublishOption {
	if id < 0 || id > 0xFFFF {
		panic(fmt.Sprintf("PacketID must be in range 0 - 0xFFFF, got %x", id))
	}
	return func(o *PublishOptions) error {
		o.PacketID = id
		return nil
	}
}

// validateTopicForPublish enforces the wire-level rule that an outgoing PUBLISH topic name
// must be non-empty and must not carry wildcard characters.
func validateTopicForPublish(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic must not be empty", ErrInvalidState)
	}
	for _, r := range topic {
		if r == '+' || r == '#' {
			return fmt.Errorf("%w: topic %q must not contain wildcards", ErrInvalidState, topic)
		}
	}
	return nil
}
