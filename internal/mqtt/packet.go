package mqtt

import (
	"fmt"
	"io"
)

// Packet is any of the 14 MQTT 3.1.1 control packets. Every concrete packet type in this
// package implements it with typed accessors, building a *GenericMessage when written.
type Packet interface {
	MessageWriter
	// Type returns the control packet type (ConnectType, PublishType, ...).
	Type() int
	// PacketID returns the packet identifier carried by the packet, or 0 for packet types
	// that don't carry one (CONNECT, CONNACK, PUBLISH at QoS 0, PINGREQ, PINGRESP, DISCONNECT).
	PacketID() int
}

// ReadPacket reads one MQTT control packet from reader and parses it into its concrete,
// typed representation. Unknown packet types or structurally invalid bodies fail with
// ErrMalformedPacket or ErrProtocolError.
func ReadPacket(reader io.Reader) (Packet, error) {
	msg, err := readGenericMessage(reader)
	if err != nil {
		return nil, err
	}
	return parsePacket(msg)
}

func parsePacket(msg *GenericMessage) (Packet, error) {
	switch msg.packetType() {
	case ConnectType:
		return parseConnectPacket(msg)
	case ConnAckType:
		return parseConnAckPacket(msg)
	case PublishType:
		return parsePublishPacket(msg)
	case PubackType:
		return parseAckPacket(msg, PubackType)
	case PubrecType:
		return parseAckPacket(msg, PubrecType)
	case PubrelType:
		return parseAckPacket(msg, PubrelType)
	case PubcompType:
		return parseAckPacket(msg, PubcompType)
	case SubscribeType:
		return parseSubscribePacket(msg)
	case SubackType:
		return parseSubackPacket(msg)
	case UnsubscribeType:
		return parseUnsubscribePacket(msg)
	case UnsubackType:
		return parseAckPacket(msg, UnsubackType)
	case PingreqType:
		return &PingReqPacket{}, nil
	case PingrespType:
		return &PingRespPacket{}, nil
	case DisconnectType:
		return &DisconnectPacket{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown packet type %d", ErrMalformedPacket, msg.packetType())
	}
}
