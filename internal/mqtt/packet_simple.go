package mqtt

import "io"

// PingReqPacket is the keepalive PINGREQ control packet. It carries no variable header or
// payload.
type PingReqPacket struct{}

// Type implements Packet.
func (p *PingReqPacket) Type() int { return PingreqType }

// PacketID implements Packet. PINGREQ never carries a packet id.
func (p *PingReqPacket) PacketID() int { return 0 }

// WriteTo implements io.WriterTo.
func (p *PingReqPacket) WriteTo(writer io.Writer) (int64, error) {
	msg := &GenericMessage{fixedHeader: PingreqType << 4, body: []byte{}}
	return msg.WriteTo(writer)
}

// WriteDupTo implements MessageWriter. PINGREQ is never retransmitted as a duplicate.
func (p *PingReqPacket) WriteDupTo(writer io.Writer) (int64, error) {
	return p.WriteTo(writer)
}

// PingRespPacket is the keepalive PINGRESP control packet, sent by the broker in reply to
// PINGREQ. It carries no variable header or payload.
type PingRespPacket struct{}

// Type implements Packet.
func (p *PingRespPacket) Type() int { return PingrespType }

// PacketID implements Packet. PINGRESP never carries a packet id.
func (p *PingRespPacket) PacketID() int { return 0 }

// WriteTo implements io.WriterTo.
func (p *PingRespPacket) WriteTo(writer io.Writer) (int64, error) {
	msg := &GenericMessage{fixedHeader: PingrespType << 4, body: []byte{}}
	return msg.WriteTo(writer)
}

// WriteDupTo implements MessageWriter. PINGRESP is never retransmitted as a duplicate.
func (p *PingRespPacket) WriteDupTo(writer io.Writer) (int64, error) {
	return p.WriteTo(writer)
}

// DisconnectPacket is the graceful-close DISCONNECT control packet. It carries no variable
// header or payload.
type DisconnectPacket struct{}

// NewDisconnectPacket builds a DISCONNECT packet.
func NewDisconnectPacket() *DisconnectPacket { return &DisconnectPacket{} }

// Type implements Packet.
func (p *DisconnectPacket) Type() int { return DisconnectType }

// PacketID implements Packet. DISCONNECT never carries a packet id.
func (p *DisconnectPacket) PacketID() int { return 0 }

// WriteTo implements io.WriterTo.
func (p *DisconnectPacket) WriteTo(writer io.Writer) (int64, error) {
	msg := &GenericMessage{fixedHeader: DisconnectType << 4, body: []byte{}}
	return msg.WriteTo(writer)
}

// WriteDupTo implements MessageWriter. DISCONNECT is never retransmitted as a duplicate.
func (p *DisconnectPacket) WriteDupTo(writer io.Writer) (int64, error) {
	return p.WriteTo(writer)
}
