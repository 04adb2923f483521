package mqtt

import (
	"bytes"
	"io"
)

// GenericMessage is a generic MQTT message: a fixed header byte plus all remaining bytes in
// `body`. It is the wire-level building block that typed packets (PublishPacket, AckPacket,
// ...) encode to and parse from.
type GenericMessage struct {
	fixedHeader byte
	body        []byte
}

// WriteTo implements io.WriterTo for GenericMessage.
func (m *GenericMessage) WriteTo(writer io.Writer) (int64, error) {
	var data bytes.Buffer
	bodyLength := len(m.body)
	data.WriteByte(m.fixedHeader)
	EncodeVariableIntTo(bodyLength, &data)
	if bodyLength > 0 {
		data.Write(m.body)
	}
	n, err := data.WriteTo(writer)
	return n, err
}

// WriteDupTo sets the DUP bit for PUBLISH messages and then writes to the given writer.
// The original message is unchanged.
func (m *GenericMessage) WriteDupTo(writer io.Writer) (int64, error) {
	m2 := m
	if m.fixedHeader>>4 == PublishType {
		m2 = &GenericMessage{fixedHeader: m.fixedHeader | DupBit, body: m.body}
	}
	return m2.WriteTo(writer)
}

// packetType returns the control packet type nibble (high 4 bits of the fixed header).
func (m *GenericMessage) packetType() int {
	return int(m.fixedHeader >> 4)
}

// packetFlags returns the per-type flags nibble (low 4 bits of the fixed header).
func (m *GenericMessage) packetFlags() byte {
	return m.fixedHeader & 0x0F
}

// readGenericMessage reads one MQTT control packet from reader: a one-byte fixed header,
// a variable-length remaining-length, then exactly that many bytes of body.
func readGenericMessage(reader io.Reader) (*GenericMessage, error) {
	fixedHeaderByte := make([]byte, 1)
	if _, err := io.ReadFull(reader, fixedHeaderByte); err != nil {
		return nil, err
	}
	remainingLength, err := DecodeVariableInt(reader)
	if err != nil {
		return nil, err
	}
	body := make([]byte, remainingLength)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, err
	}
	return &GenericMessage{fixedHeader: fixedHeaderByte[0], body: body}, nil
}
