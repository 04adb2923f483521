package mqtt

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
)

// EncodeVariableInt produces a []byte with the integer encoded as a MQTT variable int.
func EncodeVariableInt(value int) []byte {
	var data bytes.Buffer

	for {
		encodedByte := byte(value % 128)
		value = value / 128
		// if there are more data to encode, set the top bit of this byte
		if value > 0 {
			encodedByte = encodedByte | 128
		}
		data.WriteByte(encodedByte)
		if !(value > 0) {
			break
		}
	}
	return data.Bytes()
}

// EncodeVariableIntTo encodes a given int into the given Buffer using MQTT variable int and
// returns the written length.
func EncodeVariableIntTo(value int, to *bytes.Buffer) int {
	encoded := EncodeVariableInt(value)
	to.Write(encoded)

	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("Encoded Length %d into %d byte(s): % x", value, len(encoded), encoded)
	}
	return len(encoded)
}

// DecodeVariableInt decodes a variable length int value from reader, consuming it.
//
// Reads at most 4 bytes, as required by the 3.1.1 spec (max value 268,435,455). If the
// fourth byte still carries the continuation bit, the encoding is malformed.
func DecodeVariableInt(reader io.Reader) (int, error) {
	value := 0
	multiplier := 1
	buf := make([]byte, 1)

	for i := 0; i < 4; i++ {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return 0, err
		}
		encodedByte := buf[0]
		value += int(encodedByte&0x7F) * multiplier
		if encodedByte&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("%w: variable length integer longer than 4 bytes", ErrMalformedPacket)
}

// EncodeStringTo encodes a given string into the given buffer: 16 bit length + the content.
func EncodeStringTo(value string, to *bytes.Buffer) {
	strLength := len(value)
	to.WriteByte(byte(strLength >> 8))
	to.WriteByte(byte(strLength & 0xFF))
	to.WriteString(value)
}

// EncodeBytesTo encodes a given []byte into the given buffer: 16 bit length + the content.
func EncodeBytesTo(value []byte, to *bytes.Buffer) {
	bytesLength := len(value)
	to.WriteByte(byte(bytesLength >> 8))
	to.WriteByte(byte(bytesLength & 0xFF))
	to.Write(value)
}

// Encode16BitIntTo encodes a given int as a 16 bit big endian value into the buffer.
func Encode16BitIntTo(value int, to *bytes.Buffer) {
	to.WriteByte(byte(value >> 8))
	to.WriteByte(byte(value & 0xFF))
}

// decode16BitInt reads a 16 bit big endian int from the front of data, returning the
// decoded value and the remaining slice.
func decode16BitInt(data []byte) (int, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: expected 2 bytes for 16 bit int, got %d", ErrMalformedPacket, len(data))
	}
	value := int(data[0])<<8 | int(data[1])
	return value, data[2:], nil
}

// decodeBytes reads a 16-bit-length-prefixed byte string from the front of data, returning
// the decoded bytes and the remaining slice.
func decodeBytes(data []byte) ([]byte, []byte, error) {
	length, rest, err := decode16BitInt(data)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < length {
		return nil, nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPacket, length, len(rest))
	}
	return rest[:length], rest[length:], nil
}

// decodeString reads a 16-bit-length-prefixed UTF-8 string from the front of data,
// returning the decoded string and the remaining slice. Fails with ErrMalformedPacket on
// invalid UTF-8.
func decodeString(data []byte) (string, []byte, error) {
	raw, rest, err := decodeBytes(data)
	if err != nil {
		return "", nil, err
	}
	if !utf8.Valid(raw) {
		return "", nil, fmt.Errorf("%w: string is not valid UTF-8", ErrMalformedPacket)
	}
	return string(raw), rest, nil
}
