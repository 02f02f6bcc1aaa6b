package types

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when a buffer cannot be decoded
	// into a valid message.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrMethodOutOfRange is returned when encoding a method that does
	// not fit into the 12 bits the wire format allocates for it.
	ErrMethodOutOfRange = errors.New("method value does not fit into 12 bits")
)

const (
	// MagicCookie is the fixed value carried in every message header.
	MagicCookie uint32 = 0x2112A442

	// HeaderLength is the size of the fixed message header in bytes.
	HeaderLength = 20

	// MethodBinding is the binding method defined by the base protocol.
	MethodBinding uint16 = 0x0001

	// AttrSoftware identifies the software attribute.
	AttrSoftware uint16 = 0x8022

	// maxMethod is the largest method value expressible on the wire.
	maxMethod uint16 = 0x0FFF
)

// Class is the two-bit message class spliced into the message type field.
type Class uint8

const (
	ClassRequest    Class = 0b00
	ClassIndication Class = 0b01
	ClassResponse   Class = 0b10
	ClassError      Class = 0b11
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "request"
	case ClassIndication:
		return "indication"
	case ClassResponse:
		return "response"
	case ClassError:
		return "error"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// TransactionID is the opaque 96-bit token matching requests to
// responses. Equality is byte-wise.
type TransactionID [12]byte

// Tlv is a single typed-length-value attribute carried in the message
// body. The value is opaque to the transaction layer.
type Tlv struct {
	AttributeType uint16
	Value         []byte
}

// Equal reports whether two attributes carry the same type and bytes.
func (t Tlv) Equal(other Tlv) bool {
	if t.AttributeType != other.AttributeType {
		return false
	}
	if len(t.Value) != len(other.Value) {
		return false
	}
	for i := range t.Value {
		if t.Value[i] != other.Value[i] {
			return false
		}
	}
	return true
}

// Header is the fixed part of every message.
type Header struct {
	Class         Class
	Method        uint16
	TransactionID TransactionID
}

// Message is a decoded protocol message: a header plus an ordered list
// of attributes.
type Message struct {
	Header     Header
	Attributes []Tlv
}

func NewRequest(method uint16, tid TransactionID, attributes []Tlv) Message {
	return newMessage(ClassRequest, method, tid, attributes)
}

func NewIndication(method uint16, tid TransactionID, attributes []Tlv) Message {
	return newMessage(ClassIndication, method, tid, attributes)
}

func NewResponse(method uint16, tid TransactionID, attributes []Tlv) Message {
	return newMessage(ClassResponse, method, tid, attributes)
}

func NewError(method uint16, tid TransactionID, attributes []Tlv) Message {
	return newMessage(ClassError, method, tid, attributes)
}

func newMessage(class Class, method uint16, tid TransactionID, attributes []Tlv) Message {
	return Message{
		Header: Header{
			Class:         class,
			Method:        method,
			TransactionID: tid,
		},
		Attributes: attributes,
	}
}

// paddedLength rounds an attribute value length up to a 4-byte boundary.
func paddedLength(valueLength int) int {
	return (valueLength + 3) &^ 0x3
}

// bodyLength is the length of the encoded attribute section.
func (m Message) bodyLength() int {
	total := 0
	for _, attr := range m.Attributes {
		total += 4 + paddedLength(len(attr.Value))
	}
	return total
}

// messageType splices the class bits into the 12-bit method, producing
// the 14-bit message type field.
func messageType(class Class, method uint16) uint16 {
	t := (method & 0x0F80) << 2
	t |= (method & 0x0070) << 1
	t |= method & 0x000F
	t |= uint16((class>>1)&0x1) << 8
	t |= uint16(class&0x1) << 4
	return t
}

// splitMessageType is the inverse of messageType.
func splitMessageType(t uint16) (Class, uint16) {
	class := Class(((t >> 7) & 0x2) | ((t >> 4) & 0x1))
	method := (t >> 2) & 0x0F80
	method |= (t >> 1) & 0x0070
	method |= t & 0x000F
	return class, method
}

// Encode serializes the message into its wire representation: a 20-byte
// header followed by the attributes, each padded to a 4-byte boundary.
func (m Message) Encode() ([]byte, error) {
	if m.Header.Method > maxMethod {
		return nil, ErrMethodOutOfRange
	}
	body := m.bodyLength()
	buf := make([]byte, HeaderLength+body)
	binary.BigEndian.PutUint16(buf[0:2], messageType(m.Header.Class, m.Header.Method))
	binary.BigEndian.PutUint16(buf[2:4], uint16(body))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.Header.TransactionID[:])

	offset := HeaderLength
	for _, attr := range m.Attributes {
		binary.BigEndian.PutUint16(buf[offset:offset+2], attr.AttributeType)
		binary.BigEndian.PutUint16(buf[offset+2:offset+4], uint16(len(attr.Value)))
		copy(buf[offset+4:], attr.Value)
		offset += 4 + paddedLength(len(attr.Value))
	}
	return buf, nil
}

// BodyLengthFromHeader extracts the attribute-section length from an
// encoded header. Stream transports use it to delimit messages.
func BodyLengthFromHeader(header []byte) (int, error) {
	if len(header) < HeaderLength {
		return 0, ErrMalformedMessage
	}
	if binary.BigEndian.Uint32(header[4:8]) != MagicCookie {
		return 0, ErrMalformedMessage
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length%4 != 0 {
		return 0, ErrMalformedMessage
	}
	return length, nil
}

// DecodeMessage parses a complete wire message. The buffer must contain
// exactly one message: a datagram payload, or a length-delimited frame
// read off a stream.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < HeaderLength {
		return Message{}, ErrMalformedMessage
	}
	rawType := binary.BigEndian.Uint16(buf[0:2])
	if rawType&0xC000 != 0 {
		// the two most significant bits of every message are zero
		return Message{}, ErrMalformedMessage
	}
	bodyLength, err := BodyLengthFromHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if len(buf) != HeaderLength+bodyLength {
		return Message{}, ErrMalformedMessage
	}

	var msg Message
	msg.Header.Class, msg.Header.Method = splitMessageType(rawType)
	copy(msg.Header.TransactionID[:], buf[8:20])

	offset := HeaderLength
	for offset < len(buf) {
		if len(buf)-offset < 4 {
			return Message{}, ErrMalformedMessage
		}
		attrType := binary.BigEndian.Uint16(buf[offset : offset+2])
		valueLength := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		if len(buf)-offset-4 < paddedLength(valueLength) {
			return Message{}, ErrMalformedMessage
		}
		value := make([]byte, valueLength)
		copy(value, buf[offset+4:offset+4+valueLength])
		msg.Attributes = append(msg.Attributes, Tlv{
			AttributeType: attrType,
			Value:         value,
		})
		offset += 4 + paddedLength(valueLength)
	}
	return msg, nil
}
