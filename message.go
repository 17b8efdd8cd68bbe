package someip

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Identifier types carried in the SOME/IP header.
type (
	ServiceID  uint16
	MethodID   uint16
	ClientID   uint16
	SessionID  uint16
	InstanceID uint16
)

// InstanceIDAny marks an instance id that could not be resolved.
const InstanceIDAny InstanceID = 0xFFFF

const (
	// HeaderSize is the size of the fixed SOME/IP header.
	HeaderSize = 16
	// lengthFieldOffset is where the big-endian length field starts.
	lengthFieldOffset = 4
	// lengthFieldEnd is the number of header bytes not covered by the length field.
	lengthFieldEnd = 8
	// ProtocolVersion is the SOME/IP protocol version written by NewResponse.
	ProtocolVersion uint8 = 0x01
)

// MessageType is the SOME/IP message type.
type MessageType uint8

const (
	MessageTypeRequest         MessageType = 0x00
	MessageTypeRequestNoReturn MessageType = 0x01
	MessageTypeNotification    MessageType = 0x02
	MessageTypeResponse        MessageType = 0x80
	MessageTypeError           MessageType = 0x81
)

// IsRequest reports whether messages of this type are addressed to a provided service.
func (t MessageType) IsRequest() bool {
	return t == MessageTypeRequest || t == MessageTypeRequestNoReturn
}

// IsResponse reports whether messages of this type flow back from a required service.
func (t MessageType) IsResponse() bool {
	return t == MessageTypeResponse || t == MessageTypeError || t == MessageTypeNotification
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeRequest:
		return "request"
	case MessageTypeRequestNoReturn:
		return "request_no_return"
	case MessageTypeNotification:
		return "notification"
	case MessageTypeResponse:
		return "response"
	case MessageTypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

// ReturnCode is the SOME/IP return code.
type ReturnCode uint8

const (
	ReturnCodeOK                    ReturnCode = 0x00
	ReturnCodeNotOK                 ReturnCode = 0x01
	ReturnCodeUnknownService        ReturnCode = 0x02
	ReturnCodeUnknownMethod         ReturnCode = 0x03
	ReturnCodeNotReady              ReturnCode = 0x04
	ReturnCodeNotReachable          ReturnCode = 0x05
	ReturnCodeTimeout               ReturnCode = 0x06
	ReturnCodeWrongProtocolVersion  ReturnCode = 0x07
	ReturnCodeWrongInterfaceVersion ReturnCode = 0x08
	ReturnCodeMalformedMessage      ReturnCode = 0x09
	ReturnCodeWrongMessageType      ReturnCode = 0x0A
)

// Errors returned while framing messages.
var (
	// ErrMalformedLength is returned when a length field is smaller than the
	// part of the header it has to cover.
	ErrMalformedLength = errors.New("malformed length field")
	// ErrMessageTooLarge is returned when a message exceeds the configured maximum size.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrShortMessage is returned when a buffer is smaller than a header.
	ErrShortMessage = errors.New("short message")
)

// Header is the decoded SOME/IP header.
type Header struct {
	ServiceID        ServiceID
	MethodID         MethodID
	Length           uint32
	ClientID         ClientID
	SessionID        SessionID
	ProtocolVersion  uint8
	InterfaceVersion uint8
	MessageType      MessageType
	ReturnCode       ReturnCode
}

// DecodeHeader decodes the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortMessage
	}

	return Header{
		ServiceID:        ServiceID(binary.BigEndian.Uint16(b[0:])),
		MethodID:         MethodID(binary.BigEndian.Uint16(b[2:])),
		Length:           binary.BigEndian.Uint32(b[lengthFieldOffset:]),
		ClientID:         ClientID(binary.BigEndian.Uint16(b[8:])),
		SessionID:        SessionID(binary.BigEndian.Uint16(b[10:])),
		ProtocolVersion:  b[12],
		InterfaceVersion: b[13],
		MessageType:      MessageType(b[14]),
		ReturnCode:       ReturnCode(b[15]),
	}, nil
}

// Encode writes the header into the first HeaderSize bytes of b.
func (h Header) Encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.BigEndian.PutUint16(b[0:], uint16(h.ServiceID))
	binary.BigEndian.PutUint16(b[2:], uint16(h.MethodID))
	binary.BigEndian.PutUint32(b[lengthFieldOffset:], h.Length)
	binary.BigEndian.PutUint16(b[8:], uint16(h.ClientID))
	binary.BigEndian.PutUint16(b[10:], uint16(h.SessionID))
	b[12] = h.ProtocolVersion
	b[13] = h.InterfaceVersion
	b[14] = uint8(h.MessageType)
	b[15] = uint8(h.ReturnCode)
}

// messageSize returns the total size of a message whose length field is length.
func messageSize(length uint32) (int, error) {
	if length < HeaderSize-lengthFieldEnd {
		return 0, errors.Wrapf(ErrMalformedLength, "length %d", length)
	}
	return lengthFieldEnd + int(length), nil
}

// Message is a complete SOME/IP message: header followed by payload.
// A Message is immutable once built; it owns its buffer.
type Message struct {
	data   []byte
	header Header
}

// NewMessage builds a message from a header and a payload. The length field
// of h is ignored and recomputed from the payload.
func NewMessage(h Header, payload []byte) *Message {
	data := make([]byte, HeaderSize+len(payload))
	h.Length = uint32(HeaderSize - lengthFieldEnd + len(payload))
	h.Encode(data)
	copy(data[HeaderSize:], payload)
	return &Message{data: data, header: h}
}

// ParseMessage takes ownership of b and validates it as exactly one message.
func ParseMessage(b []byte) (*Message, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}

	size, err := messageSize(h.Length)
	if err != nil {
		return nil, err
	}
	if size != len(b) {
		return nil, errors.Wrapf(ErrMalformedLength, "length field says %d bytes, buffer has %d", size, len(b))
	}

	return &Message{data: b, header: h}, nil
}

// Header returns the decoded header.
func (m *Message) Header() Header { return m.header }

// Length returns the total size of the message in bytes.
func (m *Message) Length() int { return len(m.data) }

// Body returns the payload following the header.
func (m *Message) Body() []byte { return m.data[HeaderSize:] }

// Bytes returns the wire representation. Callers must not modify it.
func (m *Message) Bytes() []byte { return m.data }

// NewResponse builds the answer to request. A non-OK return code produces
// an error message.
func NewResponse(request *Message, code ReturnCode, payload []byte) *Message {
	h := request.Header()
	h.ProtocolVersion = ProtocolVersion
	h.MessageType = MessageTypeResponse
	if code != ReturnCodeOK {
		h.MessageType = MessageTypeError
	}
	h.ReturnCode = code
	return NewMessage(h, payload)
}
